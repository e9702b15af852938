//  Copyright (c) 2013 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package touchview

import (
	"errors"
	"fmt"
	"net/http"

	sgbucket "github.com/couchbase/sg-bucket"
)

// Status is the outcome of an index update or query, using HTTP-style codes.
type Status int

const (
	StatusOK          Status = http.StatusOK
	StatusNotModified Status = http.StatusNotModified
	StatusBadRequest  Status = http.StatusBadRequest
	StatusNotFound    Status = http.StatusNotFound
	StatusConflict    Status = http.StatusConflict
	StatusInternal    Status = http.StatusInternalServerError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotModified:
		return "not modified"
	}
	return http.StatusText(int(s))
}

func (s Status) IsSuccessful() bool {
	return s < 300 || s == StatusNotModified
}

// Error is returned by view and query operations. Status tells the caller whether the request
// was at fault (400) or the index storage failed (500); Err holds the underlying cause, if any.
type Error struct {
	Status Status
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", int(e.Status), e.Reason, e.Err)
	}
	return fmt.Sprintf("%d %s", int(e.Status), e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func badRequest(format string, args ...interface{}) error {
	return &Error{Status: StatusBadRequest, Reason: fmt.Sprintf(format, args...)}
}

func internalError(err error, format string, args ...interface{}) error {
	return &Error{Status: StatusInternal, Reason: fmt.Sprintf(format, args...), Err: err}
}

// ErrorStatus maps an error from this package to a Status: StatusOK for nil, the embedded status
// for *Error, StatusNotFound for missing documents and StatusInternal otherwise.
func ErrorStatus(err error) Status {
	if err == nil {
		return StatusOK
	}
	var viewErr *Error
	if errors.As(err, &viewErr) {
		return viewErr.Status
	}
	var missing sgbucket.MissingError
	if errors.As(err, &missing) {
		return StatusNotFound
	}
	return StatusInternal
}

func IsBadRequest(err error) bool {
	return err != nil && ErrorStatus(err) == StatusBadRequest
}

func IsInternal(err error) bool {
	return err != nil && ErrorStatus(err) == StatusInternal
}

func missingError(key string) error {
	return sgbucket.MissingError{Key: key}
}
