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
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
)

// Whether a query reduces.
type ReduceMode int

const (
	ReduceDefault ReduceMode = iota // Reduce iff the view has a reduce function and Keys is nil
	ReduceTrue
	ReduceFalse
)

// Whether a query may read an out-of-date index.
type StaleMode int

const (
	StaleFalse       StaleMode = iota // Update the index before querying
	StaleOK                           // Query the index as it is
	StaleUpdateAfter                  // Query the index as it is, then update it in the background
)

// Options of a view query. The zero value is not the default; use DefaultQueryOptions.
type QueryOptions struct {
	StartKey     interface{}
	EndKey       interface{}
	InclusiveEnd bool
	Descending   bool
	Keys         []interface{} // If non-nil, only rows with these keys; StartKey and EndKey are ignored
	Skip         int
	Limit        int // 0 means no limit
	Group        bool
	GroupLevel   int
	Reduce       ReduceMode
	Stale        StaleMode
	IncludeDocs  bool
}

func DefaultQueryOptions() *QueryOptions {
	return &QueryOptions{InclusiveEnd: true}
}

func (opts *QueryOptions) keyRange() KeyRange {
	return KeyRange{
		StartKey:     opts.StartKey,
		EndKey:       opts.EndKey,
		InclusiveEnd: opts.InclusiveEnd,
		Descending:   opts.Descending,
	}
}

// A single result row of a query.
type QueryRow struct {
	ID    string                 `json:"id,omitempty"`
	Key   interface{}            `json:"key"`
	Value interface{}            `json:"value"`
	Doc   map[string]interface{} `json:"doc,omitempty"`
}

// Result of a query. TotalRows counts the matching rows before Skip and Limit were applied.
type QueryResult struct {
	TotalRows int        `json:"total_rows"`
	Offset    int        `json:"offset"`
	Rows      []QueryRow `json:"rows"`
}

//////// PARAMETERS:

// Parses CouchDB-style query parameters. Key-valued parameters ("key", "keys", "startkey",
// "endkey") take Go values as-is, or JSON as a json.RawMessage or []byte; the rest accept typed
// values or their string forms. Unknown parameters are ignored.
func ParseQueryParams(params map[string]interface{}) (*QueryOptions, error) {
	opts := DefaultQueryOptions()
	var err error
	for name, value := range params {
		switch name {
		case "startkey", "start_key":
			opts.StartKey, err = jsonParam(name, value)
		case "endkey", "end_key":
			opts.EndKey, err = jsonParam(name, value)
		case "key":
			_, err = jsonParam(name, value)
		case "keys":
			var keys interface{}
			if keys, err = jsonParam(name, value); err == nil {
				var ok bool
				if opts.Keys, ok = keys.([]interface{}); !ok {
					err = badRequest("parameter %q must be an array", name)
				}
			}
		case "inclusive_end":
			opts.InclusiveEnd, err = boolParam(name, value)
		case "descending":
			opts.Descending, err = boolParam(name, value)
		case "group":
			opts.Group, err = boolParam(name, value)
		case "include_docs":
			opts.IncludeDocs, err = boolParam(name, value)
		case "skip":
			opts.Skip, err = intParam(name, value)
		case "limit":
			opts.Limit, err = intParam(name, value)
		case "group_level":
			opts.GroupLevel, err = intParam(name, value)
		case "reduce":
			var reduce bool
			if reduce, err = boolParam(name, value); err == nil {
				opts.Reduce = ReduceFalse
				if reduce {
					opts.Reduce = ReduceTrue
				}
			}
		case "stale":
			opts.Stale, err = staleParam(value)
		}
		if err != nil {
			return nil, err
		}
	}
	// "key" wins over explicit bounds.
	if key, found := params["key"]; found {
		opts.StartKey, _ = jsonParam("key", key)
		opts.EndKey = opts.StartKey
	}
	return opts, nil
}

func jsonParam(name string, value interface{}) (interface{}, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		normalized, err := normalizeValue(value)
		if err != nil {
			return nil, badRequest("invalid %q parameter: %v", name, err)
		}
		return normalized, nil
	}
	decoded, err := decodeJSON(raw)
	if err != nil {
		return nil, badRequest("invalid JSON in %q parameter: %v", name, err)
	}
	return decoded, nil
}

func boolParam(name string, value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b, nil
		}
	}
	return false, badRequest("parameter %q must be a boolean, not %v", name, value)
}

func intParam(name string, value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	}
	return 0, badRequest("parameter %q must be an integer, not %v", name, value)
}

func staleParam(value interface{}) (StaleMode, error) {
	switch fmt.Sprint(value) {
	case "false":
		return StaleFalse, nil
	case "ok", "true":
		return StaleOK, nil
	case "update_after":
		return StaleUpdateAfter, nil
	}
	return StaleFalse, badRequest("invalid stale parameter %v", value)
}

//////// QUERYING:

// A validated query.
type queryPlan struct {
	opts      QueryOptions
	keyRange  KeyRange
	keys      []interface{}
	reduceFn  ReduceFunc // nil unless reducing
	getter    DocumentGetter
	collator  *JSONCollator
	batchSize int
}

func (view *View) plan(opts *QueryOptions, reduceFn ReduceFunc, collator *JSONCollator) (*queryPlan, error) {
	if opts.Skip < 0 || opts.Limit < 0 || opts.GroupLevel < 0 {
		return nil, badRequest("skip, limit and group_level must not be negative")
	}
	plan := &queryPlan{opts: *opts, collator: collator, batchSize: view.db.opts.ReduceBatchSize}

	var err error
	if plan.keyRange, err = opts.keyRange().normalized(); err != nil {
		return nil, err
	}
	if opts.Keys != nil {
		plan.keys = make([]interface{}, 0, len(opts.Keys))
		for _, key := range opts.Keys {
			normalized, err := normalizeValue(key)
			if err != nil {
				return nil, badRequest("invalid key: %v", err)
			}
			plan.keys = append(plan.keys, normalized)
		}
		plan.keys = sortedUniqueKeys(plan.keys, collator, opts.Descending)
	}

	switch opts.Reduce {
	case ReduceTrue:
		if reduceFn == nil {
			return nil, badRequest("view %q has no reduce function", view.name)
		}
		plan.reduceFn = reduceFn
	case ReduceDefault:
		if opts.Keys == nil {
			plan.reduceFn = reduceFn
		}
	}
	if plan.reduceFn == nil && (opts.Group || opts.GroupLevel > 0) {
		return nil, badRequest("grouping requires a reduce")
	}
	if opts.IncludeDocs {
		if plan.reduceFn != nil {
			return nil, badRequest("include_docs is invalid for reduce")
		}
		var ok bool
		if plan.getter, ok = view.db.docs.(DocumentGetter); !ok {
			return nil, badRequest("document store can't fetch documents for include_docs")
		}
	}
	return plan, nil
}

// Sorts keys in collation order (reversed if descending), dropping duplicates.
func sortedUniqueKeys(keys []interface{}, c *JSONCollator, descending bool) []interface{} {
	sort.SliceStable(keys, func(i, j int) bool {
		return c.Collate(keys[i], keys[j]) < 0
	})
	keys = slices.CompactFunc(keys, func(a, b interface{}) bool {
		return c.Collate(a, b) == 0
	})
	if descending {
		slices.Reverse(keys)
	}
	return keys
}

// Queries the view. A nil opts means DefaultQueryOptions().
func (view *View) Query(opts *QueryOptions) (*QueryResult, error) {
	if opts == nil {
		opts = DefaultQueryOptions()
	}
	if opts.Stale == StaleFalse {
		if _, err := view.UpdateIndex(); err != nil {
			return nil, err
		}
	}
	if err := view.db.acquire(); err != nil {
		return nil, err
	}
	defer view.db.release()

	_, reduceFn, meta := view.state()
	collator := CollatorFor(meta.Collation)
	plan, err := view.plan(opts, reduceFn, collator)
	if err != nil {
		return nil, err
	}

	snap := view.db.index.snapshot(meta)
	rows, err := plan.scan(snap)
	snap.close()
	if err != nil {
		return nil, internalError(err, "can't read index of view %q", view.name)
	}

	var result *QueryResult
	if plan.reduceFn != nil {
		result, err = plan.reduce(rows)
	} else {
		result, err = plan.mapRows(rows)
	}
	if err != nil {
		return nil, err
	}

	if opts.Stale == StaleUpdateAfter {
		view.db.scheduleUpdate(view)
	}
	observeQuery(view.name, plan.reduceFn != nil, len(result.Rows))
	return result, nil
}

// Reads the matching index rows, in output order.
func (plan *queryPlan) scan(snap *indexSnapshot) ([]*indexRow, error) {
	var rows []*indexRow
	if plan.keys == nil {
		err := snap.scanRange(plan.keyRange, func(row *indexRow) bool {
			rows = append(rows, row)
			return true
		})
		return rows, err
	}
	for _, key := range plan.keys {
		start := len(rows)
		err := snap.scanKey(key, func(row *indexRow) {
			rows = append(rows, row)
		})
		if err != nil {
			return nil, err
		}
		if plan.opts.Descending {
			slices.Reverse(rows[start:])
		}
	}
	return rows, nil
}

func (plan *queryPlan) mapRows(rows []*indexRow) (*QueryResult, error) {
	result := &QueryResult{TotalRows: len(rows), Offset: plan.opts.Skip}
	rows = paginate(rows, plan.opts.Skip, plan.opts.Limit)
	result.Rows = make([]QueryRow, 0, len(rows))
	for _, row := range rows {
		value, err := decodeJSON(row.Value)
		if err != nil {
			return nil, internalError(err, "corrupt value for doc %q", row.DocID)
		}
		queryRow := QueryRow{ID: row.DocID, Key: row.Key, Value: value}
		if plan.getter != nil {
			if queryRow.Doc, err = fetchDoc(plan.getter, row.DocID); err != nil {
				return nil, err
			}
		}
		result.Rows = append(result.Rows, queryRow)
	}
	return result, nil
}

// Returns a document's properties with "_id" and "_rev", or nil if it no longer exists.
func fetchDoc(getter DocumentGetter, docID string) (map[string]interface{}, error) {
	rev, err := getter.GetDocument(docID)
	if ErrorStatus(err) == StatusNotFound {
		return nil, nil
	} else if err != nil {
		return nil, internalError(err, "can't read doc %q", docID)
	}
	doc := make(map[string]interface{}, len(rev.Properties)+2)
	for key, value := range rev.Properties {
		doc[key] = value
	}
	doc["_id"] = rev.DocID
	doc["_rev"] = rev.RevID
	return doc, nil
}

// The key a row is grouped under.
func (plan *queryPlan) groupKey(key interface{}) interface{} {
	level := plan.opts.GroupLevel
	if level == 0 {
		if plan.opts.Group {
			return key
		}
		return nil
	}
	if array, ok := key.([]interface{}); ok && len(array) > level {
		return array[:level]
	}
	return key
}

func (plan *queryPlan) reduce(rows []*indexRow) (*QueryResult, error) {
	type group struct {
		key    interface{}
		keys   []interface{}
		values []interface{}
	}
	var groups []*group
	for _, row := range rows {
		value, err := decodeJSON(row.Value)
		if err != nil {
			return nil, internalError(err, "corrupt value for doc %q", row.DocID)
		}
		key := plan.groupKey(row.Key)
		if len(groups) == 0 || plan.collator.Collate(groups[len(groups)-1].key, key) != 0 {
			groups = append(groups, &group{key: key})
		}
		g := groups[len(groups)-1]
		g.keys = append(g.keys, row.Key)
		g.values = append(g.values, value)
	}

	result := &QueryResult{TotalRows: len(groups), Offset: plan.opts.Skip}
	groups = paginate(groups, plan.opts.Skip, plan.opts.Limit)
	result.Rows = make([]QueryRow, 0, len(groups))
	for _, g := range groups {
		value, err := reduceGroup(plan.reduceFn, g.keys, g.values, plan.batchSize)
		if err != nil {
			return nil, internalError(err, "reduce function failed")
		}
		result.Rows = append(result.Rows, QueryRow{Key: g.key, Value: value})
	}
	return result, nil
}
