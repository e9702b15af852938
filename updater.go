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
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Brings the index up to date with the document store. Returns StatusNotModified if it already
// was. Concurrent calls for the same view share a single update.
func (view *View) UpdateIndex() (Status, error) {
	if err := view.db.acquire(); err != nil {
		return StatusInternal, err
	}
	defer view.db.release()
	result, err, _ := view.db.updates.Do(strconv.FormatInt(view.ID(), 10), func() (interface{}, error) {
		return view.updateIndex()
	})
	status, _ := result.(Status)
	return status, err
}

func (view *View) updateIndex() (status Status, err error) {
	view.updating.Lock()
	defer view.updating.Unlock()

	start := time.Now()
	defer func() {
		observeUpdate(view.name, status, time.Since(start))
	}()

	if view.isDeleted() {
		return StatusNotFound, missingError(view.name)
	}
	mapFn, _, meta := view.state()
	if mapFn == nil {
		return StatusBadRequest, badRequest("view %q has no map function", view.name)
	}
	docs := view.db.docs
	target, err := docs.LastSequence()
	if err != nil {
		return StatusInternal, internalError(err, "can't read last sequence")
	}
	reset := meta.LastSequence > target
	if reset {
		// The store lost writes the index saw (or is a different store), so the index is invalid.
		logg("View %q: checkpoint %d is ahead of the documents (%d); reindexing", view.name, meta.LastSequence, target)
		meta.LastSequence = 0
		if err := view.db.index.resetView(&meta); err != nil {
			return StatusInternal, internalError(err, "can't reset view %q", view.name)
		}
		view.lock.Lock()
		view.meta.LastSequence = 0
		view.lock.Unlock()
	}
	if meta.LastSequence == target {
		if reset {
			return StatusOK, nil
		}
		return StatusNotModified, nil
	}

	changes, err := docs.ChangesSince(meta.LastSequence)
	if err != nil {
		return StatusInternal, internalError(err, "can't read changes since %d", meta.LastSequence)
	}
	// Documents written after target may appear in the changes; the checkpoint covers them too.
	lastSequence := target
	for _, rev := range changes {
		if rev.Sequence > lastSequence {
			lastSequence = rev.Sequence
		}
	}

	mapper := func(rev Revision) (docEntries, error) {
		return mapRevision(mapFn, rev)
	}
	mapped, err := Parallelize(mapper, view.db.opts.MapParallelism, changes)
	if err != nil {
		return StatusInternal, internalError(err, "map function of view %q failed", view.name)
	}

	added, removed, err := view.db.index.applyUpdate(&meta, mapped, lastSequence)
	if err != nil {
		return StatusInternal, internalError(err, "can't update index of view %q", view.name)
	}

	view.lock.Lock()
	view.meta.LastSequence = lastSequence
	view.lock.Unlock()

	indexedDocs.WithLabelValues(view.name).Add(float64(len(changes)))
	logg("View %q: indexed %d docs (+%d -%d rows), now at sequence %d",
		view.name, len(changes), added, removed, lastSequence)
	return StatusOK, nil
}

// Runs the map function over one revision and encodes the emitted rows.
func mapRevision(mapFn MapFunc, rev Revision) (docEntries, error) {
	entries := docEntries{docID: rev.DocID, seq: rev.Sequence}
	if rev.Deleted {
		return entries, nil
	}
	doc := make(map[string]interface{}, len(rev.Properties)+2)
	for key, value := range rev.Properties {
		doc[key] = value
	}
	doc["_id"] = rev.DocID
	doc["_rev"] = rev.RevID

	emitted, err := mapFn(doc)
	if err != nil {
		return entries, errors.Wrapf(err, "mapping doc %q", rev.DocID)
	}
	entries.rows = make([]emittedRow, 0, len(emitted))
	for _, kv := range emitted {
		var row emittedRow
		if row.keyJSON, err = encodeNormalized(kv.Key); err != nil {
			return entries, errors.Wrapf(err, "doc %q emitted invalid key", rev.DocID)
		}
		if row.valueJSON, err = encodeNormalized(kv.Value); err != nil {
			return entries, errors.Wrapf(err, "doc %q emitted invalid value", rev.DocID)
		}
		entries.rows = append(entries.rows, row)
	}
	return entries, nil
}

func encodeNormalized(value interface{}) ([]byte, error) {
	normalized, err := normalizeValue(value)
	if err != nil {
		return nil, err
	}
	return encodeJSON(normalized)
}
