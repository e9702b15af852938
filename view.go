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
	"regexp"
	"sync"
)

// A key/value pair emitted by a map function.
type KeyValue struct {
	Key   interface{}
	Value interface{}
}

// MapFunc derives index rows from a document. It's given a private copy of the document's
// properties, plus "_id" and "_rev". It must return the same rows for the same input and should
// emit nothing (not fail) when a field it expects is missing.
type MapFunc func(doc map[string]interface{}) ([]KeyValue, error)

// ReduceFunc aggregates the keys and values of a group of rows. When rereduce is true, values
// are results of earlier calls and keys is nil.
type ReduceFunc func(keys []interface{}, values []interface{}, rereduce bool) (interface{}, error)

// A diagnostic dump row; Key and Value are JSON.
type DumpRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Seq   uint64 `json:"seq"`
}

var viewNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_%$-][a-zA-Z0-9%_$./-]{0,250}$`)

func isValidViewName(name string) bool {
	return viewNameRegexp.MatchString(name)
}

// A View is a named, persistent index over a Database's documents, defined by a map function and
// an optional reduce function.
type View struct {
	db       *Database
	name     string
	updating sync.Mutex   // Held while the index is being updated or reset
	lock     sync.RWMutex // Protects the fields below
	meta     viewMeta
	mapFn    MapFunc
	reduceFn ReduceFunc
	deleted  bool
}

func newView(db *Database, meta *viewMeta) *View {
	return &View{db: db, name: meta.Name, meta: *meta}
}

func (view *View) Name() string {
	return view.name
}

// The numeric ID of the view, unique within its Database.
func (view *View) ID() int64 {
	view.lock.RLock()
	defer view.lock.RUnlock()
	return view.meta.ID
}

func (view *View) Version() string {
	view.lock.RLock()
	defer view.lock.RUnlock()
	return view.meta.Version
}

func (view *View) Collation() Collation {
	view.lock.RLock()
	defer view.lock.RUnlock()
	return view.meta.Collation
}

// The sequence the index is current up to.
func (view *View) LastSequence() uint64 {
	view.lock.RLock()
	defer view.lock.RUnlock()
	return view.meta.LastSequence
}

func (view *View) MapFunction() MapFunc {
	view.lock.RLock()
	defer view.lock.RUnlock()
	return view.mapFn
}

func (view *View) ReduceFunction() ReduceFunc {
	view.lock.RLock()
	defer view.lock.RUnlock()
	return view.reduceFn
}

func (view *View) isDeleted() bool {
	view.lock.RLock()
	defer view.lock.RUnlock()
	return view.deleted
}

func (view *View) state() (MapFunc, ReduceFunc, viewMeta) {
	view.lock.RLock()
	defer view.lock.RUnlock()
	return view.mapFn, view.reduceFn, view.meta
}

// Binds the map and reduce functions. Functions don't persist, so this has to be called every
// time the view is loaded. version identifies the functions' logic: if it differs from the stored
// version the index is discarded and true is returned.
func (view *View) SetMapReduce(mapFn MapFunc, reduceFn ReduceFunc, version string) (bool, error) {
	if err := view.db.acquire(); err != nil {
		return false, err
	}
	defer view.db.release()
	view.updating.Lock()
	defer view.updating.Unlock()
	view.lock.Lock()
	defer view.lock.Unlock()

	view.mapFn = mapFn
	view.reduceFn = reduceFn
	if version == view.meta.Version {
		return false, nil
	}
	meta := view.meta
	meta.Version = version
	meta.LastSequence = 0
	if err := view.db.index.resetView(&meta); err != nil {
		return false, internalError(err, "can't reset view %q", view.name)
	}
	logg("View %q: version changed to %q; index cleared", view.name, version)
	view.meta = meta
	return true, nil
}

// Changes the collation of the view's keys. Since this changes the index order, the index is
// discarded if the mode differs.
func (view *View) SetCollation(mode Collation) error {
	if mode != CollationDefault && mode != CollationRaw {
		return badRequest("invalid collation %v", mode)
	}
	if err := view.db.acquire(); err != nil {
		return err
	}
	defer view.db.release()
	view.updating.Lock()
	defer view.updating.Unlock()
	view.lock.Lock()
	defer view.lock.Unlock()

	if mode == view.meta.Collation {
		return nil
	}
	meta := view.meta
	meta.Collation = mode
	meta.LastSequence = 0
	if err := view.db.index.resetView(&meta); err != nil {
		return internalError(err, "can't reset view %q", view.name)
	}
	view.meta = meta
	return nil
}

// True if documents have changed since the index was last updated, or if the index is ahead of
// the documents and will be rebuilt.
func (view *View) IsStale() (bool, error) {
	last, err := view.db.docs.LastSequence()
	if err != nil {
		return false, internalError(err, "can't read last sequence")
	}
	return view.LastSequence() != last, nil
}

// Discards the index and checkpoint, keeping the view and its functions.
func (view *View) RemoveIndex() error {
	if err := view.db.acquire(); err != nil {
		return err
	}
	defer view.db.release()
	view.updating.Lock()
	defer view.updating.Unlock()
	view.lock.Lock()
	defer view.lock.Unlock()

	meta := view.meta
	meta.LastSequence = 0
	if err := view.db.index.resetView(&meta); err != nil {
		return internalError(err, "can't remove index of view %q", view.name)
	}
	view.meta = meta
	return nil
}

// Returns every index row in collation order.
func (view *View) Dump() ([]DumpRow, error) {
	if err := view.db.acquire(); err != nil {
		return nil, err
	}
	defer view.db.release()
	_, _, meta := view.state()
	snap := view.db.index.snapshot(meta)
	defer snap.close()

	rows := []DumpRow{}
	err := snap.scanRange(FullRange(), func(row *indexRow) bool {
		rows = append(rows, DumpRow{Key: string(row.KeyJSON), Value: string(row.Value), Seq: row.Seq})
		return true
	})
	if err != nil {
		return nil, internalError(err, "can't read index of view %q", view.name)
	}
	return rows, nil
}
