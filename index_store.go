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
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// How many times a storage read for one document is attempted during an update.
const kStorageReadAttempts = 3

// Persistent state of a view, stored under its name.
type viewMeta struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	Collation    Collation `json:"collation"`
	LastSequence uint64    `json:"lastSequence"`
}

// The index store: a pebble database holding the entries, back-index and metadata of every view
// of a Database.
type indexStore struct {
	db     *pebble.DB
	dir    string
	idLock sync.Mutex // Serializes view ID allocation
}

// An index row as read back from storage.
type indexRow struct {
	Key     interface{}
	KeyJSON []byte
	DocID   string
	Seq     uint64
	Value   []byte // JSON
}

// An emitted row about to be written.
type emittedRow struct {
	keyJSON   []byte
	valueJSON []byte
}

// The map output for one document revision. A deleted document has no rows.
type docEntries struct {
	docID string
	seq   uint64
	rows  []emittedRow
}

// Opens the index database in dir, or in memory if dir is empty.
func openIndexStore(dir string) (*indexStore, error) {
	opts := &pebble.Options{Comparer: indexComparer, Logger: pebbleLogger{}}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening index store %q", dir)
	}
	logg("Opened index store %q", dir)
	return &indexStore{db: db, dir: dir}, nil
}

func (s *indexStore) close() error {
	return s.db.Close()
}

func getValue(r pebble.Reader, key []byte) ([]byte, error) {
	value, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

//////// METADATA:

func (s *indexStore) getMeta(name string) (*viewMeta, error) {
	raw, err := getValue(s.db, metaKey(name))
	if err != nil || raw == nil {
		return nil, errors.Wrapf(err, "reading view %q", name)
	}
	var meta viewMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrapf(err, "decoding view %q", name)
	}
	return &meta, nil
}

func setMeta(w pebble.Writer, meta *viewMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return w.Set(metaKey(meta.Name), raw, nil)
}

// Returns the named view's metadata, creating it with the next view ID if necessary.
func (s *indexStore) getOrCreateMeta(name string) (*viewMeta, error) {
	s.idLock.Lock()
	defer s.idLock.Unlock()
	if meta, err := s.getMeta(name); err != nil || meta != nil {
		return meta, err
	}

	var lastID int64
	raw, err := getValue(s.db, counterKey)
	if err != nil {
		return nil, errors.Wrap(err, "reading view counter")
	} else if len(raw) == 8 {
		lastID = int64(binary.BigEndian.Uint64(raw))
	}
	meta := &viewMeta{ID: lastID + 1, Name: name}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(counterKey, binary.BigEndian.AppendUint64(nil, uint64(meta.ID)), nil); err != nil {
		return nil, err
	}
	if err := setMeta(batch, meta); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, errors.Wrapf(err, "creating view %q", name)
	}
	logg("Created view %q with id %d", name, meta.ID)
	return meta, nil
}

// Returns the UUID identifying this index database, assigning one on first use.
func (s *indexStore) getOrCreateUUID() (string, error) {
	s.idLock.Lock()
	defer s.idLock.Unlock()
	raw, err := getValue(s.db, uuidKey)
	if err != nil {
		return "", errors.Wrap(err, "reading database UUID")
	} else if raw != nil {
		return string(raw), nil
	}
	id := uuid.New().String()
	if err := s.db.Set(uuidKey, []byte(id), pebble.Sync); err != nil {
		return "", errors.Wrap(err, "saving database UUID")
	}
	return id, nil
}

func (s *indexStore) allMetas() ([]*viewMeta, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{kindMeta},
		UpperBound: []byte{kindMeta + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var metas []*viewMeta
	for iter.First(); iter.Valid(); iter.Next() {
		var meta viewMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			return nil, errors.Wrapf(err, "decoding view %q", iter.Key()[1:])
		}
		metas = append(metas, &meta)
	}
	return metas, iter.Error()
}

// Deletes all entries and back-index records of a view.
func clearEntries(batch *pebble.Batch, viewID int64) error {
	if err := batch.DeleteRange(viewEntriesPrefix(viewID), viewEntriesPrefix(viewID+1), nil); err != nil {
		return err
	}
	return batch.DeleteRange(docEntriesPrefix(viewID), docEntriesPrefix(viewID+1), nil)
}

// Atomically removes a view's index and replaces its metadata.
func (s *indexStore) resetView(meta *viewMeta) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := clearEntries(batch, meta.ID); err != nil {
		return err
	}
	if err := setMeta(batch, meta); err != nil {
		return err
	}
	return errors.Wrapf(batch.Commit(pebble.Sync), "resetting view %q", meta.Name)
}

// Atomically removes a view entirely.
func (s *indexStore) deleteView(meta *viewMeta) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := clearEntries(batch, meta.ID); err != nil {
		return err
	}
	if err := batch.Delete(metaKey(meta.Name), nil); err != nil {
		return err
	}
	return errors.Wrapf(batch.Commit(pebble.Sync), "deleting view %q", meta.Name)
}

//////// UPDATING:

// Replaces the entries of each changed document and advances the checkpoint, in one atomic
// batch. Returns the number of entries added and removed. On error nothing is written.
func (s *indexStore) applyUpdate(meta *viewMeta, changes []docEntries, lastSequence uint64) (added, removed int, err error) {
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	for _, change := range changes {
		backKey := docEntriesKey(meta.ID, change.docID)
		var oldList []byte
		for attempt := 1; ; attempt++ {
			if oldList, err = getValue(batch, backKey); err == nil {
				break
			} else if attempt >= kStorageReadAttempts {
				return 0, 0, errors.Wrapf(err, "reading entries of doc %q", change.docID)
			}
			logg("Retrying read of entries of doc %q: %v", change.docID, err)
		}
		for _, oldKey := range splitEntryKeyList(oldList) {
			if err = batch.Delete(oldKey, nil); err != nil {
				return 0, 0, err
			}
			removed++
		}

		if len(change.rows) == 0 {
			if oldList != nil {
				err = batch.Delete(backKey, nil)
			}
		} else {
			var newList []byte
			for i, row := range change.rows {
				entry := makeEntryKey(meta.ID, meta.Collation, row.keyJSON, change.docID, change.seq, uint32(i))
				if err = batch.Set(entry, row.valueJSON, nil); err != nil {
					return 0, 0, err
				}
				newList = appendEntryKeyList(newList, entry)
				added++
			}
			err = batch.Set(backKey, newList, nil)
		}
		if err != nil {
			return 0, 0, err
		}
	}

	updated := *meta
	updated.LastSequence = lastSequence
	if err = setMeta(batch, &updated); err != nil {
		return 0, 0, err
	}
	if err = batch.Commit(pebble.Sync); err != nil {
		return 0, 0, errors.Wrapf(err, "committing update of view %q", meta.Name)
	}
	return added, removed, nil
}

//////// READING:

// A consistent read-only view of the index.
type indexSnapshot struct {
	snap *pebble.Snapshot
	meta viewMeta
}

func (s *indexStore) snapshot(meta viewMeta) *indexSnapshot {
	return &indexSnapshot{snap: s.db.NewSnapshot(), meta: meta}
}

func (is *indexSnapshot) close() error {
	return is.snap.Close()
}

func (is *indexSnapshot) collator() *JSONCollator {
	return CollatorFor(is.meta.Collation)
}

func (is *indexSnapshot) newIter() (*pebble.Iterator, error) {
	return is.snap.NewIter(&pebble.IterOptions{
		LowerBound: viewEntriesPrefix(is.meta.ID),
		UpperBound: viewEntriesPrefix(is.meta.ID + 1),
	})
}

func decodeRow(iter *pebble.Iterator) (*indexRow, error) {
	k := parseEntryKey(iter.Key())
	if k.fields < fieldEmit {
		return nil, errors.Errorf("malformed index key %q", iter.Key())
	}
	key, err := decodeJSON(k.key)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed index key %q", k.key)
	}
	return &indexRow{
		Key:     key,
		KeyJSON: append([]byte(nil), k.key...),
		DocID:   string(k.docID),
		Seq:     k.seq,
		Value:   append([]byte(nil), iter.Value()...),
	}, nil
}

// Calls fn with every row in range r, in scan order, until fn returns false.
func (is *indexSnapshot) scanRange(r KeyRange, fn func(*indexRow) bool) error {
	iter, err := is.newIter()
	if err != nil {
		return err
	}
	defer iter.Close()

	c := is.collator()
	var startJSON []byte
	if r.StartKey != nil {
		if startJSON, err = encodeJSON(r.StartKey); err != nil {
			return err
		}
	}

	step := iter.Next
	if !r.Descending {
		if startJSON != nil {
			iter.SeekGE(entryBound(is.meta.ID, is.meta.Collation, startJSON))
		} else {
			iter.First()
		}
	} else {
		step = iter.Prev
		if startJSON != nil {
			// Position after the last entry whose key equals the start key, then back up.
			iter.SeekGE(entryBound(is.meta.ID, is.meta.Collation, startJSON))
			for iter.Valid() && c.CollateRaw(parseEntryKey(iter.Key()).key, startJSON) == 0 {
				iter.Next()
			}
			if iter.Valid() {
				iter.Prev()
			} else {
				iter.Last()
			}
		} else {
			iter.Last()
		}
	}

	for ; iter.Valid(); step() {
		row, err := decodeRow(iter)
		if err != nil {
			return err
		}
		if !r.BeforeEnd(c, row.Key) || !fn(row) {
			break
		}
	}
	return iter.Error()
}

// Calls fn with every row whose key collates equal to key.
func (is *indexSnapshot) scanKey(key interface{}, fn func(*indexRow)) error {
	keyJSON, err := encodeJSON(key)
	if err != nil {
		return err
	}
	iter, err := is.newIter()
	if err != nil {
		return err
	}
	defer iter.Close()

	c := is.collator()
	for iter.SeekGE(entryBound(is.meta.ID, is.meta.Collation, keyJSON)); iter.Valid(); iter.Next() {
		if c.CollateRaw(parseEntryKey(iter.Key()).key, keyJSON) != 0 {
			break
		}
		row, err := decodeRow(iter)
		if err != nil {
			return err
		}
		fn(row)
	}
	return iter.Error()
}

// Returns the entry keys currently recorded for a document.
func (is *indexSnapshot) docEntryKeys(docID string) ([][]byte, error) {
	list, err := getValue(is.snap, docEntriesKey(is.meta.ID, docID))
	if err != nil {
		return nil, err
	}
	return splitEntryKeyList(list), nil
}
