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
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Revision is the latest revision of a document as seen by the indexer.
// Properties is nil for a deleted document.
type Revision struct {
	DocID      string
	RevID      string
	Deleted    bool
	Properties map[string]interface{}
	Sequence   uint64
}

// DocRef identifies the current revision of a live document.
type DocRef struct {
	DocID string
	RevID string
}

// DocumentStore is the revisioned document collection that views are computed from.
//
// Sequence numbers are assigned by the store, strictly increasing per write. ChangesSince must
// return, ascending by sequence, the latest revision (deleted or not) of every document whose
// sequence is greater than since, read as one consistent snapshot.
type DocumentStore interface {
	LastSequence() (uint64, error)
	ChangesSince(since uint64) ([]Revision, error)
	// AllDocuments lists live documents whose IDs fall in r, ordered by ID bytewise.
	AllDocuments(r KeyRange) ([]DocRef, error)
}

// DocumentGetter is implemented by stores that can fetch a single document. It's needed for
// include_docs and makes DocsWithIDs cheaper.
type DocumentGetter interface {
	GetDocument(docID string) (*Revision, error)
}

// The persistent portion of a MemoryStore (the stuff that gets archived to disk.)
type memoryData struct {
	LastSeq uint64                // Last sequence number assigned
	Docs    map[string]*memoryDoc // Maps doc ID -> memoryDoc
}

// A document stored in a MemoryStore's .Docs map
type memoryDoc struct {
	RevID    string // Current revision ID
	Deleted  bool   // Is the current revision a tombstone?
	Body     []byte // JSON properties, or nil if deleted
	Sequence uint64 // Current sequence number assigned
}

// MemoryStore is a simple in-memory DocumentStore, optionally saved to a file.
// It keeps only the current revision of each document.
type MemoryStore struct {
	name         string       // Name of the store
	path         string       // Filesystem path, if it's persistent
	saving       bool         // Is a pending save in progress?
	lastSeqSaved uint64       // LastSeq at time of last save
	lock         sync.RWMutex // For thread-safety
	feeds        []*ChangeFeed
	memoryData
}

var _ DocumentStore = &MemoryStore{}
var _ DocumentGetter = &MemoryStore{}

// Creates an empty in-memory document store.
func NewMemoryStore(name string) *MemoryStore {
	logg("NewMemoryStore %s", name)
	return &MemoryStore{
		name: name,
		memoryData: memoryData{
			Docs: map[string]*memoryDoc{},
		},
	}
}

func (store *MemoryStore) Name() string {
	return store.name
}

func (store *MemoryStore) Close() error {
	store.lock.Lock()
	defer store.lock.Unlock()

	if store.Docs == nil {
		return nil
	}
	logg("Close %s", store.name)
	err := store._closePersist()
	store._closeFeeds()
	store.Docs = nil
	return err
}

func (store *MemoryStore) assertNotClosed() {
	if store.Docs == nil {
		panic(fmt.Sprintf("Accessing closed document store %q", store.name))
	}
}

// Generates the next sequence number to assign to a document update. (Use only while locked)
func (store *MemoryStore) _nextSequence() uint64 {
	store._saveSoon()
	store.LastSeq++
	return store.LastSeq
}

//////// READ:

func (store *MemoryStore) LastSequence() (uint64, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	store.assertNotClosed()
	return store.LastSeq, nil
}

func (store *MemoryStore) GetDocument(docID string) (*Revision, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	store.assertNotClosed()

	doc := store.Docs[docID]
	if doc == nil || doc.Deleted {
		return nil, missingError(docID)
	}
	return doc.revision(docID)
}

func (doc *memoryDoc) revision(docID string) (*Revision, error) {
	rev := &Revision{
		DocID:    docID,
		RevID:    doc.RevID,
		Deleted:  doc.Deleted,
		Sequence: doc.Sequence,
	}
	if !doc.Deleted {
		// Decode a fresh copy each time so callers can't alter the stored document.
		if err := json.Unmarshal(doc.Body, &rev.Properties); err != nil {
			return nil, err
		}
	}
	return rev, nil
}

func (store *MemoryStore) ChangesSince(since uint64) ([]Revision, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	store.assertNotClosed()

	changes := make([]Revision, 0)
	for docID, doc := range store.Docs {
		if doc.Sequence > since {
			rev, err := doc.revision(docID)
			if err != nil {
				return nil, err
			}
			changes = append(changes, *rev)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Sequence < changes[j].Sequence
	})
	return changes, nil
}

func (store *MemoryStore) AllDocuments(r KeyRange) ([]DocRef, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	store.assertNotClosed()

	refs := make([]DocRef, 0, len(store.Docs))
	for docID, doc := range store.Docs {
		if !doc.Deleted && r.Contains(rawCollator, docID) {
			refs = append(refs, DocRef{DocID: docID, RevID: doc.RevID})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if r.Descending {
			return refs[i].DocID > refs[j].DocID
		}
		return refs[i].DocID < refs[j].DocID
	})
	return refs, nil
}

//////// WRITE:

// Put stores a new revision of a document. An empty docID is taken from the "_id" property, or
// generated. prevRevID must match the current revision of an existing live document.
func (store *MemoryStore) Put(docID string, properties map[string]interface{}, prevRevID string) (*Revision, error) {
	if docID == "" {
		docID, _ = properties["_id"].(string)
		if docID == "" {
			docID = uuid.New().String()
		}
	}
	body := make(map[string]interface{}, len(properties))
	for key, value := range properties {
		if key != "_id" && key != "_rev" {
			body[key] = value
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Status: StatusBadRequest, Reason: "document body is not valid JSON", Err: err}
	}
	return store.write(docID, raw, prevRevID)
}

// Delete replaces the current revision of a document with a tombstone.
func (store *MemoryStore) Delete(docID string, prevRevID string) (*Revision, error) {
	return store.write(docID, nil, prevRevID)
}

func (store *MemoryStore) write(docID string, raw []byte, prevRevID string) (*Revision, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.assertNotClosed()

	doc := store.Docs[docID]
	if doc == nil {
		if raw == nil {
			return nil, missingError(docID)
		}
		if prevRevID != "" {
			return nil, &Error{Status: StatusConflict, Reason: fmt.Sprintf("document %q doesn't exist", docID)}
		}
		doc = &memoryDoc{}
		store.Docs[docID] = doc
	} else if doc.Deleted {
		if raw == nil {
			return nil, missingError(docID)
		}
		if prevRevID != "" && prevRevID != doc.RevID {
			return nil, &Error{Status: StatusConflict, Reason: fmt.Sprintf("document %q update conflict", docID)}
		}
	} else if prevRevID != doc.RevID {
		return nil, &Error{Status: StatusConflict, Reason: fmt.Sprintf("document %q update conflict", docID)}
	}

	doc.RevID = nextRevID(doc.RevID)
	doc.Deleted = raw == nil
	doc.Body = raw
	doc.Sequence = store._nextSequence()
	store._postChange(docID, doc)
	return doc.revision(docID)
}

// Revision IDs are "<generation>-<random hex>".
func nextRevID(revID string) string {
	generation := 0
	if dash := strings.IndexByte(revID, '-'); dash > 0 {
		generation, _ = strconv.Atoi(revID[:dash])
	}
	return fmt.Sprintf("%d-%s", generation+1, strings.ReplaceAll(uuid.New().String(), "-", ""))
}
