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
	"io"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Default number of rows passed to a single reduce call before results are rereduced.
const kDefaultReduceBatchSize = 256

// Tunables of a Database.
type DatabaseOptions struct {
	IndexDir        string // Directory of the index database; empty keeps it in memory
	ReduceBatchSize int    // Max rows per reduce call (default 256)
	MapParallelism  int    // Max concurrent map calls during an update (default GOMAXPROCS)
	AutoUpdate      bool   // Update views in the background as documents change (needs a ChangeNotifier store)
}

// A Database manages the views of one DocumentStore, and their shared index storage.
type Database struct {
	name        string
	uuid        string
	docs        DocumentStore
	ownedDocs   io.Closer // Closed with the database, if it opened the store itself
	opts        DatabaseOptions
	index       *indexStore
	updates     singleflight.Group
	pending     *updateQueue
	indexerDone chan struct{}
	feed        *ChangeFeed   // Document changes, if AutoUpdate is on
	watcherDone chan struct{} // Closed when the feed watcher exits
	inUse       sync.RWMutex  // Read-locked by view operations; Close write-locks it
	lock        sync.RWMutex // Protects the fields below
	views       map[string]*View
	closed      bool
}

// Creates a Database over a document store. Views persisted in opts.IndexDir are reloaded, but
// their functions have to be set again.
func NewDatabase(name string, docs DocumentStore, opts *DatabaseOptions) (*Database, error) {
	db := &Database{
		name:        name,
		docs:        docs,
		pending:     newUpdateQueue(),
		indexerDone: make(chan struct{}),
		views:       map[string]*View{},
	}
	if opts != nil {
		db.opts = *opts
	}
	if db.opts.ReduceBatchSize <= 0 {
		db.opts.ReduceBatchSize = kDefaultReduceBatchSize
	}

	var err error
	if db.index, err = openIndexStore(db.opts.IndexDir); err != nil {
		return nil, err
	}
	if db.uuid, err = db.index.getOrCreateUUID(); err != nil {
		db.index.close()
		return nil, err
	}
	metas, err := db.index.allMetas()
	if err != nil {
		db.index.close()
		return nil, err
	}
	for _, meta := range metas {
		db.views[meta.Name] = newView(db, meta)
	}
	logg("Opened database %q with %d views", name, len(metas))

	go db.runIndexer()
	if db.opts.AutoUpdate {
		notifier, ok := docs.(ChangeNotifier)
		if !ok {
			db.Close()
			return nil, badRequest("document store %T can't report changes", docs)
		}
		if db.feed, err = notifier.StartChangeFeed(FeedArguments{KeysOnly: true}); err != nil {
			db.Close()
			return nil, err
		}
		db.watcherDone = make(chan struct{})
		go db.watchChanges()
	}
	return db, nil
}

// Opens a Database given a URL or path. A "walrus:" or "file:" URL, or a path, names a directory
// holding the documents ("name.docs") and the index ("name.index"); anything else, such as an
// empty string, gives a database that lives only in memory. opts.IndexDir is ignored.
func OpenDatabase(urlStr, name string, opts *DatabaseOptions) (*Database, error) {
	var dbOpts DatabaseOptions
	if opts != nil {
		dbOpts = *opts
	}
	dbOpts.IndexDir = ""

	var store *MemoryStore
	dir := urlToDir(urlStr)
	if dir == "" {
		store = NewMemoryStore(name)
	} else {
		var err error
		if store, err = NewPersistentStore(dir, name); err != nil {
			return nil, err
		}
		dbOpts.IndexDir = filepath.Join(dir, name+".index")
	}
	db, err := NewDatabase(name, store, &dbOpts)
	if err != nil {
		store.Close()
		return nil, err
	}
	db.ownedDocs = store
	return db, nil
}

// Interprets a database urlStr as a directory, or returns "" if it's not.
func urlToDir(urlStr string) (dir string) {
	if urlStr != "" {
		if strings.HasPrefix(urlStr, "/") || strings.HasPrefix(urlStr, ".") {
			return urlStr
		}
		urlobj, _ := url.Parse(urlStr)
		if urlobj != nil && (urlobj.Scheme == "walrus" || urlobj.Scheme == "file") {
			dir = urlobj.Path
			if dir == "" {
				dir = urlobj.Opaque
			} else if strings.HasPrefix(dir, "//") {
				dir = dir[2:]
			}
			if dir == "/" {
				dir = ""
			}
		}
	}
	return
}

func (db *Database) Name() string {
	return db.name
}

// A UUID assigned when the database's index was created.
func (db *Database) UUID() string {
	return db.uuid
}

// The document store the views are computed from.
func (db *Database) Documents() DocumentStore {
	return db.docs
}

// Stops the background indexer and closes the index. If the database was opened with
// OpenDatabase its document store is closed (and saved) too.
func (db *Database) Close() error {
	db.lock.Lock()
	if db.closed {
		db.lock.Unlock()
		return nil
	}
	db.closed = true
	db.lock.Unlock()

	if db.feed != nil {
		db.feed.Close()
		<-db.watcherDone
	}

	PendingUpdates.Sub(float64(db.pending.len()))
	db.pending.close()
	<-db.indexerDone
	db.inUse.Lock()
	defer db.inUse.Unlock()
	err := db.index.close()
	if db.ownedDocs != nil {
		if docsErr := db.ownedDocs.Close(); err == nil {
			err = docsErr
		}
	}
	logg("Closed database %q", db.name)
	return err
}

var errDatabaseClosed = errors.New("database is closed")

// Called at the start of a view operation that touches the index or documents; if it succeeds,
// the caller must call release when done. Fails once the database is closed.
func (db *Database) acquire() error {
	db.inUse.RLock()
	db.lock.RLock()
	closed := db.closed
	db.lock.RUnlock()
	if closed {
		db.inUse.RUnlock()
		return internalError(errDatabaseClosed, "can't use database %q", db.name)
	}
	return nil
}

func (db *Database) release() {
	db.inUse.RUnlock()
}

//////// VIEWS:

// Returns the named view, creating it if it doesn't exist.
func (db *Database) GetView(name string) (*View, error) {
	if !isValidViewName(name) {
		return nil, badRequest("invalid view name %q", name)
	}
	if view := db.GetExistingView(name); view != nil {
		return view, nil
	}

	db.lock.Lock()
	defer db.lock.Unlock()
	if view := db.views[name]; view != nil {
		return view, nil
	}
	if db.closed {
		return nil, internalError(errDatabaseClosed, "can't create view %q", name)
	}
	meta, err := db.index.getOrCreateMeta(name)
	if err != nil {
		return nil, internalError(err, "can't create view %q", name)
	}
	view := newView(db, meta)
	db.views[name] = view
	return view, nil
}

// Returns the named view, or nil if it doesn't exist.
func (db *Database) GetExistingView(name string) *View {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return db.views[name]
}

// Returns all views, sorted by name.
func (db *Database) AllViews() []*View {
	db.lock.RLock()
	views := make([]*View, 0, len(db.views))
	for _, view := range db.views {
		views = append(views, view)
	}
	db.lock.RUnlock()
	sort.Slice(views, func(i, j int) bool {
		return views[i].name < views[j].name
	})
	return views
}

// Deletes a view and its index.
func (db *Database) DeleteView(name string) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.closed {
		return internalError(errDatabaseClosed, "can't delete view %q", name)
	}
	view := db.views[name]
	if view == nil {
		return missingError(name)
	}

	view.updating.Lock()
	defer view.updating.Unlock()
	view.lock.Lock()
	defer view.lock.Unlock()
	if err := db.index.deleteView(&view.meta); err != nil {
		return internalError(err, "can't delete view %q", name)
	}
	view.deleted = true
	delete(db.views, name)
	logg("Deleted view %q", name)
	return nil
}

//////// BACKGROUND INDEXING:

// Queues a view to be updated by the background indexer.
func (db *Database) scheduleUpdate(view *View) {
	if db.pending.push(view) {
		PendingUpdates.Inc()
	}
}

// Brings every view that has a map function up to date, stopping at the first error.
func (db *Database) UpdateAllViews() error {
	for _, view := range db.AllViews() {
		if view.MapFunction() == nil {
			continue
		}
		if _, err := view.UpdateIndex(); err != nil {
			return err
		}
	}
	return nil
}

// Schedules every view with a map function for update whenever a document changes.
func (db *Database) watchChanges() {
	defer close(db.watcherDone)
	for rev := range db.feed.Events() {
		logg("Change to %q (seq %d); scheduling view updates", rev.DocID, rev.Sequence)
		for _, view := range db.AllViews() {
			if view.MapFunction() != nil {
				db.scheduleUpdate(view)
			}
		}
	}
}

func (db *Database) runIndexer() {
	defer close(db.indexerDone)
	for {
		view := db.pending.pull()
		if view == nil {
			return
		}
		PendingUpdates.Dec()
		status, err := view.UpdateIndex()
		if err != nil {
			logg("Warning: background update of view %q failed: %v", view.name, err)
		} else {
			logg("Background update of view %q: %v", view.name, status)
		}
	}
}
