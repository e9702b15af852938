package touchview

import (
	"container/list"
	"sort"
	"sync"
)

// Options for MemoryStore.StartChangeFeed.
type FeedArguments struct {
	Backfill bool   // Send the current revisions with sequences after Since first
	Since    uint64 // Backfill starting point
	Dump     bool   // End the feed after the backfill instead of waiting for changes
	KeysOnly bool   // Omit document properties from events
}

// A ChangeFeed delivers document revisions as they're written to a MemoryStore.
type ChangeFeed struct {
	store   *MemoryStore
	channel chan Revision
	args    FeedArguments
	events  *revisionQueue
}

// ChangeNotifier is implemented by document stores that can push their changes.
type ChangeNotifier interface {
	StartChangeFeed(args FeedArguments) (*ChangeFeed, error)
}

var _ ChangeNotifier = &MemoryStore{}

// Starts a change feed. The events can be read from the returned feed's Events channel.
// To stop receiving events, call Close() on the feed.
func (store *MemoryStore) StartChangeFeed(args FeedArguments) (*ChangeFeed, error) {
	feed := &ChangeFeed{
		store:   store,
		channel: make(chan Revision, 10),
		args:    args,
		events:  newRevisionQueue(),
	}

	store.lock.Lock()
	defer store.lock.Unlock()
	store.assertNotClosed()

	if args.Backfill {
		if err := store._enqueueBackfill(feed); err != nil {
			return nil, err
		}
	}
	if args.Dump {
		feed.events.close()
	} else {
		store.feeds = append(store.feeds, feed)
	}

	go feed.run()
	return feed, nil
}

func (feed *ChangeFeed) Events() <-chan Revision {
	return feed.channel
}

// Closes a ChangeFeed. Call this if you stop using a feed before its channel ends.
func (feed *ChangeFeed) Close() error {
	store := feed.store
	store.lock.Lock()
	defer store.lock.Unlock()
	store._removeFeed(feed)
	feed.events.close()
	return nil
}

func (feed *ChangeFeed) run() {
	defer close(feed.channel)
	for {
		rev, ok := feed.events.pull()
		if !ok {
			break
		}
		feed.channel <- rev
	}
}

func (feed *ChangeFeed) push(rev Revision) {
	if feed.args.KeysOnly {
		rev.Properties = nil
	}
	feed.events.push(rev)
}

// Caller must hold the store's lock.
func (store *MemoryStore) _enqueueBackfill(feed *ChangeFeed) error {
	var revs []Revision
	for docID, doc := range store.Docs {
		if doc.Sequence > feed.args.Since {
			rev, err := doc.revision(docID)
			if err != nil {
				return err
			}
			revs = append(revs, *rev)
		}
	}
	sort.Slice(revs, func(i, j int) bool {
		return revs[i].Sequence < revs[j].Sequence
	})
	for _, rev := range revs {
		feed.push(rev)
	}
	return nil
}

// Caller must hold the store's lock.
func (store *MemoryStore) _postChange(docID string, doc *memoryDoc) {
	for _, feed := range store.feeds {
		// Each feed gets its own decoded copy of the properties.
		rev, err := doc.revision(docID)
		if err != nil {
			// Still report the change, without properties.
			logg("Warning: can't decode change of %q: %v", docID, err)
			rev = &Revision{DocID: docID, RevID: doc.RevID, Deleted: doc.Deleted, Sequence: doc.Sequence}
		}
		feed.push(*rev)
	}
}

// Caller must hold the store's lock.
func (store *MemoryStore) _removeFeed(feed *ChangeFeed) {
	for i, afeed := range store.feeds {
		if afeed == feed {
			store.feeds = append(store.feeds[:i], store.feeds[i+1:]...)
			return
		}
	}
}

// Caller must hold the store's lock.
func (store *MemoryStore) _closeFeeds() {
	for _, feed := range store.feeds {
		feed.events.close()
	}
	store.feeds = nil
}

// Unbounded FIFO of revisions, so writers never wait for feed readers.
type revisionQueue struct {
	list   *list.List
	closed bool
	cond   *sync.Cond
}

func newRevisionQueue() *revisionQueue {
	return &revisionQueue{list: list.New(), cond: sync.NewCond(&sync.Mutex{})}
}

func (q *revisionQueue) push(rev Revision) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.closed {
		return
	}
	q.list.PushBack(rev)
	q.cond.Signal()
}

// Blocks until a revision is available. Once the queue is closed, the remaining revisions are
// still returned, then ok is false.
func (q *revisionQueue) pull() (rev Revision, ok bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for q.list.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	front := q.list.Front()
	if front == nil {
		return Revision{}, false
	}
	q.list.Remove(front)
	return front.Value.(Revision), true
}

func (q *revisionQueue) close() {
	q.cond.L.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.cond.L.Unlock()
}
