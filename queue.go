package touchview

import (
	"container/list"
	"sync"
)

// Thread-safe producer/consumer queue of views awaiting a background index update.
// A view is only queued once until it's pulled.
type updateQueue struct {
	list   *list.List
	queued map[*View]bool
	cond   *sync.Cond
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{
		list:   list.New(),
		queued: map[*View]bool{},
		cond:   sync.NewCond(&sync.Mutex{}),
	}
}

// Queues a view. (Never blocks: the queue has no size limit.) Returns false if the view was
// already queued or the queue is closed.
func (q *updateQueue) push(view *View) bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.list == nil || q.queued[view] {
		return false
	}
	q.queued[view] = true
	q.list.PushFront(view)
	if q.list.Len() == 1 {
		q.cond.Signal()
	}
	return true
}

// Removes the oldest view from the queue; if the queue is empty, blocks.
// Returns nil once the queue is closed.
func (q *updateQueue) pull() *View {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for q.list != nil && q.list.Len() == 0 {
		q.cond.Wait()
	}
	if q.list == nil {
		return nil // queue is closed
	}
	last := q.list.Back()
	q.list.Remove(last)
	view := last.Value.(*View)
	delete(q.queued, view)
	return view
}

// Number of views waiting.
func (q *updateQueue) len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.list == nil {
		return 0
	}
	return q.list.Len()
}

func (q *updateQueue) close() {
	q.cond.L.Lock()
	if q.list != nil {
		q.list = nil
		q.queued = nil
		q.cond.Broadcast()
	}
	q.cond.L.Unlock()
}
