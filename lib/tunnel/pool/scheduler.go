package pool

import (
	"container/heap"
	"sync"
	"time"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

type taskKind int

const (
	// taskRebuild asks the pool for a replacement before the tunnel expires.
	taskRebuild taskKind = iota
	// taskExpire takes the tunnel out of the pool.
	taskExpire
	// taskDeregister removes the tunnel from the dispatch layer.
	taskDeregister
	// taskLeaseRefresh republishes leases once the tunnel can no longer be offered.
	taskLeaseRefresh
)

func (k taskKind) String() string {
	switch k {
	case taskRebuild:
		return "rebuild"
	case taskExpire:
		return "expire"
	case taskLeaseRefresh:
		return "lease-refresh"
	default:
		return "deregister"
	}
}

type delayedTask struct {
	at    time.Time
	id    tunnel.TunnelID
	kind  taskKind
	cfg   *tunnel.TunnelConfig
	index int
}

type taskHeap []*delayedTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*delayedTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// DelayQueue holds per-tunnel timed tasks. Every task of a tunnel can be
// cancelled at once by its id.
type DelayQueue struct {
	mu   sync.Mutex
	h    taskHeap
	byID map[tunnel.TunnelID][]*delayedTask
	wake chan struct{}
}

func NewDelayQueue() *DelayQueue {
	return &DelayQueue{
		byID: make(map[tunnel.TunnelID][]*delayedTask),
		wake: make(chan struct{}, 1),
	}
}

// Schedule adds a task for cfg at the given time.
func (q *DelayQueue) Schedule(at time.Time, kind taskKind, cfg *tunnel.TunnelConfig) {
	t := &delayedTask{at: at, id: cfg.ID(), kind: kind, cfg: cfg}
	q.mu.Lock()
	heap.Push(&q.h, t)
	q.byID[t.id] = append(q.byID[t.id], t)
	q.mu.Unlock()
	q.signal()
}

// Cancel drops every pending task for id and returns how many were dropped.
func (q *DelayQueue) Cancel(id tunnel.TunnelID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.byID[id]
	for _, t := range tasks {
		if t.index >= 0 {
			heap.Remove(&q.h, t.index)
		}
	}
	delete(q.byID, id)
	return len(tasks)
}

// CancelKind drops the pending tasks of one kind for id.
func (q *DelayQueue) CancelKind(id tunnel.TunnelID, kind taskKind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.byID[id][:0]
	for _, t := range q.byID[id] {
		if t.kind == kind {
			if t.index >= 0 {
				heap.Remove(&q.h, t.index)
			}
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		delete(q.byID, id)
	} else {
		q.byID[id] = kept
	}
}

// PopDue removes and returns the tasks due at now, earliest first.
func (q *DelayQueue) PopDue(now time.Time) []*delayedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*delayedTask
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		t := heap.Pop(&q.h).(*delayedTask)
		q.forget(t)
		due = append(due, t)
	}
	return due
}

func (q *DelayQueue) forget(t *delayedTask) {
	tasks := q.byID[t.id]
	for i, o := range tasks {
		if o == t {
			tasks = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(tasks) == 0 {
		delete(q.byID, t.id)
	} else {
		q.byID[t.id] = tasks
	}
}

// Drain removes and returns every pending task, earliest first.
func (q *DelayQueue) Drain() []*delayedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*delayedTask, 0, len(q.h))
	for len(q.h) > 0 {
		out = append(out, heap.Pop(&q.h).(*delayedTask))
	}
	q.byID = make(map[tunnel.TunnelID][]*delayedTask)
	return out
}

// Next returns the time of the earliest task.
func (q *DelayQueue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].at, true
}

// Len is the number of pending tasks.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Pending returns the kinds still queued for id.
func (q *DelayQueue) Pending(id tunnel.TunnelID) []taskKind {
	q.mu.Lock()
	defer q.mu.Unlock()
	var kinds []taskKind
	for _, t := range q.byID[id] {
		kinds = append(kinds, t.kind)
	}
	return kinds
}

// Wake fires after a new task is scheduled.
func (q *DelayQueue) Wake() <-chan struct{} { return q.wake }

func (q *DelayQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
