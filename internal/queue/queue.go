// Package queue holds job ids until they are ready to run. Items become ready
// at their ReadyAt time; among ready items the highest priority pops first,
// ties broken by ReadyAt and then by push order.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Item is one queued job
type Item struct {
	JobID    string
	Priority int
	ReadyAt  time.Time
}

// Queue is a delayed priority queue of job ids
type Queue interface {
	Push(ctx context.Context, item Item) error
	// PopReady removes and returns up to max items that are ready at now
	PopReady(ctx context.Context, now time.Time, max int) ([]Item, error)
	Len(ctx context.Context) (int, error)
	// Retain records a finished job and keeps only the newest keep ids per
	// outcome. The ids that fell out are returned.
	Retain(ctx context.Context, jobID string, success bool, keep int) ([]string, error)
	Close() error
}

type entry struct {
	item  Item
	seq   uint64
	index int
}

// readyHeap orders by priority desc, then ReadyAt, then push order
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	if !h[i].item.ReadyAt.Equal(h[j].item.ReadyAt) {
		return h[i].item.ReadyAt.Before(h[j].item.ReadyAt)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// delayedHeap orders by ReadyAt, then push order
type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].item.ReadyAt.Equal(h[j].item.ReadyAt) {
		return h[i].item.ReadyAt.Before(h[j].item.ReadyAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayedHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// MemoryQueue is an in-process Queue
type MemoryQueue struct {
	mu       sync.Mutex
	delayed  delayedHeap
	ready    readyHeap
	seq      uint64
	finished map[bool][]string
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		delayed:  make(delayedHeap, 0),
		ready:    make(readyHeap, 0),
		finished: make(map[bool][]string),
	}
}

func (q *MemoryQueue) Push(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	heap.Push(&q.delayed, &entry{item: item, seq: q.seq})
	return nil
}

func (q *MemoryQueue) PopReady(_ context.Context, now time.Time, max int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.delayed.Len() > 0 && !q.delayed[0].item.ReadyAt.After(now) {
		e := heap.Pop(&q.delayed).(*entry)
		heap.Push(&q.ready, e)
	}

	items := make([]Item, 0, min(max, q.ready.Len()))
	for len(items) < max && q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*entry)
		items = append(items, e.item)
	}
	return items, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayed.Len() + q.ready.Len(), nil
}

func (q *MemoryQueue) Retain(_ context.Context, jobID string, success bool, keep int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := append(q.finished[success], jobID)
	var evicted []string
	if keep >= 0 && len(ids) > keep {
		cut := len(ids) - keep
		evicted = append(evicted, ids[:cut]...)
		ids = append([]string(nil), ids[cut:]...)
	}
	q.finished[success] = ids
	return evicted, nil
}

// Finished returns the retained finished ids for an outcome, oldest first
func (q *MemoryQueue) Finished(success bool) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.finished[success]...)
}

func (q *MemoryQueue) Close() error {
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
