// Package queue implements the ordered, deduplicated collection of
// pending operations owned by the coordinator. Operations pop by
// priority, FIFO among equal priorities, and each fingerprint has at
// most one entry at a time.
package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/mirradon/arbiter/eval"
)

// Entry is one pending operation as exposed for monitoring.
type Entry struct {
	Operation  eval.Operation `json:"operation"`
	Priority   int            `json:"priority"`
	EnqueuedAt time.Time      `json:"timestamp"`
}

// Queue is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	h     opHeap
	ready chan struct{}
}

type opHeap struct {
	ops   []eval.Operation
	index map[eval.Fingerprint]int
}

func (h opHeap) Len() int { return len(h.ops) }

func (h opHeap) Less(i, j int) bool {
	if h.ops[i].Priority != h.ops[j].Priority {
		return h.ops[i].Priority > h.ops[j].Priority
	}
	return h.ops[i].EnqueuedAt.Before(h.ops[j].EnqueuedAt)
}

func (h opHeap) Swap(i, j int) {
	h.ops[i], h.ops[j] = h.ops[j], h.ops[i]
	h.index[h.ops[i].Fingerprint()] = i
	h.index[h.ops[j].Fingerprint()] = j
}

func (h *opHeap) Push(x any) {
	op := x.(eval.Operation)
	h.index[op.Fingerprint()] = len(h.ops)
	h.ops = append(h.ops, op)
}

func (h *opHeap) Pop() any {
	op := h.ops[len(h.ops)-1]
	h.ops = h.ops[:len(h.ops)-1]
	delete(h.index, op.Fingerprint())
	return op
}

func New() *Queue {
	return &Queue{
		h:     opHeap{index: make(map[eval.Fingerprint]int)},
		ready: make(chan struct{}, 1),
	}
}

// Push inserts op unless an operation with the same fingerprint is
// already pending, and reports whether it inserted anything.
func (q *Queue) Push(op eval.Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.h.index[op.Fingerprint()]; ok {
		return false
	}
	heap.Push(&q.h, op)
	q.signal()
	return true
}

// Pop removes and returns the highest-priority operation.
func (q *Queue) Pop() (eval.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h.ops) == 0 {
		return eval.Operation{}, false
	}
	op := heap.Pop(&q.h).(eval.Operation)
	if len(q.h.ops) > 0 {
		q.signal()
	}
	return op, true
}

// Contains reports whether an operation with this fingerprint is
// pending.
func (q *Queue) Contains(fp eval.Fingerprint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.h.index[fp]
	return ok
}

// Remove drops a pending operation by fingerprint.
func (q *Queue) Remove(fp eval.Fingerprint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.h.index[fp]
	if !ok {
		return false
	}
	heap.Remove(&q.h, i)
	return true
}

// SetPriority changes the priority of a pending operation in place. The
// fingerprint does not change, so no duplicate can appear.
func (q *Queue) SetPriority(fp eval.Fingerprint, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.h.index[fp]
	if !ok {
		return false
	}
	q.h.ops[i].Priority = priority
	heap.Fix(&q.h, i)
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.h.ops)
}

// Snapshot returns the pending operations in pop order. The copy is
// detached; mutating it does not affect the queue.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	ops := make([]eval.Operation, len(q.h.ops))
	copy(ops, q.h.ops)
	q.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
	entries := make([]Entry, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, Entry{
			Operation:  op,
			Priority:   op.Priority,
			EnqueuedAt: op.EnqueuedAt,
		})
	}
	return entries
}

// Ready is signaled whenever the queue may have work, so a dispatch loop
// can block on it instead of polling.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
