package common

import (
	"sync"
	"time"
)

type queueItem struct {
	env *Envelope
	seq int64
}

// PriorityQueue is a bounded outbound queue: higher priority drains first,
// FIFO within a priority tier. When full, the lowest-priority oldest entry
// (including the incoming one, if it ranks lowest) is evicted to admit the
// new one.
type PriorityQueue struct {
	capacity int
	items    []queueItem
	nextSeq  int64
	headSeq  int64 // decreases; re-enqueued envelopes jump the FIFO line
	mu       sync.Mutex
}

// NewPriorityQueue creates a queue bounded at capacity. A capacity of zero
// or less means unbounded.
func NewPriorityQueue(capacity int) *PriorityQueue {
	return &PriorityQueue{capacity: capacity}
}

// Push admits an envelope, evicting the lowest-priority oldest entry when
// full. It returns the evicted envelope, if any, and whether the incoming
// envelope was admitted.
func (q *PriorityQueue) Push(env *Envelope) (evicted *Envelope, admitted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	item := queueItem{env: env, seq: q.nextSeq}

	if q.capacity > 0 && len(q.items) >= q.capacity {
		victim := q.lowestLocked()
		// The incoming envelope is itself evicted only when it ranks
		// strictly below everything already queued.
		if env.Priority < q.items[victim].env.Priority {
			env.Status = DeliveryFailed
			return env, false
		}
		ev := q.items[victim].env
		ev.Status = DeliveryFailed
		evicted = ev
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}

	q.items = append(q.items, item)
	return evicted, true
}

// PushFront re-admits an envelope at the head of its priority tier, used
// for the single re-enqueue after a transmit failure. When the queue is
// full the lowest-priority oldest entry is evicted; the re-admitted
// envelope is never the victim.
func (q *PriorityQueue) PushFront(env *Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		victim := q.lowestLocked()
		q.items[victim].env.Status = DeliveryFailed
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}
	q.headSeq--
	q.items = append(q.items, queueItem{env: env, seq: q.headSeq})
}

// Pop removes and returns the highest-priority oldest envelope. Expired
// envelopes are discarded in passing.
func (q *PriorityQueue) Pop() (*Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for {
		best := -1
		for i := range q.items {
			if best < 0 || q.better(i, best) {
				best = i
			}
		}
		if best < 0 {
			return nil, false
		}
		env := q.items[best].env
		q.items = append(q.items[:best], q.items[best+1:]...)
		if env.Expired(now) {
			env.Status = DeliveryExpired
			continue
		}
		return env, true
	}
}

// better reports whether items[i] should drain before items[j].
func (q *PriorityQueue) better(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.env.Priority != b.env.Priority {
		return a.env.Priority > b.env.Priority
	}
	return a.seq < b.seq
}

// lowestLocked returns the index of the lowest-priority oldest entry.
func (q *PriorityQueue) lowestLocked() int {
	low := 0
	for i := 1; i < len(q.items); i++ {
		a, b := q.items[i], q.items[low]
		if a.env.Priority < b.env.Priority ||
			(a.env.Priority == b.env.Priority && a.seq < b.seq) {
			low = i
		}
	}
	return low
}

// Len returns the number of queued envelopes.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all queued envelopes, marking them failed, and returns them.
func (q *PriorityQueue) Clear() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := make([]*Envelope, 0, len(q.items))
	for _, it := range q.items {
		it.env.Status = DeliveryFailed
		dropped = append(dropped, it.env)
	}
	q.items = nil
	return dropped
}

// Snapshot returns copies of the queued envelopes in drain order.
func (q *PriorityQueue) Snapshot() []*Envelope {
	q.mu.Lock()
	items := make([]queueItem, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	out := make([]*Envelope, 0, len(items))
	for len(items) > 0 {
		best := 0
		for i := 1; i < len(items); i++ {
			a, b := items[i], items[best]
			if a.env.Priority > b.env.Priority ||
				(a.env.Priority == b.env.Priority && a.seq < b.seq) {
				best = i
			}
		}
		out = append(out, items[best].env.Clone())
		items = append(items[:best], items[best+1:]...)
	}
	return out
}
