package engine

import "sync"

// opQueue is a thread-safe FIFO of freshly enqueued outbox op ids.
//
// Mutations push the ids they committed; the Run loop pops them for an
// immediate delivery attempt. Retries do not go through the queue: they are
// found by polling the outbox for due ops.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type opQueue struct {
	mu     sync.Mutex
	ids    []int64
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newOpQueue() *opQueue {
	return &opQueue{
		ids:    make([]int64, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds ids to the back of the queue. Zero ids are skipped.
func (q *opQueue) Enqueue(ids ...int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		if id != 0 {
			q.ids = append(q.ids, id)
		}
	}

	// Non-blocking: buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue removes and returns the front id without blocking.
func (q *opQueue) TryDequeue() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return 0, false
	}

	id := q.ids[0]
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
	}
	return id, true
}

// Wait returns a channel that signals when ids may be available.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *opQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
