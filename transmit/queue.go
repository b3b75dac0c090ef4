package transmit

import "github.com/warp/obligation-engine/engine"

// =============================================================================
// QUEUE - Lossy in-memory work queue
// =============================================================================

// Queue buffers obligation ids awaiting transmission. It is a latency
// optimization only: enqueueing is non-blocking and drops when full,
// because the sweep independently re-derives the pending set from the
// store. The queue is never the source of truth.
type Queue struct {
	ch chan engine.ObligationID
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan engine.ObligationID, size)}
}

// Enqueue offers an obligation id. Returns false when the queue is full;
// the id is dropped and picked up by the next sweep.
func (q *Queue) Enqueue(id engine.ObligationID) bool {
	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

// C exposes the drain channel for the worker.
func (q *Queue) C() <-chan engine.ObligationID { return q.ch }

// Len returns the number of queued ids.
func (q *Queue) Len() int { return len(q.ch) }
