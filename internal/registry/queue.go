package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/teei-platform/semaphore/internal/envelope"
)

// ErrConnectionClosed is returned by queue operations after Close.
var ErrConnectionClosed = errors.New("registry: connection closed")

// OfferResult describes the outcome of a non-blocking enqueue.
type OfferResult struct {
	// Enqueued is true when the envelope was accepted.
	Enqueued bool
	// Dropped holds envelopes evicted to make room, oldest first.
	Dropped []envelope.Envelope
}

// outboundQueue is a bounded FIFO with a drop-oldest-noncritical overflow
// policy. A plain channel cannot express "evict the oldest droppable entry
// while preserving order", so the queue is a mutex-guarded slice with a
// wakeup channel for the single consumer.
type outboundQueue struct {
	mu       sync.Mutex
	items    []envelope.Envelope
	capacity int
	closed   bool
	wakeup   chan struct{}
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{
		items:    make([]envelope.Envelope, 0, capacity),
		capacity: capacity,
		wakeup:   make(chan struct{}, 1),
	}
}

// offer enqueues env without ever blocking. When the queue is full it evicts
// the oldest droppable envelope first; if nothing is droppable the offer is
// rejected and the caller must close the connection.
func (q *outboundQueue) offer(env envelope.Envelope) (OfferResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return OfferResult{}, ErrConnectionClosed
	}

	var res OfferResult
	if len(q.items) >= q.capacity {
		evicted := false
		for i, queued := range q.items {
			if queued.Type.Droppable() {
				res.Dropped = append(res.Dropped, queued)
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return res, nil
		}
	}

	q.items = append(q.items, env)
	res.Enqueued = true
	q.notify()
	return res, nil
}

func (q *outboundQueue) notify() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// pop blocks until an envelope is available, the queue is closed, or ctx is
// done.
func (q *outboundQueue) pop(ctx context.Context) (envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		if q.closed {
			q.mu.Unlock()
			return envelope.Envelope{}, ErrConnectionClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		case <-q.wakeup:
		}
	}
}

func (q *outboundQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}
