// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tfaulkner/listing-crawler/internal/worker"
)

// Queue is a bounded in-memory queue with context-aware operations.
// Shutdown is signaled through a done channel rather than by closing
// the request channel, so an Enqueue racing Close can never panic.
type Queue struct {
	ch   chan worker.Request
	done chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan worker.Request, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a crawl request into the queue or returns if the
// context ends or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, req worker.Request) error {
	select {
	case <-q.done:
		return worker.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return worker.ErrQueueClosed
	case q.ch <- req:
		return nil
	}
}

// Dequeue pops the next request, respecting context cancellation.
// Requests enqueued before Close are still drained.
func (q *Queue) Dequeue(ctx context.Context) (worker.Request, error) {
	select {
	case <-ctx.Done():
		return worker.Request{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req := <-q.ch:
		return req, nil
	case <-q.done:
		select {
		case req := <-q.ch:
			return req, nil
		default:
			return worker.Request{}, worker.ErrQueueClosed
		}
	}
}

// Close marks the queue closed for shutdown. Safe to call repeatedly.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}
