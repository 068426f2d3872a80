// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ingestion-pipeline/internal/queue"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// Queue is a bounded in-memory queue with context-aware operations.
// Nack puts the task back with its attempt count incremented. It never blocks: the workers
// that nack are the same ones that drain the channel, so a full queue rejects the redelivery
// with queue.ErrFull and the record stays pending for redispatch.
type Queue struct {
	ch      chan resource.Task
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan resource.Task, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task resource.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (resource.Delivery, error) {
	select {
	case <-ctx.Done():
		return resource.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return resource.Delivery{}, queue.ErrClosed
		}
		return resource.Delivery{
			Task: task,
			Ack:  func(context.Context) error { return nil },
			Nack: func(context.Context) error { return q.offer(queue.Retry(task)) },
		}, nil
	}
}

// offer enqueues task only if there is room right now.
func (q *Queue) offer(task resource.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	select {
	case q.ch <- task:
		return nil
	default:
		return fmt.Errorf("redeliver %s: %w", task.URL, queue.ErrFull)
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
