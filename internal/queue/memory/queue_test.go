package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/ingestion-pipeline/internal/queue"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan resource.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- d
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	task := resource.Task{URL: "https://a.com", Consumer: "acme", Kind: resource.KindPage, Attempt: 1}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.Task != task {
			t.Fatalf("expected %+v, got %+v", task, got.Task)
		}
		if err := got.Ack(context.Background()); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after ack, got %d", q.Len())
	}
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	task := resource.Task{URL: "https://a.com", Consumer: "acme", Kind: resource.KindPage, Attempt: 1}
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Nack(ctx); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Task.Attempt != 2 {
		t.Fatalf("expected attempt 2 after nack, got %d", again.Task.Attempt)
	}
}

func TestQueueNackOnFullQueueDoesNotBlock(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	first := resource.Task{URL: "https://a.com/1", Consumer: "acme", Kind: resource.KindPage, Attempt: 1}
	second := resource.Task{URL: "https://a.com/2", Consumer: "acme", Kind: resource.KindPage, Attempt: 1}
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatal(err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Nack(ctx) }()
	select {
	case err := <-done:
		if !errors.Is(err, queue.ErrFull) {
			t.Fatalf("expected ErrFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("nack blocked on a full queue")
	}
	if q.Len() != 1 {
		t.Fatalf("expected only the waiting task queued, got %d", q.Len())
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), resource.Task{URL: "primed"}); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, resource.Task{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	if err := q.Enqueue(context.Background(), resource.Task{}); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected enqueue after close to fail, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}
