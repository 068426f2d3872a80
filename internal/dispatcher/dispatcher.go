// Package dispatcher schedules records onto the task queue and fans queue work out to workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/metrics"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
	"github.com/JakeFAU/ingestion-pipeline/internal/worker"
)

// Error reports the records that could not be enqueued. Those records stay pending.
type Error struct {
	Failed []string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch failed for %d url(s) [%s]: %v", len(e.Failed), strings.Join(e.Failed, ", "), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatcher enqueues tasks and fans queue work out to a pool of workers.
type Dispatcher struct {
	queue   resource.Queue
	store   resource.Store
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher. store is only needed for Redispatch; workers only for Run.
func New(queue resource.Queue, store resource.Store, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		store:   store,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task resource.Task) error {
	err := d.queue.Enqueue(ctx, task)
	metrics.ObserveDispatch(err)
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dispatch enqueues one task per record. Every record is attempted; failures are
// collected into an *Error rather than stopping the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, consumer string, records []resource.Record) error {
	var (
		failed []string
		errs   []error
	)
	for _, rec := range records {
		if err := d.Enqueue(ctx, resource.TaskFor(rec)); err != nil {
			failed = append(failed, rec.URL)
			errs = append(errs, err)
		}
	}
	if len(failed) == 0 {
		d.logger.Debug("dispatched tasks", zap.String("consumer", consumer), zap.Int("count", len(records)))
		return nil
	}
	d.logger.Warn("some tasks were not dispatched",
		zap.String("consumer", consumer),
		zap.Strings("urls", failed),
	)
	return &Error{Failed: failed, Err: errors.Join(errs...)}
}

// Redispatch enqueues every pending record of consumer again and returns how many were enqueued.
// Records already queued are safe to send twice; the worker's claim makes the extra delivery a no-op.
func (d *Dispatcher) Redispatch(ctx context.Context, consumer string) (int, error) {
	if d.store == nil {
		return 0, fmt.Errorf("redispatch requires a record store")
	}
	pending, err := d.store.FindAllPending(ctx, consumer)
	if err != nil {
		return 0, fmt.Errorf("find pending records: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	err = d.Dispatch(ctx, consumer, pending)
	var dispatchErr *Error
	if errors.As(err, &dispatchErr) {
		return len(pending) - len(dispatchErr.Failed), err
	}
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
