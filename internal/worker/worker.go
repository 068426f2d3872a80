// Package worker implements the task processing loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/id/uuid"
	"github.com/JakeFAU/ingestion-pipeline/internal/metrics"
	"github.com/JakeFAU/ingestion-pipeline/internal/queue"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

const tracerName = "github.com/JakeFAU/ingestion-pipeline/internal/worker"

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds one processing call. Zero disables the bound.
	TaskTimeout time.Duration
	// FinalizeTimeout bounds the terminal store write and event publish.
	FinalizeTimeout time.Duration
	// StoreTimeout bounds the pending to processing claim.
	StoreTimeout time.Duration
	// MaxAttempts caps redeliveries for tasks that fail before the record is claimed.
	MaxAttempts int
	// EventsTopic receives a completion event per terminal transition. Empty disables events.
	EventsTopic string
}

// Event announces that a record reached a terminal state.
type Event struct {
	ID          string          `json:"event_id"`
	URL         string          `json:"url"`
	Consumer    string          `json:"consumer"`
	Kind        resource.Kind   `json:"resource_kind"`
	Status      resource.Status `json:"status"`
	Embedded    bool            `json:"embedded"`
	ArtifactURI string          `json:"artifact_uri,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Error       string          `json:"error,omitempty"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Worker consumes tasks and drives records through processing to a terminal state.
type Worker struct {
	queue     resource.Queue
	store     resource.Store
	processor resource.Processor
	publisher resource.Publisher
	clock     resource.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue resource.Queue,
	store resource.Store,
	processor resource.Processor,
	publisher resource.Publisher,
	clock resource.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		queue:     queue,
		store:     store,
		processor: processor,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("consumer", delivery.Task.Consumer),
			zap.String("url", delivery.Task.URL),
			zap.Int("attempt", delivery.Task.Attempt),
		)
		w.settle(ctx, delivery, w.Handle(ctx, delivery.Task))
	}
}

// settle acknowledges or redelivers a task once Handle has returned.
func (w *Worker) settle(ctx context.Context, d resource.Delivery, handleErr error) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()

	task := d.Task
	fields := []zap.Field{
		zap.String("consumer", task.Consumer),
		zap.String("url", task.URL),
		zap.Int("attempt", task.Attempt),
	}
	switch {
	case handleErr == nil:
		if err := d.Ack(ackCtx); err != nil {
			w.logger.Error("ack task failed", append(fields, zap.Error(err))...)
		}
	case task.Attempt >= w.cfg.MaxAttempts:
		metrics.ObserveTask(string(task.Kind), metrics.OutcomeDropped)
		w.logger.Error("task exhausted its attempts; record left pending for redispatch",
			append(fields, zap.Error(handleErr))...)
		if err := d.Ack(ackCtx); err != nil {
			w.logger.Error("ack task failed", append(fields, zap.Error(err))...)
		}
	default:
		metrics.ObserveTask(string(task.Kind), metrics.OutcomeRetried)
		w.logger.Warn("task failed; redelivering", append(fields, zap.Error(handleErr))...)
		if err := d.Nack(ackCtx); err != nil {
			w.logger.Error("nack task failed; record left pending for redispatch", append(fields, zap.Error(err))...)
		}
	}
}

// Handle claims the record named by task, processes it, and records the terminal outcome.
// A nil return means the task is done and may be acknowledged, including when the record was
// already claimed by an earlier delivery. A non-nil return means the claim itself could not be
// attempted and the task should be redelivered.
func (w *Worker) Handle(ctx context.Context, task resource.Task) (err error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.handle", trace.WithAttributes(
		attribute.String("ingest.consumer", task.Consumer),
		attribute.String("ingest.url", task.URL),
		attribute.String("ingest.kind", string(task.Kind)),
		attribute.Int("ingest.attempt", task.Attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	key := resource.Key{URL: task.URL, Consumer: task.Consumer}
	claimCtx, cancelClaim := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	rec, err := w.store.BeginProcessing(claimCtx, key)
	cancelClaim()
	switch {
	case errors.Is(err, resource.ErrNotFound):
		metrics.ObserveTask(string(task.Kind), metrics.OutcomeSkipped)
		w.logger.Warn("no record for task; dropping",
			zap.String("consumer", key.Consumer),
			zap.String("url", key.URL),
		)
		return nil
	case errors.Is(err, resource.ErrNotPending):
		metrics.ObserveTask(string(task.Kind), metrics.OutcomeSkipped)
		w.logger.Info("record already claimed; skipping duplicate delivery",
			zap.String("consumer", key.Consumer),
			zap.String("url", key.URL),
			zap.Error(err),
		)
		return nil
	case err != nil:
		return fmt.Errorf("begin processing: %w", err)
	}

	// The claim is ours now. Processing and the terminal write run to the end even
	// when ctx is cancelled; only TaskTimeout and FinalizeTimeout bound them.
	outcome, procErr := w.process(context.WithoutCancel(ctx), rec)
	if procErr != nil {
		span.RecordError(procErr)
	}

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()

	event := Event{
		ID:         uuid.New(),
		URL:        rec.URL,
		Consumer:   rec.Consumer,
		Kind:       rec.Kind,
		FinishedAt: w.clock.Now(),
	}
	if procErr != nil {
		detail := procErr.Error()
		event.Status, event.Error = resource.StatusFailed, detail
		err = w.store.Fail(finalCtx, key, detail)
		metrics.ObserveTask(string(rec.Kind), metrics.OutcomeFailed)
		w.logger.Warn("processing failed",
			zap.String("consumer", key.Consumer),
			zap.String("url", key.URL),
			zap.Error(procErr),
		)
	} else {
		event.Status, event.Embedded = resource.StatusCompleted, true
		event.ArtifactURI, event.ContentHash = outcome.ArtifactURI, outcome.ContentHash
		err = w.store.Complete(finalCtx, key, outcome)
		metrics.ObserveTask(string(rec.Kind), metrics.OutcomeCompleted)
		w.logger.Info("processing completed",
			zap.String("consumer", key.Consumer),
			zap.String("url", key.URL),
			zap.String("artifact_uri", outcome.ArtifactURI),
		)
	}
	if err != nil {
		// Redelivery cannot help once the claim is held; reconciliation resets the record.
		w.logger.Error("terminal status write failed; record stays processing until reconciled",
			zap.String("consumer", key.Consumer),
			zap.String("url", key.URL),
			zap.Error(err),
		)
		return nil
	}
	w.publish(finalCtx, event)
	return nil
}

func (w *Worker) process(ctx context.Context, rec resource.Record) (out resource.Outcome, err error) {
	if w.processor == nil {
		return resource.Outcome{}, errors.New("no processor configured")
	}
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		metrics.ObserveProcessing(string(rec.Kind), time.Since(start))
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor.Process(ctx, rec.URL, rec.Kind)
}

func (w *Worker) publish(ctx context.Context, event Event) {
	if w.publisher == nil || w.cfg.EventsTopic == "" {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.EventsTopic, event); err != nil {
		w.logger.Warn("publish completion event failed",
			zap.String("consumer", event.Consumer),
			zap.String("url", event.URL),
			zap.Error(err),
		)
	}
}
