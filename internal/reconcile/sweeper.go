// Package reconcile recovers records stranded in processing by crashed or stalled workers.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/metrics"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// Dispatcher schedules reset records for processing again.
type Dispatcher interface {
	Dispatch(ctx context.Context, consumer string, records []resource.Record) error
}

// Result summarizes one sweep.
type Result struct {
	Stale        int `json:"stale"`
	Reset        int `json:"reset"`
	Redispatched int `json:"redispatched"`
}

// Sweeper resets stale processing records to pending and dispatches them again.
type Sweeper struct {
	store      resource.Store
	dispatcher Dispatcher
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewSweeper builds a Sweeper. Records in processing for longer than staleAfter are considered abandoned.
func NewSweeper(store resource.Store, dispatcher Dispatcher, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Sweeper{store: store, dispatcher: dispatcher, staleAfter: staleAfter, logger: logger}
}

// StaleAfter reports the configured threshold.
func (s *Sweeper) StaleAfter() time.Duration { return s.staleAfter }

// Sweep runs one reconciliation pass. A record that finishes between the query and the reset is left alone.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	stale, err := s.store.FindStaleProcessing(ctx, s.staleAfter)
	if err != nil {
		return Result{}, fmt.Errorf("find stale records: %w", err)
	}
	res := Result{Stale: len(stale)}
	if len(stale) == 0 {
		return res, nil
	}

	byConsumer := make(map[string][]resource.Record)
	var order []string
	var errs []error
	for _, rec := range stale {
		err := s.store.ResetToPending(ctx, rec.Key())
		switch {
		case errors.Is(err, resource.ErrNotPending), errors.Is(err, resource.ErrNotFound):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("reset %s for %s: %w", rec.URL, rec.Consumer, err))
			continue
		}
		res.Reset++
		rec.Status = resource.StatusPending
		if _, ok := byConsumer[rec.Consumer]; !ok {
			order = append(order, rec.Consumer)
		}
		byConsumer[rec.Consumer] = append(byConsumer[rec.Consumer], rec)
	}
	metrics.ObserveReconciled(res.Reset)

	if s.dispatcher != nil {
		for _, consumer := range order {
			recs := byConsumer[consumer]
			if err := s.dispatcher.Dispatch(ctx, consumer, recs); err != nil {
				errs = append(errs, fmt.Errorf("redispatch for %s: %w", consumer, err))
				continue
			}
			res.Redispatched += len(recs)
		}
	}

	s.logger.Info("reconciliation sweep finished",
		zap.Int("stale", res.Stale),
		zap.Int("reset", res.Reset),
		zap.Int("redispatched", res.Redispatched),
	)
	return res, errors.Join(errs...)
}
