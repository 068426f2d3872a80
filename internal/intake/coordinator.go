package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/metrics"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// Dispatcher schedules newly created records for processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, consumer string, created []resource.Record) error
}

// Config controls Coordinator behavior.
type Config struct {
	// Timeout bounds the store work of one submission. Zero disables the bound.
	Timeout time.Duration
	// DispatchTimeout bounds enqueueing after commit.
	DispatchTimeout time.Duration
}

// Result summarizes one submission.
type Result struct {
	CreatedCount     int
	SkippedURLs      []string
	Created          []resource.Record
	DispatchFailures error
}

// Coordinator implements the intake protocol.
type Coordinator struct {
	store      resource.Store
	dispatcher Dispatcher
	clock      resource.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(
	store resource.Store,
	dispatcher Dispatcher,
	clock resource.Clock,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Second
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

type candidate struct {
	url  string
	kind resource.Kind
}

// SubmitBatch splits newline or comma separated blobs, as posted by the form route, and submits them.
func (c *Coordinator) SubmitBatch(ctx context.Context, consumer, documentsRaw, pagesRaw string) (Result, error) {
	return c.SubmitLists(ctx, consumer, ParseList(documentsRaw), ParseList(pagesRaw))
}

// SubmitLists validates the URL lists and records every (url, consumer) pair not seen before.
// Each element is one URL; commas inside it are part of the URL.
// Validation failures return a *resource.ValidationError before the store is touched.
// Store failures are wrapped with resource.ErrStoreUnavailable. Dispatch failures never fail the call;
// they are reported in Result.DispatchFailures and the affected records stay pending.
func (c *Coordinator) SubmitLists(ctx context.Context, consumer string, documents, pages []string) (_ Result, err error) {
	consumer = strings.TrimSpace(consumer)
	ctx, span := otel.Tracer("github.com/JakeFAU/ingestion-pipeline/internal/intake").Start(ctx, "intake.submit_batch")
	span.SetAttributes(attribute.String("ingest.consumer", consumer))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	candidates, err := validateBatch(consumer, trimList(documents), trimList(pages))
	if err != nil {
		metrics.ObserveIntakeRejected()
		return Result{}, err
	}

	created, skipped, err := c.record(ctx, consumer, candidates)
	if err != nil {
		return Result{}, err
	}
	metrics.ObserveIntake(len(created), len(skipped))

	res := Result{
		CreatedCount: len(created),
		SkippedURLs:  skipped,
		Created:      created,
	}
	if len(created) == 0 || c.dispatcher == nil {
		return res, nil
	}

	// Dispatch only after commit; a cancelled request must not strand committed records undispatched.
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DispatchTimeout)
	defer cancel()
	if err := c.dispatcher.Dispatch(dispatchCtx, consumer, created); err != nil {
		c.logger.Warn("dispatch after commit failed; records remain pending",
			zap.String("consumer", consumer),
			zap.Error(err),
		)
		res.DispatchFailures = err
	}
	return res, nil
}

func (c *Coordinator) record(
	ctx context.Context,
	consumer string,
	candidates []candidate,
) ([]resource.Record, []string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	urls := make([]string, len(candidates))
	for i, cand := range candidates {
		urls[i] = cand.url
	}
	existing, err := c.store.ExistingURLs(ctx, consumer, urls)
	if err != nil {
		return nil, nil, fmt.Errorf("check existing records: %w", err)
	}

	now := c.clock.Now()
	var (
		fresh   []resource.Record
		skipped []string
	)
	for _, cand := range candidates {
		if _, ok := existing[cand.url]; ok {
			skipped = append(skipped, cand.url)
			continue
		}
		fresh = append(fresh, resource.NewPending(consumer, cand.url, cand.kind, now))
	}
	if len(fresh) == 0 {
		return nil, orEmpty(skipped), nil
	}

	created, err := c.store.InsertPending(ctx, fresh)
	if err != nil {
		return nil, nil, fmt.Errorf("insert pending records: %w", err)
	}

	if len(created) != len(fresh) {
		won := make(map[string]struct{}, len(created))
		for _, rec := range created {
			won[rec.URL] = struct{}{}
		}
		for _, rec := range fresh {
			if _, ok := won[rec.URL]; !ok {
				c.logger.Info("concurrent submission recorded url first; skipping",
					zap.String("consumer", consumer),
					zap.String("url", rec.URL),
				)
				skipped = append(skipped, rec.URL)
			}
		}
	}
	return created, orEmpty(skipped), nil
}

func validateBatch(consumer string, documents, pages []string) ([]candidate, error) {
	if consumer == "" {
		return nil, resource.Invalid("bot name is required")
	}
	if len(documents) == 0 && len(pages) == 0 {
		return nil, resource.Invalid("at least one document or page URL is required")
	}
	if dups := CrossListDuplicates(documents, pages); len(dups) > 0 {
		return nil, resource.Invalid("URLs appear in both the document and page lists", dups...)
	}
	if bad := invalidOf(documents, IsValidDocumentURL); len(bad) > 0 {
		return nil, resource.Invalid("document URLs must be http(s) links ending in .pdf", bad...)
	}
	if bad := invalidOf(pages, IsValidURL); len(bad) > 0 {
		return nil, resource.Invalid("page URLs must be http(s) links", bad...)
	}

	documents = uniqueOf(documents)
	pages = uniqueOf(pages)
	out := make([]candidate, 0, len(documents)+len(pages))
	for _, u := range documents {
		out = append(out, candidate{url: u, kind: resource.KindDocument})
	}
	for _, u := range pages {
		out = append(out, candidate{url: u, kind: resource.KindPage})
	}
	return out, nil
}

// trimList drops blank entries and surrounding whitespace, keeping order and repeats.
func trimList(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func orEmpty(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}
