// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// RecordStore is an in-memory resource.Store. A single mutex makes every operation atomic,
// mirroring the row-level guarantees of the Postgres store.
type RecordStore struct {
	mu      sync.RWMutex
	records map[resource.Key]resource.Record
	now     func() time.Time
}

// NewRecordStore constructs a RecordStore using clock for transition timestamps.
func NewRecordStore(clock resource.Clock) *RecordStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &RecordStore{
		records: make(map[resource.Key]resource.Record),
		now:     now,
	}
}

// ExistingURLs returns the subset of urls already recorded for consumer.
func (s *RecordStore) ExistingURLs(ctx context.Context, consumer string, urls []string) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, resource.Unavailable("existing urls", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, u := range urls {
		if _, ok := s.records[resource.Key{URL: u, Consumer: consumer}]; ok {
			out[u] = struct{}{}
		}
	}
	return out, nil
}

// InsertPending inserts every record whose key is absent and returns the ones it created.
func (s *RecordStore) InsertPending(ctx context.Context, records []resource.Record) ([]resource.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, resource.Unavailable("insert records", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := make([]resource.Record, 0, len(records))
	for _, rec := range records {
		if _, exists := s.records[rec.Key()]; exists {
			continue
		}
		rec.Status = resource.StatusPending
		rec.Embedded = false
		rec.ErrorDetail = nil
		rec.ArtifactURI = nil
		s.records[rec.Key()] = rec
		created = append(created, rec)
	}
	return created, nil
}

// Get fetches a record by key.
func (s *RecordStore) Get(_ context.Context, key resource.Key) (resource.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return resource.Record{}, resource.ErrNotFound
	}
	return rec, nil
}

// BeginProcessing moves a pending record to processing.
func (s *RecordStore) BeginProcessing(_ context.Context, key resource.Key) (resource.Record, error) {
	var out resource.Record
	err := s.transition(key, resource.StatusPending, func(rec *resource.Record) {
		rec.Status = resource.StatusProcessing
		out = *rec
	})
	return out, err
}

// Complete marks a processing record completed and embedded.
func (s *RecordStore) Complete(_ context.Context, key resource.Key, outcome resource.Outcome) error {
	return s.transition(key, resource.StatusProcessing, func(rec *resource.Record) {
		rec.Status = resource.StatusCompleted
		rec.Embedded = true
		rec.ErrorDetail = nil
		if outcome.ArtifactURI != "" {
			uri := outcome.ArtifactURI
			rec.ArtifactURI = &uri
		}
	})
}

// Fail marks a processing record failed.
func (s *RecordStore) Fail(_ context.Context, key resource.Key, detail string) error {
	return s.transition(key, resource.StatusProcessing, func(rec *resource.Record) {
		rec.Status = resource.StatusFailed
		rec.Embedded = false
		rec.ErrorDetail = &detail
	})
}

// ResetToPending returns a processing record to pending.
func (s *RecordStore) ResetToPending(_ context.Context, key resource.Key) error {
	return s.transition(key, resource.StatusProcessing, func(rec *resource.Record) {
		rec.Status = resource.StatusPending
		rec.Embedded = false
	})
}

// FindAllPending lists pending records for consumer, oldest first.
func (s *RecordStore) FindAllPending(_ context.Context, consumer string) ([]resource.Record, error) {
	return s.filter(func(rec resource.Record) bool {
		return rec.Consumer == consumer && rec.Status == resource.StatusPending
	}), nil
}

// FindStaleProcessing lists records in processing since before now-olderThan.
func (s *RecordStore) FindStaleProcessing(_ context.Context, olderThan time.Duration) ([]resource.Record, error) {
	cutoff := s.now().Add(-olderThan)
	return s.filter(func(rec resource.Record) bool {
		return rec.Status == resource.StatusProcessing && rec.UpdatedAt.Before(cutoff)
	}), nil
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error { return nil }

// Len reports the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *RecordStore) transition(key resource.Key, from resource.Status, apply func(*resource.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return resource.ErrNotFound
	}
	if rec.Status != from {
		return resource.ErrNotPending
	}
	rec.UpdatedAt = s.now()
	apply(&rec)
	s.records[key] = rec
	return nil
}

func (s *RecordStore) filter(keep func(resource.Record) bool) []resource.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resource.Record, 0)
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].URL < out[j].URL
	})
	return out
}
