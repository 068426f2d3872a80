// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

const recordColumns = `url, consumer, resource_kind, status, embedded, error_detail, artifact_uri, submitted_at, updated_at`

// RecordStoreConfig controls the Postgres connection pool used for resource records.
type RecordStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// RecordStore persists resource records in the resource_records table.
// Uniqueness of (url, consumer) is enforced by the primary key.
type RecordStore struct {
	pool  pool
	clock resource.Clock
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig, clock resource.Clock) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewRecordStoreWithPool(p, clock)
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, clock resource.Clock) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &RecordStore{pool: p, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return resource.Unavailable("ping", err)
	}
	return nil
}

// ExistingURLs returns the subset of urls already recorded for consumer.
func (s *RecordStore) ExistingURLs(ctx context.Context, consumer string, urls []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(urls) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM resource_records WHERE consumer = $1 AND url = ANY($2)`,
		consumer, urls)
	if err != nil {
		return nil, resource.Unavailable("existing urls", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, resource.Unavailable("scan existing url", err)
		}
		out[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, resource.Unavailable("existing urls", err)
	}
	return out, nil
}

// InsertPending inserts records in one transaction. Keys that already exist are skipped by
// ON CONFLICT DO NOTHING, so only rows this call created are returned.
func (s *RecordStore) InsertPending(ctx context.Context, records []resource.Record) ([]resource.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	urls := make([]string, len(records))
	consumers := make([]string, len(records))
	kinds := make([]string, len(records))
	submitted := make([]time.Time, len(records))
	for i, rec := range records {
		urls[i] = rec.URL
		consumers[i] = rec.Consumer
		kinds[i] = string(rec.Kind)
		submitted[i] = rec.SubmittedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, resource.Unavailable("begin insert", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx, `
INSERT INTO resource_records (url, consumer, resource_kind, status, embedded, submitted_at, updated_at)
SELECT t.url, t.consumer, t.kind, 'pending', false, t.submitted_at, t.submitted_at
FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[]) AS t(url, consumer, kind, submitted_at)
ON CONFLICT (url, consumer) DO NOTHING
RETURNING url, consumer`,
		urls, consumers, kinds, submitted)
	if err != nil {
		return nil, resource.Unavailable("insert records", err)
	}
	won := make(map[resource.Key]struct{}, len(records))
	for rows.Next() {
		var k resource.Key
		if err := rows.Scan(&k.URL, &k.Consumer); err != nil {
			rows.Close()
			return nil, resource.Unavailable("scan inserted key", err)
		}
		won[k] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, resource.Unavailable("insert records", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, resource.Unavailable("commit insert", err)
	}

	created := make([]resource.Record, 0, len(won))
	for _, rec := range records {
		if _, ok := won[rec.Key()]; !ok {
			continue
		}
		rec.Status = resource.StatusPending
		rec.Embedded = false
		rec.ErrorDetail = nil
		rec.ArtifactURI = nil
		rec.UpdatedAt = rec.SubmittedAt
		created = append(created, rec)
		delete(won, rec.Key())
	}
	return created, nil
}

// Get fetches a record by key.
func (s *RecordStore) Get(ctx context.Context, key resource.Key) (resource.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM resource_records WHERE url = $1 AND consumer = $2`,
		key.URL, key.Consumer)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return resource.Record{}, resource.ErrNotFound
	}
	if err != nil {
		return resource.Record{}, resource.Unavailable("get record", err)
	}
	return rec, nil
}

// BeginProcessing claims a pending record.
func (s *RecordStore) BeginProcessing(ctx context.Context, key resource.Key) (resource.Record, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE resource_records SET status = 'processing', updated_at = $3
WHERE url = $1 AND consumer = $2 AND status = 'pending'
RETURNING `+recordColumns,
		key.URL, key.Consumer, s.clock.Now())
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return resource.Record{}, s.classifyMiss(ctx, key)
	}
	if err != nil {
		return resource.Record{}, resource.Unavailable("begin processing", err)
	}
	return rec, nil
}

// Complete marks a processing record completed and embedded.
func (s *RecordStore) Complete(ctx context.Context, key resource.Key, outcome resource.Outcome) error {
	var artifact *string
	if outcome.ArtifactURI != "" {
		artifact = &outcome.ArtifactURI
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE resource_records
SET status = 'completed', embedded = true, artifact_uri = $3, error_detail = NULL, updated_at = $4
WHERE url = $1 AND consumer = $2 AND status = 'processing'`,
		key.URL, key.Consumer, artifact, s.clock.Now())
	return s.checkTransition(ctx, key, "complete", tag, err)
}

// Fail marks a processing record failed.
func (s *RecordStore) Fail(ctx context.Context, key resource.Key, detail string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE resource_records
SET status = 'failed', error_detail = $3, updated_at = $4
WHERE url = $1 AND consumer = $2 AND status = 'processing'`,
		key.URL, key.Consumer, detail, s.clock.Now())
	return s.checkTransition(ctx, key, "fail", tag, err)
}

// ResetToPending returns a processing record to pending.
func (s *RecordStore) ResetToPending(ctx context.Context, key resource.Key) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE resource_records SET status = 'pending', updated_at = $3
WHERE url = $1 AND consumer = $2 AND status = 'processing'`,
		key.URL, key.Consumer, s.clock.Now())
	return s.checkTransition(ctx, key, "reset to pending", tag, err)
}

// FindAllPending lists the consumer's pending records, oldest first.
func (s *RecordStore) FindAllPending(ctx context.Context, consumer string) ([]resource.Record, error) {
	return s.list(ctx, "find pending", `
SELECT `+recordColumns+` FROM resource_records
WHERE consumer = $1 AND status = 'pending'
ORDER BY submitted_at, url`, consumer)
}

// FindStaleProcessing lists records that entered processing before now minus olderThan.
func (s *RecordStore) FindStaleProcessing(ctx context.Context, olderThan time.Duration) ([]resource.Record, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	return s.list(ctx, "find stale", `
SELECT `+recordColumns+` FROM resource_records
WHERE status = 'processing' AND updated_at < $1
ORDER BY updated_at, url`, cutoff)
}

func (s *RecordStore) list(ctx context.Context, op, query string, args ...any) ([]resource.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, resource.Unavailable(op, err)
	}
	defer rows.Close()
	var out []resource.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, resource.Unavailable(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, resource.Unavailable(op, err)
	}
	return out, nil
}

func (s *RecordStore) checkTransition(
	ctx context.Context,
	key resource.Key,
	op string,
	tag pgconn.CommandTag,
	err error,
) error {
	if err != nil {
		return resource.Unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, key)
	}
	return nil
}

// classifyMiss explains why a conditional update matched no row.
func (s *RecordStore) classifyMiss(ctx context.Context, key resource.Key) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM resource_records WHERE url = $1 AND consumer = $2`,
		key.URL, key.Consumer).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return resource.ErrNotFound
	}
	if err != nil {
		return resource.Unavailable("lookup record status", err)
	}
	return fmt.Errorf("%w: record is %s", resource.ErrNotPending, status)
}

func scanRecord(row pgx.Row) (resource.Record, error) {
	var (
		rec    resource.Record
		kind   string
		status string
	)
	if err := row.Scan(
		&rec.URL,
		&rec.Consumer,
		&kind,
		&status,
		&rec.Embedded,
		&rec.ErrorDetail,
		&rec.ArtifactURI,
		&rec.SubmittedAt,
		&rec.UpdatedAt,
	); err != nil {
		return resource.Record{}, err
	}
	var err error
	if rec.Kind, err = resource.ParseKind(kind); err != nil {
		return resource.Record{}, err
	}
	if rec.Status, err = resource.ParseStatus(status); err != nil {
		return resource.Record{}, err
	}
	return rec, nil
}
