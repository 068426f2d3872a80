package resource

import (
	"context"
	"time"
)

// Store persists records. Every mutation is a single atomic operation keyed by (url, consumer);
// the uniqueness of that pair is enforced by the store itself.
type Store interface {
	// ExistingURLs returns the subset of urls already recorded for consumer, in one round trip.
	ExistingURLs(ctx context.Context, consumer string, urls []string) (map[string]struct{}, error)
	// InsertPending inserts records in one transaction, silently skipping keys that already exist.
	// It returns only the records this call created.
	InsertPending(ctx context.Context, records []Record) ([]Record, error)
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, key Key) (Record, error)
	// BeginProcessing moves a pending record to processing. It returns ErrNotFound when the record
	// is absent and ErrNotPending when it is in any other state.
	BeginProcessing(ctx context.Context, key Key) (Record, error)
	// Complete moves a processing record to completed, marking it embedded.
	Complete(ctx context.Context, key Key, outcome Outcome) error
	// Fail moves a processing record to failed with the given detail.
	Fail(ctx context.Context, key Key, detail string) error
	// ResetToPending returns a record stuck in processing to pending.
	ResetToPending(ctx context.Context, key Key) error
	// FindAllPending lists the consumer's pending records, oldest first.
	FindAllPending(ctx context.Context, consumer string) ([]Record, error)
	// FindStaleProcessing lists records that entered processing more than olderThan ago.
	FindStaleProcessing(ctx context.Context, olderThan time.Duration) ([]Record, error)
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// Queue is the at-least-once transport between the dispatcher and the workers.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Delivery, error)
}

// Processor performs the opaque fetch/extract/embed step for one resource.
type Processor interface {
	Process(ctx context.Context, url string, kind Kind) (Outcome, error)
}

// Publisher emits lifecycle events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
