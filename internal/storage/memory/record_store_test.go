package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRecordStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	store := NewRecordStore(clock)
	ctx := context.Background()
	rec := resource.NewPending("acme", "http://a.com/x.pdf", resource.KindDocument, clock.Now())

	created, err := store.InsertPending(ctx, []resource.Record{rec})
	require.NoError(t, err)
	require.Len(t, created, 1)

	again, err := store.InsertPending(ctx, []resource.Record{rec})
	require.NoError(t, err)
	require.Empty(t, again)
	require.Equal(t, 1, store.Len())

	existing, err := store.ExistingURLs(ctx, "acme", []string{rec.URL, "http://b.com"})
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{rec.URL: {}}, existing)

	other, err := store.ExistingURLs(ctx, "globex", []string{rec.URL})
	require.NoError(t, err)
	require.Empty(t, other)

	clock.Advance(time.Minute)
	started, err := store.BeginProcessing(ctx, rec.Key())
	require.NoError(t, err)
	require.Equal(t, resource.StatusProcessing, started.Status)
	require.Equal(t, clock.Now(), started.UpdatedAt)

	_, err = store.BeginProcessing(ctx, rec.Key())
	require.ErrorIs(t, err, resource.ErrNotPending)

	require.NoError(t, store.Complete(ctx, rec.Key(), resource.Outcome{ArtifactURI: "memory://a"}))
	final, err := store.Get(ctx, rec.Key())
	require.NoError(t, err)
	require.Equal(t, resource.StatusCompleted, final.Status)
	require.True(t, final.Embedded)
	require.Nil(t, final.ErrorDetail)
	require.Equal(t, "memory://a", *final.ArtifactURI)
	require.Equal(t, rec.SubmittedAt, final.SubmittedAt)

	require.ErrorIs(t, store.Fail(ctx, rec.Key(), "late"), resource.ErrNotPending)
}

func TestRecordStoreFailAndMissing(t *testing.T) {
	t.Parallel()

	store := NewRecordStore(nil)
	ctx := context.Background()
	key := resource.Key{URL: "http://a.com", Consumer: "acme"}

	_, err := store.BeginProcessing(ctx, key)
	require.ErrorIs(t, err, resource.ErrNotFound)
	_, err = store.Get(ctx, key)
	require.ErrorIs(t, err, resource.ErrNotFound)

	_, err = store.InsertPending(ctx, []resource.Record{
		resource.NewPending("acme", "http://a.com", resource.KindPage, time.Now()),
	})
	require.NoError(t, err)
	_, err = store.BeginProcessing(ctx, key)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, key, "fetch: 404"))

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, resource.StatusFailed, rec.Status)
	require.False(t, rec.Embedded)
	require.Equal(t, "fetch: 404", *rec.ErrorDetail)
}

func TestRecordStoreReconciliationQueries(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(5000, 0).UTC()}
	store := NewRecordStore(clock)
	ctx := context.Background()

	recs := []resource.Record{
		resource.NewPending("acme", "http://a.com/1", resource.KindPage, clock.Now()),
		resource.NewPending("acme", "http://a.com/2", resource.KindPage, clock.Now().Add(time.Second)),
		resource.NewPending("globex", "http://a.com/1", resource.KindPage, clock.Now()),
	}
	_, err := store.InsertPending(ctx, recs)
	require.NoError(t, err)

	_, err = store.BeginProcessing(ctx, recs[0].Key())
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = store.BeginProcessing(ctx, recs[2].Key())
	require.NoError(t, err)

	pending, err := store.FindAllPending(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "http://a.com/2", pending[0].URL)

	stale, err := store.FindStaleProcessing(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, recs[0].Key(), stale[0].Key())

	require.NoError(t, store.ResetToPending(ctx, recs[0].Key()))
	require.ErrorIs(t, store.ResetToPending(ctx, recs[1].Key()), resource.ErrNotPending)
	pending, err = store.FindAllPending(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestRecordStoreCanceledContext(t *testing.T) {
	t.Parallel()

	store := NewRecordStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.InsertPending(ctx, []resource.Record{
		resource.NewPending("acme", "http://a.com", resource.KindPage, time.Now()),
	})
	require.ErrorIs(t, err, resource.ErrStoreUnavailable)
	require.Zero(t, store.Len())
}
