package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
	"github.com/JakeFAU/ingestion-pipeline/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]resource.Record
	err     error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ string, created []resource.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, created)
	return d.err
}

func (d *fakeDispatcher) dispatched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.batches {
		n += len(b)
	}
	return n
}

// racingStore simulates a concurrent submission that records the first URL
// between the existence check and the insert.
type racingStore struct {
	*memory.RecordStore
	winner resource.Record
}

func (s *racingStore) ExistingURLs(ctx context.Context, _ string, _ []string) (map[string]struct{}, error) {
	if _, err := s.RecordStore.InsertPending(ctx, []resource.Record{s.winner}); err != nil {
		return nil, err
	}
	return map[string]struct{}{}, nil
}

type brokenStore struct {
	*memory.RecordStore
}

func (brokenStore) ExistingURLs(context.Context, string, []string) (map[string]struct{}, error) {
	return nil, resource.Unavailable("existing urls", errors.New("connection refused"))
}

func newCoordinator(store resource.Store, d Dispatcher) *Coordinator {
	clock := fixedClock{now: time.Unix(1700000000, 0).UTC()}
	return NewCoordinator(store, d, clock, Config{Timeout: time.Second}, nil)
}

func TestSubmitBatchCreatesFreshRecords(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	d := &fakeDispatcher{}
	c := newCoordinator(store, d)

	res, err := c.SubmitBatch(context.Background(), "acme",
		"https://a.com/x.pdf\nhttps://a.com/y.PDF",
		"https://a.com/blog, https://a.com/about")
	require.NoError(t, err)
	require.Equal(t, 4, res.CreatedCount)
	require.Empty(t, res.SkippedURLs)
	require.NotNil(t, res.SkippedURLs)
	require.NoError(t, res.DispatchFailures)
	require.Equal(t, 4, d.dispatched())

	rec, err := store.Get(context.Background(), resource.Key{URL: "https://a.com/x.pdf", Consumer: "acme"})
	require.NoError(t, err)
	require.Equal(t, resource.StatusPending, rec.Status)
	require.Equal(t, resource.KindDocument, rec.Kind)
	require.False(t, rec.Embedded)
}

func TestSubmitBatchIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	d := &fakeDispatcher{}
	c := newCoordinator(store, d)
	ctx := context.Background()

	first, err := c.SubmitBatch(ctx, "acme", "https://a.com/x.pdf", "https://a.com/blog")
	require.NoError(t, err)
	require.Equal(t, 2, first.CreatedCount)

	second, err := c.SubmitBatch(ctx, "acme", "https://a.com/x.pdf", "https://a.com/blog")
	require.NoError(t, err)
	require.Equal(t, 0, second.CreatedCount)
	require.ElementsMatch(t, []string{"https://a.com/x.pdf", "https://a.com/blog"}, second.SkippedURLs)
	require.Equal(t, 2, d.dispatched())
	require.Equal(t, 2, store.Len())
}

func TestSubmitBatchScopesByConsumer(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	c := newCoordinator(store, &fakeDispatcher{})
	ctx := context.Background()

	_, err := c.SubmitBatch(ctx, "acme", "", "https://a.com/blog")
	require.NoError(t, err)
	res, err := c.SubmitBatch(ctx, "globex", "", "https://a.com/blog")
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)
}

func TestSubmitBatchConcurrentSubmissionsCreateOnce(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	c := newCoordinator(store, &fakeDispatcher{})

	const submitters = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.SubmitBatch(context.Background(), "acme", "", "https://a.com/blog")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total += res.CreatedCount
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, total)
	require.Equal(t, 1, store.Len())
}

func TestSubmitBatchReclassifiesLostRace(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	store := &racingStore{
		RecordStore: memory.NewRecordStore(nil),
		winner:      resource.NewPending("acme", "https://a.com/x.pdf", resource.KindDocument, now),
	}
	d := &fakeDispatcher{}
	c := newCoordinator(store, d)

	res, err := c.SubmitBatch(context.Background(), "acme", "https://a.com/x.pdf", "https://a.com/blog")
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)
	require.Equal(t, []string{"https://a.com/x.pdf"}, res.SkippedURLs)
	require.Equal(t, 1, d.dispatched())
}

func TestSubmitBatchValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		consumer  string
		documents string
		pages     string
		wantURLs  []string
	}{
		{name: "missing consumer", consumer: " ", pages: "https://a.com"},
		{name: "empty lists", consumer: "acme", documents: " \n, ", pages: ""},
		{
			name:      "cross list duplicate",
			consumer:  "acme",
			documents: "https://a.com/x.pdf",
			pages:     "https://a.com/x.pdf",
			wantURLs:  []string{"https://a.com/x.pdf"},
		},
		{name: "malformed page", consumer: "acme", pages: "notaurl", wantURLs: []string{"notaurl"}},
		{
			name:      "document without pdf suffix",
			consumer:  "acme",
			documents: "https://a.com/x.html",
			wantURLs:  []string{"https://a.com/x.html"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := memory.NewRecordStore(nil)
			d := &fakeDispatcher{}
			c := newCoordinator(store, d)

			_, err := c.SubmitBatch(context.Background(), tt.consumer, tt.documents, tt.pages)
			require.Error(t, err)
			var verr *resource.ValidationError
			require.ErrorAs(t, err, &verr)
			if tt.wantURLs != nil {
				require.Equal(t, tt.wantURLs, verr.URLs)
			}
			require.Zero(t, store.Len())
			require.Zero(t, d.dispatched())
		})
	}
}

func TestSubmitBatchAcceptsPDFLinkAsPage(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	c := newCoordinator(store, &fakeDispatcher{})

	res, err := c.SubmitBatch(context.Background(), "acme", "", "https://a.com/x.pdf")
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)

	rec, err := store.Get(context.Background(), resource.Key{URL: "https://a.com/x.pdf", Consumer: "acme"})
	require.NoError(t, err)
	require.Equal(t, resource.KindPage, rec.Kind)
}

func TestSubmitBatchCollapsesRepeatsWithinList(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	c := newCoordinator(store, &fakeDispatcher{})

	res, err := c.SubmitBatch(context.Background(), "acme", "https://a.com/x.pdf,https://a.com/x.pdf", "")
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)
	require.Equal(t, 1, store.Len())
}

func TestSubmitListsTreatsEachElementAsOneURL(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	c := newCoordinator(store, &fakeDispatcher{})

	res, err := c.SubmitLists(context.Background(), "acme",
		[]string{" http://a.com/x.pdf?v=1,2 ", ""},
		[]string{"https://a.com/search?q=a,b"})
	require.NoError(t, err)
	require.Equal(t, 2, res.CreatedCount)

	got, err := store.Get(context.Background(), resource.Key{URL: "http://a.com/x.pdf?v=1,2", Consumer: "acme"})
	require.NoError(t, err)
	require.Equal(t, resource.KindDocument, got.Kind)
}

func TestSubmitListsRejectsEmptyLists(t *testing.T) {
	t.Parallel()

	c := newCoordinator(memory.NewRecordStore(nil), &fakeDispatcher{})
	_, err := c.SubmitLists(context.Background(), "acme", []string{"  "}, nil)
	require.True(t, resource.IsValidation(err))
}

func TestSubmitBatchDispatchFailureKeepsRecords(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore(nil)
	d := &fakeDispatcher{err: errors.New("queue down")}
	c := newCoordinator(store, d)

	res, err := c.SubmitBatch(context.Background(), "acme", "", "https://a.com/blog")
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)
	require.Error(t, res.DispatchFailures)

	pending, err := store.FindAllPending(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestSubmitBatchStoreFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	c := newCoordinator(brokenStore{RecordStore: memory.NewRecordStore(nil)}, d)

	_, err := c.SubmitBatch(context.Background(), "acme", "", "https://a.com/blog")
	require.Error(t, err)
	require.ErrorIs(t, err, resource.ErrStoreUnavailable)
	require.False(t, resource.IsValidation(err))
	require.Zero(t, d.dispatched())
}
