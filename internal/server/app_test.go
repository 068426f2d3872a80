package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/config"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
	"github.com/JakeFAU/ingestion-pipeline/internal/worker"
)

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080, ShutdownTimeout: time.Second},
		Intake:    config.IntakeConfig{RequestTimeout: 5 * time.Second, DispatchTimeout: time.Second},
		Worker:    config.WorkerConfig{Concurrency: 2, TaskTimeout: 5 * time.Second, MaxAttempts: 3, EmbedDimensions: 32},
		Transport: config.TransportConfig{Kind: config.TransportMemory, QueueDepth: 16},
		Fetch:     config.FetchConfig{UserAgent: "ingest-test", Timeout: 5 * time.Second},
		Reconcile: config.ReconcileConfig{StaleAfter: 15 * time.Minute},
	}
}

func submit(t *testing.T, h http.Handler, consumer string, pages ...string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"bot_name": {consumer}, "blog_links": {strings.Join(pages, "\n")}}
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildMemoryServesHealth(t *testing.T) {
	app, err := Build(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEndToEndPageIsProcessed(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head><title>Rates</title></head><body><p>Prices rose again.</p></body></html>"))
	}))
	defer site.Close()

	app, err := Build(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.dispatch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = app.Close(context.Background())
	})

	pageURL := site.URL + "/post"
	rec := submit(t, app.Handler(), "alpha", pageURL)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"created_count":1`)

	key := resource.Key{URL: pageURL, Consumer: "alpha"}
	require.Eventually(t, func() bool {
		got, err := app.store.Get(context.Background(), key)
		return err == nil && got.Status == resource.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	got, err := app.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, got.Embedded)
	require.NotNil(t, got.ArtifactURI)
	require.True(t, strings.HasPrefix(*got.ArtifactURI, "memory://pages/"))

	require.Nil(t, app.events)

	// A repeat submission is a duplicate and schedules nothing.
	rec = submit(t, app.Handler(), "alpha", pageURL)
	require.Contains(t, rec.Body.String(), `"status":"warning"`)
}

func TestEndToEndFetchFailureMarksFailed(t *testing.T) {
	site := httptest.NewServer(http.NotFoundHandler())
	defer site.Close()

	app, err := Build(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.dispatch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = app.Close(context.Background())
	})

	pageURL := site.URL + "/gone"
	require.Equal(t, http.StatusOK, submit(t, app.Handler(), "alpha", pageURL).Code)

	key := resource.Key{URL: pageURL, Consumer: "alpha"}
	require.Eventually(t, func() bool {
		got, err := app.store.Get(context.Background(), key)
		return err == nil && got.Status == resource.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	got, err := app.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.False(t, got.Embedded)
	require.NotNil(t, got.ErrorDetail)
}

func TestEventsStayInMemoryWithoutPubSubProject(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><p>Wages held steady.</p></body></html>"))
	}))
	defer site.Close()

	cfg := testConfig()
	cfg.PubSub.EventsTopic = "resource-events"
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, app.events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.dispatch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = app.Close(context.Background())
	})

	require.Equal(t, http.StatusOK, submit(t, app.Handler(), "alpha", site.URL+"/wages").Code)
	require.Eventually(t, func() bool {
		return len(app.events.Messages()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	msg := app.events.Messages()[0]
	require.Equal(t, "resource-events", msg.Topic)
	event, ok := msg.Payload.(worker.Event)
	require.True(t, ok)
	require.Equal(t, resource.StatusCompleted, event.Status)
	require.Equal(t, site.URL+"/wages", event.URL)
}

func TestWorkRejectsMemoryTransport(t *testing.T) {
	app, err := Build(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.ErrorContains(t, app.Work(context.Background()), "process-local")
}

func TestBuildWithRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Transport.Kind = config.TransportRedis
	cfg.Redis = config.RedisConfig{Addr: mr.Addr(), Key: "ingest:test", Block: time.Second}

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	require.NotNil(t, app.redisQueue)

	rec := submit(t, app.Handler(), "alpha", "https://example.com/a", "https://example.com/b")
	require.Equal(t, http.StatusOK, rec.Code)

	waiting, inFlight, err := app.redisQueue.Depth(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), waiting)
	require.Zero(t, inFlight)

	res, err := app.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Stale)

	n, err := app.Redispatch(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestBuildFailsWhenRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Transport.Kind = config.TransportRedis
	cfg.Redis = config.RedisConfig{Addr: addr}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = Build(ctx, cfg, zap.NewNop())
	require.ErrorContains(t, err, "redis ping failed")
}
