package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/id/uuid"
	"github.com/JakeFAU/ingestion-pipeline/internal/intake"
	"github.com/JakeFAU/ingestion-pipeline/internal/metrics"
	"github.com/JakeFAU/ingestion-pipeline/internal/reconcile"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// Submitter accepts intake batches.
type Submitter interface {
	SubmitBatch(ctx context.Context, consumer, documentsRaw, pagesRaw string) (intake.Result, error)
	SubmitLists(ctx context.Context, consumer string, documents, pages []string) (intake.Result, error)
}

// RecordReader is the read side of the record store the operator routes need.
type RecordReader interface {
	FindAllPending(ctx context.Context, consumer string) ([]resource.Record, error)
	FindStaleProcessing(ctx context.Context, olderThan time.Duration) ([]resource.Record, error)
	Ping(ctx context.Context) error
}

// Redispatcher re-enqueues a consumer's pending records.
type Redispatcher interface {
	Redispatch(ctx context.Context, consumer string) (int, error)
}

// Reconciler runs one reconciliation sweep on demand.
type Reconciler interface {
	Sweep(ctx context.Context) (reconcile.Result, error)
	StaleAfter() time.Duration
}

// Deps groups the collaborators a Server needs. Redispatcher and Reconciler are optional;
// their routes answer 503 when absent.
type Deps struct {
	Intake       Submitter
	Store        RecordReader
	Redispatcher Redispatcher
	Reconciler   Reconciler
	Logger       *zap.Logger
	// RequestTimeout bounds every request. Zero uses 60s.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the intake coordinator and the record store.
type Server struct {
	router       chi.Router
	intake       Submitter
	store        RecordReader
	redispatcher Redispatcher
	reconciler   Reconciler
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Server{
		intake:       deps.Intake,
		store:        deps.Store,
		redispatcher: deps.Redispatcher,
		reconciler:   deps.Reconciler,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/upload", s.upload)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/submissions", s.submit)
		r.Route("/consumers/{consumer}", func(r chi.Router) {
			r.Get("/pending", s.listPending)
			r.Post("/redispatch", s.redispatch)
		})
		r.Get("/resources/stale", s.listStale)
		r.Post("/reconcile", s.reconcile)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the server middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
