package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-pipeline/internal/dispatcher"
	"github.com/JakeFAU/ingestion-pipeline/internal/intake"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// Intake response statuses.
const (
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusError   = "error"
)

const storeFailureMessage = "Could not record the submission right now. Please try again later."

// IntakeResponse is the body returned by both intake routes.
type IntakeResponse struct {
	Status       string   `json:"status"`
	Message      string   `json:"message"`
	CreatedCount int      `json:"created_count"`
	SkippedURLs  []string `json:"skipped_urls"`
}

type submissionRequest struct {
	Consumer  string   `json:"consumer"`
	Documents []string `json:"documents"`
	Pages     []string `json:"pages"`
}

// upload accepts the legacy form post: bot_name, pdf_links, blog_links.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid form body"))
		return
	}
	consumer := r.FormValue("bot_name")
	res, err := s.intake.SubmitBatch(r.Context(), consumer, r.FormValue("pdf_links"), r.FormValue("blog_links"))
	s.writeIntake(w, r, consumer, res, err)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid JSON"))
		return
	}
	res, err := s.intake.SubmitLists(r.Context(), req.Consumer, req.Documents, req.Pages)
	s.writeIntake(w, r, req.Consumer, res, err)
}

func (s *Server) writeIntake(w http.ResponseWriter, r *http.Request, consumer string, res intake.Result, err error) {
	if err != nil {
		if resource.IsValidation(err) {
			writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		s.logger.Error("intake failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("consumer", consumer),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse(storeFailureMessage))
		return
	}
	writeJSON(w, http.StatusOK, intakeResponse(strings.TrimSpace(consumer), res))
}

func errorResponse(msg string) IntakeResponse {
	return IntakeResponse{Status: StatusError, Message: msg, SkippedURLs: []string{}}
}

// intakeResponse turns an intake result into the caller-facing summary.
// Anything short of every link being newly recorded and scheduled is a warning.
func intakeResponse(consumer string, res intake.Result) IntakeResponse {
	out := IntakeResponse{
		Status:       StatusSuccess,
		CreatedCount: res.CreatedCount,
		SkippedURLs:  res.SkippedURLs,
	}
	if out.SkippedURLs == nil {
		out.SkippedURLs = []string{}
	}

	var msg strings.Builder
	if res.CreatedCount == 0 {
		out.Status = StatusWarning
		fmt.Fprintf(&msg, "No new links were added for bot %s.", consumer)
	} else {
		fmt.Fprintf(&msg, "Successfully added %d new links for bot %s!", res.CreatedCount, consumer)
	}
	if n := len(res.SkippedURLs); n > 0 {
		fmt.Fprintf(&msg, " Skipped %d already submitted: %s", n, strings.Join(res.SkippedURLs, ", "))
	}
	if res.DispatchFailures != nil {
		out.Status = StatusWarning
		unscheduled := res.CreatedCount
		var dispatchErr *dispatcher.Error
		if errors.As(res.DispatchFailures, &dispatchErr) {
			unscheduled = len(dispatchErr.Failed)
		}
		fmt.Fprintf(&msg, " %d links are recorded but not yet scheduled; they will be retried.", unscheduled)
	}
	out.Message = msg.String()
	return out
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	consumer := chi.URLParam(r, "consumer")
	records, err := s.store.FindAllPending(r.Context(), consumer)
	if err != nil {
		s.logger.Error("list pending failed", zap.String("consumer", consumer), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pending records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consumer": consumer,
		"count":    len(records),
		"records":  orEmpty(records),
	})
}

func (s *Server) redispatch(w http.ResponseWriter, r *http.Request) {
	if s.redispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "redispatch not configured")
		return
	}
	consumer := chi.URLParam(r, "consumer")
	n, err := s.redispatcher.Redispatch(r.Context(), consumer)
	var dispatchErr *dispatcher.Error
	switch {
	case errors.As(err, &dispatchErr):
		s.logger.Warn("redispatch partially failed", zap.String("consumer", consumer), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{
			"dispatched": n,
			"failed":     len(dispatchErr.Failed),
		})
	case err != nil:
		s.logger.Error("redispatch failed", zap.String("consumer", consumer), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "redispatch failed")
	default:
		writeJSON(w, http.StatusOK, map[string]int{"dispatched": n})
	}
}

func (s *Server) listStale(w http.ResponseWriter, r *http.Request) {
	olderThan := 15 * time.Minute
	if s.reconciler != nil {
		olderThan = s.reconciler.StaleAfter()
	}
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
			return
		}
		olderThan = d
	}
	records, err := s.store.FindStaleProcessing(r.Context(), olderThan)
	if err != nil {
		s.logger.Error("list stale failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stale records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"older_than": olderThan.String(),
		"count":      len(records),
		"records":    orEmpty(records),
	})
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation not configured")
		return
	}
	res, err := s.reconciler.Sweep(r.Context())
	if err != nil {
		s.logger.Error("reconcile sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reconcile sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func orEmpty(records []resource.Record) []resource.Record {
	if records == nil {
		return []resource.Record{}
	}
	return records
}
