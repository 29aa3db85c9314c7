package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/benchlens/benchlens/internal/jobs"
	"github.com/benchlens/benchlens/internal/models"
	"github.com/benchlens/benchlens/internal/stats"
)

// Orchestrator is the job surface the API exposes.
type Orchestrator interface {
	Submit(ctx context.Context, req models.AnalyzeRequest) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	Cancel(ctx context.Context, id string) (*models.Job, error)
}

// DriftLister serves the synchronous top-drifts view.
type DriftLister interface {
	TopDrifts(ctx context.Context, runID string, limit int) ([]stats.Drift, error)
}

// API holds the HTTP handlers for the analysis engine.
type API struct {
	orchestrator Orchestrator
	drifts       DriftLister
	logger       *slog.Logger
}

// NewAPI wires the handler set.
func NewAPI(orchestrator Orchestrator, drifts DriftLister, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{orchestrator: orchestrator, drifts: drifts, logger: logger}
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("POST /api/v1/analyze/run", a.handleAnalyzeRun)
	mux.HandleFunc("POST /api/v1/analyze/missing", a.handleAnalyzeMissing)
	mux.HandleFunc("GET /api/v1/jobs/{id}", a.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", a.handleCancelJob)
	mux.HandleFunc("GET /api/v1/runs/{id}/drifts", a.handleTopDrifts)
	return mux
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAnalyzeRun accepts a request targeting one run or one patch and
// answers with a pollable job id.
func (a *API) handleAnalyzeRun(w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.RunID) == "" && strings.TrimSpace(req.PatchID) == "" {
		writeError(w, http.StatusBadRequest, "run_id or patch_id is required")
		return
	}
	if req.Mode != "" && !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be auto, model or heuristic")
		return
	}
	a.submit(w, r, req)
}

// handleAnalyzeMissing queues a scan over archived runs with no verdicts yet.
func (a *API) handleAnalyzeMissing(w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RunID != "" || req.PatchID != "" {
		writeError(w, http.StatusBadRequest, "missing-analysis scan takes no run_id or patch_id")
		return
	}
	if req.Mode != "" && !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be auto, model or heuristic")
		return
	}
	a.submit(w, r, req)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, req models.AnalyzeRequest) {
	job, err := a.orchestrator.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "job queue full, retry later")
			return
		}
		a.logger.Error("job submission failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to queue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// handleGetJob returns the job snapshot. Expired and unknown jobs are both
// plain 404s.
func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	job, err := a.orchestrator.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		a.logger.Error("job lookup failed", slog.String("job_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob flags a job for cancellation. The worker stops at the next
// run boundary, so the caller polls the job until it reports cancelled.
func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	job, err := a.orchestrator.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, job)
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrJobDone):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		a.logger.Error("job cancel failed", slog.String("job_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "job cancel failed")
	}
}

// handleTopDrifts lists the largest benchmark movements in a run without
// waiting for a full analysis job.
func (a *API) handleTopDrifts(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	drifts, err := a.drifts.TopDrifts(r.Context(), id, limit)
	if err != nil {
		a.logger.Error("drift listing failed", slog.String("run_id", id), slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "failed to load run from archive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": id,
		"drifts": drifts,
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "json encode failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func decodeJSONBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}
