package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlens/benchlens/internal/jobs"
	"github.com/benchlens/benchlens/internal/models"
	"github.com/benchlens/benchlens/internal/stats"
)

type stubOrchestrator struct {
	submitted []models.AnalyzeRequest
	submitErr error
	job       *models.Job
	getErr    error
	cancelled []string
	cancelErr error
}

func (s *stubOrchestrator) Submit(_ context.Context, req models.AnalyzeRequest) (*models.Job, error) {
	s.submitted = append(s.submitted, req)
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &models.Job{ID: "job-1", Status: models.JobPending}, nil
}

func (s *stubOrchestrator) Get(context.Context, string) (*models.Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.job, nil
}

func (s *stubOrchestrator) Cancel(_ context.Context, id string) (*models.Job, error) {
	s.cancelled = append(s.cancelled, id)
	if s.cancelErr != nil {
		return s.job, s.cancelErr
	}
	return &models.Job{ID: id, Status: models.JobRunning, CancelRequested: true}, nil
}

type stubDrifts struct {
	gotRunID string
	gotLimit int
	drifts   []stats.Drift
	err      error
}

func (s *stubDrifts) TopDrifts(_ context.Context, runID string, limit int) ([]stats.Drift, error) {
	s.gotRunID = runID
	s.gotLimit = limit
	return s.drifts, s.err
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	handler := NewAPI(&stubOrchestrator{}, &stubDrifts{}, nil).Handler()
	rec := doRequest(t, handler, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalyzeRunAccepted(t *testing.T) {
	orch := &stubOrchestrator{}
	handler := NewAPI(orch, &stubDrifts{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/analyze/run",
		map[string]any{"run_id": "run-1", "mode": "heuristic"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "pending", body["status"])
	require.Len(t, orch.submitted, 1)
	assert.Equal(t, "run-1", orch.submitted[0].RunID)
	assert.Equal(t, models.ModeHeuristic, orch.submitted[0].Mode)
}

func TestAnalyzeRunValidation(t *testing.T) {
	cases := []struct {
		name string
		body any
	}{
		{"no target", map[string]any{"mode": "auto"}},
		{"bad mode", map[string]any{"run_id": "run-1", "mode": "psychic"}},
		{"unknown field", map[string]any{"run_id": "run-1", "bogus": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orch := &stubOrchestrator{}
			handler := NewAPI(orch, &stubDrifts{}, nil).Handler()
			rec := doRequest(t, handler, http.MethodPost, "/api/v1/analyze/run", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, orch.submitted)
		})
	}
}

func TestAnalyzeRunQueueFull(t *testing.T) {
	orch := &stubOrchestrator{submitErr: jobs.ErrQueueFull}
	handler := NewAPI(orch, &stubDrifts{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/analyze/run", map[string]any{"run_id": "run-1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAnalyzeMissing(t *testing.T) {
	orch := &stubOrchestrator{}
	handler := NewAPI(orch, &stubDrifts{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/analyze/missing", map[string]any{"max_runs": 5})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, orch.submitted, 1)
	assert.Equal(t, 5, orch.submitted[0].MaxRuns)

	// A targeted request does not belong on the scan endpoint.
	rec = doRequest(t, handler, http.MethodPost, "/api/v1/analyze/missing", map[string]any{"run_id": "run-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	orch := &stubOrchestrator{job: &models.Job{ID: "job-1", Status: models.JobCompleted}}
	handler := NewAPI(orch, &stubDrifts{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "completed", body["status"])
}

func TestGetJobNotFound(t *testing.T) {
	orch := &stubOrchestrator{getErr: jobs.ErrNotFound}
	handler := NewAPI(orch, &stubDrifts{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job not found", decodeBody(t, rec)["error"])
}

func TestCancelJob(t *testing.T) {
	orch := &stubOrchestrator{}
	handler := NewAPI(orch, &stubDrifts{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/jobs/job-7/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "job-7", body["job_id"])
	assert.Equal(t, true, body["cancel_requested"])
	assert.Equal(t, []string{"job-7"}, orch.cancelled)
}

func TestCancelJobNotFound(t *testing.T) {
	orch := &stubOrchestrator{cancelErr: jobs.ErrNotFound}
	handler := NewAPI(orch, &stubDrifts{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/jobs/unknown/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job not found", decodeBody(t, rec)["error"])
}

func TestCancelJobAlreadyFinished(t *testing.T) {
	orch := &stubOrchestrator{
		job:       &models.Job{ID: "job-8", Status: models.JobCompleted},
		cancelErr: jobs.ErrJobDone,
	}
	handler := NewAPI(orch, &stubDrifts{}, nil).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/jobs/job-8/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "job already finished", decodeBody(t, rec)["error"])
}

func TestTopDrifts(t *testing.T) {
	drifts := &stubDrifts{drifts: []stats.Drift{
		{Key: "unixbench::pipe::score", LastValue: 150, MeanPrev: 100, PctChange: 0.5},
	}}
	handler := NewAPI(&stubOrchestrator{}, drifts, nil).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/runs/run-1/drifts?limit=3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", drifts.gotRunID)
	assert.Equal(t, 3, drifts.gotLimit)

	body := decodeBody(t, rec)
	assert.Equal(t, "run-1", body["run_id"])
}

func TestTopDriftsLimitBounds(t *testing.T) {
	drifts := &stubDrifts{}
	handler := NewAPI(&stubOrchestrator{}, drifts, nil).Handler()

	// Out-of-range limits fall back to the default.
	rec := doRequest(t, handler, http.MethodGet, "/api/v1/runs/run-1/drifts?limit=500", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, drifts.gotLimit)
}

func TestTopDriftsArchiveFailure(t *testing.T) {
	drifts := &stubDrifts{err: fmt.Errorf("connection refused")}
	handler := NewAPI(&stubOrchestrator{}, drifts, nil).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/runs/run-1/drifts", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
