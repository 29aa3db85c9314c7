package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlens/benchlens/internal/cache"
	"github.com/benchlens/benchlens/internal/models"
)

func newArchiveServer(t *testing.T) (*httptest.Server, *ArchiveClient) {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"run_id":   "run-1",
			"patch_id": "patch-7",
			"samples": []models.MetricSample{
				{Suite: "unixbench", Case: "dhry2reg", Metric: "score", Kind: models.KindBenchmark, Value: 900},
			},
		})
	})
	mux.HandleFunc("POST /api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExcludeRun string   `json:"exclude_run"`
			Window     int      `json:"window"`
			Keys       []string `json:"keys"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "run-1", req.ExcludeRun)
		assert.Equal(t, 20, req.Window)
		assert.Equal(t, []string{"unixbench::dhry2reg::score"}, req.Keys)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"windows": []models.HistoryWindow{
				{Key: "unixbench::dhry2reg::score", Values: []float64{1000, 1001, 999}},
			},
		})
	})
	mux.HandleFunc("GET /api/v1/patches/patch-7/runs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"run_ids": []string{"run-1", "run-0"}})
	})
	mux.HandleFunc("GET /api/v1/runs/missing-analysis", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{"run_ids": []string{"run-5"}})
	})
	mux.HandleFunc("POST /api/v1/runs/run-1/analysis", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Summary   models.AnalysisSummary `json:"summary"`
			Anomalies []models.AnomalyResult `json:"anomalies"`
			Force     bool                   `json:"force"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "run-1", req.Summary.RunID)
		assert.True(t, req.Force)
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, NewArchiveClient(server.URL, 20, 5*time.Second)
}

func TestFetchRunData(t *testing.T) {
	_, client := newArchiveServer(t)

	data, err := client.FetchRunData(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", data.RunID)
	assert.Equal(t, "patch-7", data.PatchID)
	require.Len(t, data.Samples, 1)

	window := data.HistoryFor(data.Samples[0])
	assert.Equal(t, []float64{1000, 1001, 999}, window.Values)
}

func TestFetchRunDataUnknownRun(t *testing.T) {
	_, client := newArchiveServer(t)
	_, err := client.FetchRunData(context.Background(), "run-404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive has no record")
}

func TestFetchRunDataEmptySamples(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"run_id": "run-2", "samples": []models.MetricSample{}})
	}))
	defer server.Close()

	client := NewArchiveClient(server.URL, 20, 5*time.Second)
	_, err := client.FetchRunData(context.Background(), "run-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no samples")
}

func TestListRunsForPatch(t *testing.T) {
	_, client := newArchiveServer(t)
	runIDs, err := client.ListRunsForPatch(context.Background(), "patch-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-0"}, runIDs)
}

func TestListRunsMissingAnalysis(t *testing.T) {
	_, client := newArchiveServer(t)
	runIDs, err := client.ListRunsMissingAnalysis(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-5"}, runIDs)
}

func TestSaveAnalysis(t *testing.T) {
	_, client := newArchiveServer(t)
	err := client.SaveAnalysis(context.Background(), "run-1",
		models.AnalysisSummary{RunID: "run-1"}, nil, true)
	assert.NoError(t, err)
}

func TestFetchRunDataHistoryCache(t *testing.T) {
	runCalls := 0
	historyCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		runCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"run_id": "run-1",
			"samples": []models.MetricSample{
				{Suite: "unixbench", Case: "dhry2reg", Metric: "score", Kind: models.KindBenchmark, Value: 900},
			},
		})
	})
	mux.HandleFunc("POST /api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		historyCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"windows": []models.HistoryWindow{
				{Key: "unixbench::dhry2reg::score", Values: []float64{1000, 1001}},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewArchiveClient(server.URL, 20, 5*time.Second)
	client.UseCache(cache.NewMemoryProvider(), time.Minute)

	for i := 0; i < 2; i++ {
		data, err := client.FetchRunData(context.Background(), "run-1")
		require.NoError(t, err)
		assert.Len(t, data.Histories, 1)
	}
	assert.Equal(t, 2, runCalls)
	assert.Equal(t, 1, historyCalls)
}

func TestArchiveClientUnconfigured(t *testing.T) {
	client := NewArchiveClient("", 0, 0)
	_, err := client.FetchRunData(context.Background(), "run-1")
	assert.Error(t, err)
	_, err = client.ListRunsForPatch(context.Background(), "patch-1")
	assert.Error(t, err)
	_, err = client.ListRunsMissingAnalysis(context.Background(), 5)
	assert.Error(t, err)
	assert.Error(t, client.SaveAnalysis(context.Background(), "run-1", models.AnalysisSummary{}, nil, false))
}
