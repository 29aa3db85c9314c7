package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlens/benchlens/internal/classify"
	"github.com/benchlens/benchlens/internal/engine"
	"github.com/benchlens/benchlens/internal/models"
	"github.com/benchlens/benchlens/internal/stats"
	"github.com/benchlens/benchlens/internal/utils"
)

// stubArchive serves canned run data and records saved analyses.
type stubArchive struct {
	data     models.RunData
	fetchErr error
	saveErr  error

	savedRunID    string
	savedSummary  models.AnalysisSummary
	savedResults  []models.AnomalyResult
	savedForce    bool
	patchRuns     []string
	missingRuns   []string
	missingGotLim int
}

func (s *stubArchive) FetchRunData(context.Context, string) (models.RunData, error) {
	return s.data, s.fetchErr
}

func (s *stubArchive) ListRunsForPatch(context.Context, string) ([]string, error) {
	return s.patchRuns, nil
}

func (s *stubArchive) ListRunsMissingAnalysis(_ context.Context, limit int) ([]string, error) {
	s.missingGotLim = limit
	return s.missingRuns, nil
}

func (s *stubArchive) SaveAnalysis(_ context.Context, runID string, summary models.AnalysisSummary, anomalies []models.AnomalyResult, force bool) error {
	s.savedRunID = runID
	s.savedSummary = summary
	s.savedResults = anomalies
	s.savedForce = force
	return s.saveErr
}

func anomalousRun() models.RunData {
	sample := models.MetricSample{
		Suite:  "unixbench",
		Case:   "dhry2reg",
		Metric: "score",
		Kind:   models.KindBenchmark,
		Value:  45,
	}
	history := make([]float64, 12)
	for i := range history {
		history[i] = 100
	}
	return models.RunData{
		RunID:   "run-1",
		PatchID: "patch-3",
		Samples: []models.MetricSample{sample},
		Histories: map[string]models.HistoryWindow{
			sample.Key(): {Key: sample.Key(), Values: history},
		},
	}
}

func newTestService(archive Archive) *AnalysisService {
	classifier := classify.NewClassifier(stats.NewBaselineEngine(10), classify.DefaultThresholds(), nil)
	selector := engine.NewSelector(nil, engine.NewHeuristicEngine(nil, nil), nil)
	batcher := engine.NewBatcher(selector, nil, engine.BatchConfig{}, nil)
	return NewAnalysisService(nil, archive, classifier, batcher)
}

func TestAnalyzeRunEndToEnd(t *testing.T) {
	archive := &stubArchive{data: anomalousRun()}
	svc := newTestService(archive)

	summary, results, err := svc.AnalyzeRun(context.Background(), "run-1", models.AnalyzeRequest{Mode: models.ModeHeuristic, Force: true})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 1, summary.TotalAnomalies)
	assert.Equal(t, 1, summary.SeverityCounts[models.SeverityHigh])
	assert.Equal(t, "heuristic", summary.Engine.Name)
	assert.False(t, summary.PartialDegraded)

	// The verdict was published back to the archive.
	assert.Equal(t, "run-1", archive.savedRunID)
	assert.True(t, archive.savedForce)
	assert.Equal(t, 1, archive.savedSummary.TotalAnomalies)
	require.Len(t, archive.savedResults, 1)
	assert.Equal(t, "dhry2reg", archive.savedResults[0].Case)
}

func TestAnalyzeRunCleanRun(t *testing.T) {
	data := anomalousRun()
	data.Samples[0].Value = 100

	archive := &stubArchive{data: data}
	summary, results, err := newTestService(archive).AnalyzeRun(context.Background(), "run-1", models.AnalyzeRequest{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, summary.TotalAnomalies)
}

func TestAnalyzeRunFetchFailure(t *testing.T) {
	archive := &stubArchive{fetchErr: fmt.Errorf("connection refused")}
	_, _, err := newTestService(archive).AnalyzeRun(context.Background(), "run-1", models.AnalyzeRequest{})
	require.Error(t, err)

	var appErr *utils.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "analyze_run", appErr.Op)
}

func TestAnalyzeRunInvalidMode(t *testing.T) {
	archive := &stubArchive{data: anomalousRun()}
	_, _, err := newTestService(archive).AnalyzeRun(context.Background(), "run-1", models.AnalyzeRequest{Mode: "psychic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid engine mode")
}

func TestAnalyzeRunSurvivesSaveFailure(t *testing.T) {
	archive := &stubArchive{data: anomalousRun(), saveErr: fmt.Errorf("archive write refused")}
	summary, results, err := newTestService(archive).AnalyzeRun(context.Background(), "run-1", models.AnalyzeRequest{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, summary.TotalAnomalies)
}

func TestRunListingsProxyArchive(t *testing.T) {
	archive := &stubArchive{patchRuns: []string{"run-1", "run-2"}, missingRuns: []string{"run-9"}}
	svc := newTestService(archive)

	runs, err := svc.RunsForPatch(context.Background(), "patch-3")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2"}, runs)

	missing, err := svc.RunsMissingAnalysis(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-9"}, missing)
	assert.Equal(t, 5, archive.missingGotLim)
}

func TestTopDriftsFromArchive(t *testing.T) {
	archive := &stubArchive{data: anomalousRun()}
	drifts, err := newTestService(archive).TopDrifts(context.Background(), "run-1", 10)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.InDelta(t, -0.55, drifts[0].PctChange, 1e-9)
}
