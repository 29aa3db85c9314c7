package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlens/benchlens/internal/models"
)

func benchCandidate(metric string, robustZ float64, historyN int) models.Candidate {
	pct := -0.4
	return models.Candidate{
		Sample: models.MetricSample{
			Suite:  "unixbench",
			Case:   "dhry2reg",
			Metric: metric,
			Kind:   models.KindBenchmark,
			Value:  60,
		},
		Stats: models.BaselineStats{
			HistoryN:        historyN,
			RobustZ:         &robustZ,
			PctChangeMedian: &pct,
		},
		Severity:  models.SeverityHigh,
		Direction: models.DirectionRegression,
	}
}

func failedCandidate(name string, prev models.TestStatus) models.Candidate {
	return models.Candidate{
		Sample: models.MetricSample{
			Suite:  "ltp",
			Case:   name,
			Metric: "status",
			Kind:   models.KindTestCase,
			Status: models.TestFail,
		},
		Severity:   models.SeverityHigh,
		Direction:  models.DirectionRegression,
		PrevStatus: prev,
	}
}

func TestHeuristicBenchmarkConfidence(t *testing.T) {
	eng := NewHeuristicEngine(nil, nil)

	results, err := eng.Analyze(context.Background(), []models.Candidate{
		benchCandidate("score", -10, 30),
	}, Context{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// base 0.6 plus 0.05*|z|/10 for z=-10.
	assert.InDelta(t, 0.65, results[0].Confidence, 1e-9)
	assert.Equal(t, "heuristic", results[0].Engine.Name)
	assert.False(t, results[0].Engine.Degraded)
	assert.NotEmpty(t, results[0].PrimaryReason)
	assert.NotEmpty(t, results[0].RootCauses)
}

func TestHeuristicConfidenceCeiling(t *testing.T) {
	eng := NewHeuristicEngine(nil, nil)
	results, err := eng.Analyze(context.Background(), []models.Candidate{
		benchCandidate("score", -100, 200),
	}, Context{})
	require.NoError(t, err)
	assert.InDelta(t, 0.95, results[0].Confidence, 1e-9)
}

func TestHeuristicLowConfidenceCap(t *testing.T) {
	cand := benchCandidate("score", -50, 3)
	cand.Stats.LowConfidence = true

	eng := NewHeuristicEngine(nil, nil)
	results, err := eng.Analyze(context.Background(), []models.Candidate{cand}, Context{})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, results[0].Confidence, 1e-9)
}

func TestHeuristicBoundedOutput(t *testing.T) {
	eng := NewHeuristicEngine(nil, nil)
	results, err := eng.Analyze(context.Background(), []models.Candidate{
		benchCandidate("score", -8, 50),
		failedCandidate("mmap001", models.TestPass),
	}, Context{})
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
		assert.LessOrEqual(t, len(r.SuggestedNextChecks), 5)
		assert.LessOrEqual(t, len(r.RootCauses), 3)
		for _, rc := range r.RootCauses {
			assert.GreaterOrEqual(t, rc.Likelihood, 0.0)
			assert.LessOrEqual(t, rc.Likelihood, 1.0)
		}
	}
}

func TestHeuristicTestCaseRegressionConfidence(t *testing.T) {
	eng := NewHeuristicEngine(nil, nil)

	results, err := eng.Analyze(context.Background(), []models.Candidate{
		failedCandidate("mmap001", models.TestPass),
		failedCandidate("mmap002", ""),
	}, Context{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.InDelta(t, 0.9, results[0].Confidence, 1e-9)
	assert.Contains(t, results[0].PrimaryReason, "regressed from PASS to FAIL")
	assert.InDelta(t, 0.7, results[1].Confidence, 1e-9)
}

func TestHeuristicBroadFailureCause(t *testing.T) {
	candidates := make([]models.Candidate, 0, 6)
	for i := 0; i < 6; i++ {
		candidates = append(candidates, failedCandidate(fmt.Sprintf("case%02d", i), ""))
	}

	eng := NewHeuristicEngine(nil, nil)
	results, err := eng.Analyze(context.Background(), candidates, Context{})
	require.NoError(t, err)
	require.Len(t, results, 6)

	found := false
	for _, rc := range results[0].RootCauses {
		if rc.Likelihood == 0.7 {
			assert.Contains(t, rc.Cause, "broad failure across 6 cases")
			found = true
		}
	}
	assert.True(t, found, "expected the broad-failure cause to be attached")
}

func TestHeuristicDeterministic(t *testing.T) {
	candidates := []models.Candidate{
		benchCandidate("score", -9, 40),
		failedCandidate("mmap001", models.TestPass),
	}
	eng := NewHeuristicEngine(nil, nil)

	first, err := eng.Analyze(context.Background(), candidates, Context{})
	require.NoError(t, err)
	second, err := eng.Analyze(context.Background(), candidates, Context{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
