package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlens/benchlens/internal/models"
)

func driftRun() models.RunData {
	samples := []models.MetricSample{
		{Suite: "unixbench", Case: "dhry2reg", Metric: "score", Kind: models.KindBenchmark, Value: 90},
		{Suite: "unixbench", Case: "pipe", Metric: "score", Kind: models.KindBenchmark, Value: 150},
		{Suite: "ltp", Case: "mmap001", Metric: "status", Kind: models.KindTestCase, Value: 0, Status: models.TestFail},
		{Suite: "unixbench", Case: "shell8", Metric: "score", Kind: models.KindBenchmark, Value: 100},
	}
	histories := map[string]models.HistoryWindow{
		"unixbench::dhry2reg::score": {Key: "unixbench::dhry2reg::score", Values: []float64{100, 100, 100}},
		"unixbench::pipe::score":     {Key: "unixbench::pipe::score", Values: []float64{100, 100, 100}},
		"unixbench::shell8::score":   {Key: "unixbench::shell8::score", Values: []float64{100, 100, 100}},
	}
	return models.RunData{RunID: "run-1", Samples: samples, Histories: histories}
}

func TestTopDriftsOrdering(t *testing.T) {
	drifts := TopDrifts(driftRun(), 0)

	require.Len(t, drifts, 3)
	assert.Equal(t, "unixbench::pipe::score", drifts[0].Key)
	assert.InDelta(t, 0.5, drifts[0].PctChange, 1e-9)
	assert.Equal(t, "unixbench::dhry2reg::score", drifts[1].Key)
	assert.InDelta(t, -0.1, drifts[1].PctChange, 1e-9)
	assert.Equal(t, "unixbench::shell8::score", drifts[2].Key)
	assert.Zero(t, drifts[2].PctChange)
}

func TestTopDriftsLimit(t *testing.T) {
	drifts := TopDrifts(driftRun(), 1)
	require.Len(t, drifts, 1)
	assert.Equal(t, "unixbench::pipe::score", drifts[0].Key)
}

func TestTopDriftsSkipsTestCasesAndEmptyHistory(t *testing.T) {
	data := models.RunData{
		Samples: []models.MetricSample{
			{Suite: "ltp", Case: "mmap001", Metric: "status", Kind: models.KindTestCase, Value: 1},
			{Suite: "unixbench", Case: "new-case", Metric: "score", Kind: models.KindBenchmark, Value: 10},
		},
		Histories: map[string]models.HistoryWindow{},
	}
	assert.Empty(t, TopDrifts(data, 0))
}
