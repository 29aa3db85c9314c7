package stats

import (
	"sort"

	"github.com/benchlens/benchlens/internal/models"
)

// Drift captures a metric whose latest value departed from its prior mean.
type Drift struct {
	Key       string  `json:"metric"`
	LastValue float64 `json:"last_value"`
	MeanPrev  float64 `json:"mean_prev"`
	PctChange float64 `json:"pct_change"`
}

// TopDrifts ranks metrics by absolute percent change of the current value
// against the mean of the history window, descending. Metrics with a zero
// reference or empty history are skipped. limit <= 0 means no bound.
func TopDrifts(data models.RunData, limit int) []Drift {
	drifts := make([]Drift, 0, len(data.Samples))
	for _, sample := range data.Samples {
		if sample.Kind != models.KindBenchmark {
			continue
		}
		window := data.HistoryFor(sample)
		if len(window.Values) == 0 {
			continue
		}
		prev := Mean(window.Values)
		if prev == 0 {
			continue
		}
		drifts = append(drifts, Drift{
			Key:       sample.Key(),
			LastValue: sample.Value,
			MeanPrev:  prev,
			PctChange: (sample.Value - prev) / prev,
		})
	}
	sort.Slice(drifts, func(i, j int) bool {
		return abs(drifts[i].PctChange) > abs(drifts[j].PctChange)
	})
	if limit > 0 && len(drifts) > limit {
		drifts = drifts[:limit]
	}
	return drifts
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
