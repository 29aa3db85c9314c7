package stats

import (
	"math"
	"sort"

	"github.com/benchlens/benchlens/internal/models"
)

// madScale converts a MAD-normalised deviation into a standard-normal
// equivalent z-score.
const madScale = 0.6745

// maxRobustZ caps the degenerate-history deviation so a constant baseline
// with a differing current value reads as maximal, not infinite.
const maxRobustZ = 100.0

// BaselineEngine computes robust statistics for a current sample against a
// bounded history window. It is stateless and safe for concurrent use.
type BaselineEngine struct {
	// MinSamples is the history size below which statistics are marked
	// low-confidence.
	MinSamples int
}

// NewBaselineEngine creates an engine with the given confidence floor.
func NewBaselineEngine(minSamples int) *BaselineEngine {
	if minSamples < 2 {
		minSamples = 2
	}
	return &BaselineEngine{MinSamples: minSamples}
}

// Compute derives BaselineStats for current against window. The current value
// is excluded from the window; callers pass history only.
func (e *BaselineEngine) Compute(window models.HistoryWindow, current float64) models.BaselineStats {
	values := window.Values
	out := models.BaselineStats{HistoryN: len(values)}
	if len(values) < e.MinSamples {
		out.LowConfidence = true
	}
	if len(values) == 0 {
		return out
	}

	med := Median(values)
	mu := Mean(values)
	mad := MedianAbsoluteDeviation(values, med)
	out.Median = ptr(med)
	out.Mean = ptr(mu)
	out.MAD = ptr(mad)

	out.RobustZ = ptr(robustZ(current, med, mad))
	if med != 0 {
		out.PctChangeMedian = ptr((current - med) / med)
	}
	if mu != 0 {
		out.PctChangeMean = ptr((current - mu) / mu)
	}
	return out
}

// robustZ is the MAD-normalised deviation. A zero MAD means a constant
// history: an equal current value is zero deviation, anything else is capped
// maximal deviation in the direction of the change.
func robustZ(current, median, mad float64) float64 {
	if mad > 0 {
		return madScale * (current - median) / mad
	}
	if current == median {
		return 0
	}
	if current > median {
		return maxRobustZ
	}
	return -maxRobustZ
}

// Median returns the middle value of the inputs. Inputs are not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Mean returns the arithmetic mean of the inputs.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// MedianAbsoluteDeviation returns the median of absolute deviations from med.
func MedianAbsoluteDeviation(values []float64, med float64) float64 {
	if len(values) == 0 {
		return 0
	}
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	return Median(deviations)
}

func ptr(v float64) *float64 { return &v }
