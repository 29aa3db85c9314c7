package classify

import (
	"log/slog"
	"math"

	"github.com/benchlens/benchlens/internal/models"
	"github.com/benchlens/benchlens/internal/stats"
)

// Thresholds are the externally configured rule boundaries. Nothing in the
// classifier is hardcoded; operators retune sensitivity through config.
type Thresholds struct {
	// RobustZ is the candidate threshold on the absolute robust z-score.
	RobustZ float64 `yaml:"robustZ"`
	// PctChange is the candidate threshold on absolute percent change
	// against the history median or mean.
	PctChange float64 `yaml:"pctChange"`
	// MinHistory is the sample count below which benchmark metrics are never
	// flagged (insufficient evidence policy).
	MinHistory int `yaml:"minHistory"`
	// Tiers assigns provisional severity, evaluated in order. A candidate
	// matching no tier is graded low.
	Tiers []SeverityTier `yaml:"tiers"`
}

// SeverityTier grades a candidate when both bounds are met.
type SeverityTier struct {
	Severity     models.Severity `yaml:"severity"`
	MinRobustZ   float64         `yaml:"minRobustZ"`
	MinPctChange float64         `yaml:"minPctChange"`
}

// DefaultThresholds mirror the tuned production values: candidate bounds kept
// permissive, with AND-logic tiers grading the severe cases.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RobustZ:    4.0,
		PctChange:  0.25,
		MinHistory: 10,
		Tiers: []SeverityTier{
			{Severity: models.SeverityHigh, MinRobustZ: 8.0, MinPctChange: 0.50},
			{Severity: models.SeverityMedium, MinRobustZ: 6.0, MinPctChange: 0.35},
			{Severity: models.SeverityLow, MinRobustZ: 4.0, MinPctChange: 0.25},
		},
	}
}

// Classifier flags candidate anomalies from baseline statistics.
type Classifier struct {
	baseline   *stats.BaselineEngine
	thresholds Thresholds
	logger     *slog.Logger
}

// NewClassifier builds a classifier around a baseline engine. A nil logger
// falls back to slog.Default().
func NewClassifier(baseline *stats.BaselineEngine, thresholds Thresholds, logger *slog.Logger) *Classifier {
	if baseline == nil {
		baseline = stats.NewBaselineEngine(2)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if thresholds.RobustZ <= 0 {
		thresholds.RobustZ = DefaultThresholds().RobustZ
	}
	if thresholds.PctChange <= 0 {
		thresholds.PctChange = DefaultThresholds().PctChange
	}
	if len(thresholds.Tiers) == 0 {
		thresholds.Tiers = DefaultThresholds().Tiers
	}
	return &Classifier{baseline: baseline, thresholds: thresholds, logger: logger}
}

// Classify evaluates every sample in the run and returns the candidates that
// crossed a threshold rule, in sample order.
//
// A run whose test cases all pass produces no test-case candidates at all:
// there is no discoverable problem, and skipping the engine layer for such
// runs is a deliberate resource-saving rule.
func (c *Classifier) Classify(data models.RunData) []models.Candidate {
	allPass := true
	sawTestCase := false
	for _, sample := range data.Samples {
		if sample.Kind != models.KindTestCase {
			continue
		}
		sawTestCase = true
		if sample.Status == models.TestFail {
			allPass = false
			break
		}
	}

	candidates := make([]models.Candidate, 0)
	for _, sample := range data.Samples {
		window := data.HistoryFor(sample)
		switch sample.Kind {
		case models.KindTestCase:
			if sawTestCase && allPass {
				continue
			}
			if cand, ok := c.classifyTestCase(sample, window); ok {
				candidates = append(candidates, cand)
			}
		default:
			if cand, ok := c.classifyBenchmark(sample, window); ok {
				candidates = append(candidates, cand)
			}
		}
	}
	if len(candidates) > 0 {
		c.logger.Debug("classified candidates",
			slog.String("run_id", data.RunID),
			slog.Int("count", len(candidates)))
	}
	return candidates
}

// classifyTestCase flags pass-to-fail transitions unconditionally. The signal
// is binary, not statistical, so thresholds do not apply.
func (c *Classifier) classifyTestCase(sample models.MetricSample, window models.HistoryWindow) (models.Candidate, bool) {
	if sample.Status != models.TestFail {
		return models.Candidate{}, false
	}
	prev := models.TestStatus("")
	if n := len(window.Statuses); n > 0 {
		prev = window.Statuses[n-1]
	}
	return models.Candidate{
		Sample:     sample,
		Stats:      models.BaselineStats{HistoryN: window.Len(), LowConfidence: window.Len() < 2},
		Severity:   models.SeverityHigh,
		Direction:  models.DirectionRegression,
		PrevStatus: prev,
	}, true
}

func (c *Classifier) classifyBenchmark(sample models.MetricSample, window models.HistoryWindow) (models.Candidate, bool) {
	if len(window.Values) < c.thresholds.MinHistory {
		return models.Candidate{}, false
	}
	st := c.baseline.Compute(window, sample.Value)

	flagged := false
	if st.RobustZ != nil && math.Abs(*st.RobustZ) >= c.thresholds.RobustZ {
		flagged = true
	}
	if st.PctChangeMedian != nil && math.Abs(*st.PctChangeMedian) >= c.thresholds.PctChange {
		flagged = true
	}
	if st.PctChangeMean != nil && math.Abs(*st.PctChangeMean) >= c.thresholds.PctChange {
		flagged = true
	}
	if !flagged {
		return models.Candidate{}, false
	}

	severity := c.grade(st)
	if st.LowConfidence && severity == models.SeverityHigh {
		severity = models.SeverityMedium
	}

	direction := models.DirectionImprovement
	if st.RobustZ != nil && *st.RobustZ < 0 {
		direction = models.DirectionRegression
	} else if st.RobustZ == nil && st.PctChangeMedian != nil && *st.PctChangeMedian < 0 {
		direction = models.DirectionRegression
	}

	return models.Candidate{
		Sample:    sample,
		Stats:     st,
		Severity:  severity,
		Direction: direction,
	}, true
}

// grade walks the configured tiers and returns the first match; both the z
// and percent bounds must hold.
func (c *Classifier) grade(st models.BaselineStats) models.Severity {
	absZ := 0.0
	if st.RobustZ != nil {
		absZ = math.Abs(*st.RobustZ)
	}
	absPct := 0.0
	if st.PctChangeMedian != nil {
		absPct = math.Abs(*st.PctChangeMedian)
	}
	for _, tier := range c.thresholds.Tiers {
		if absZ >= tier.MinRobustZ && absPct >= tier.MinPctChange {
			return tier.Severity
		}
	}
	return models.SeverityLow
}
