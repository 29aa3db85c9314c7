package models

import (
	"fmt"
	"time"
)

// Severity grades how far an observation departs from its baseline.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Direction states whether a benchmark deviation hurts or helps.
// Benchmark scores are higher-is-better, so a negative deviation is a regression.
type Direction string

const (
	DirectionRegression  Direction = "regression"
	DirectionImprovement Direction = "improvement"
	DirectionNone        Direction = ""
)

// SampleKind distinguishes numeric benchmark metrics from binary test cases.
type SampleKind string

const (
	KindBenchmark SampleKind = "benchmark"
	KindTestCase  SampleKind = "test_case"
)

// TestStatus is the observed outcome of a pass/fail test case.
type TestStatus string

const (
	TestPass TestStatus = "PASS"
	TestFail TestStatus = "FAIL"
	TestSkip TestStatus = "SKIP"
)

// MetricSample is one observed value for a metric or test case within a run.
// Samples are produced by the external parser and treated as immutable here.
type MetricSample struct {
	Suite  string     `json:"suite"`
	Case   string     `json:"case"`
	Metric string     `json:"metric"`
	Kind   SampleKind `json:"kind"`
	Value  float64    `json:"value"`
	Status TestStatus `json:"status,omitempty"`
	Unit   string     `json:"unit,omitempty"`
	RunID  string     `json:"run_id"`
	Date   time.Time  `json:"date"`
}

// Key returns the suite::case::metric identifier used to join samples with history.
func (s MetricSample) Key() string {
	return fmt.Sprintf("%s::%s::%s", s.Suite, s.Case, s.Metric)
}

// HistoryWindow holds the most recent historical values for one metric,
// ordered by run date ascending.
type HistoryWindow struct {
	Key    string    `json:"key"`
	Values []float64 `json:"values"`
	// Statuses carries historical pass/fail outcomes for test-case samples,
	// aligned with Values ordering. Empty for benchmark metrics.
	Statuses []TestStatus `json:"statuses,omitempty"`
}

// Len reports the number of historical samples in the window.
func (w HistoryWindow) Len() int {
	if len(w.Statuses) > len(w.Values) {
		return len(w.Statuses)
	}
	return len(w.Values)
}

// BaselineStats are the robust statistics of a current sample against its window.
// Pointer fields are nil when undefined (empty history, zero reference), never
// silently zero.
type BaselineStats struct {
	HistoryN        int      `json:"history_n"`
	Mean            *float64 `json:"mean"`
	Median          *float64 `json:"median"`
	MAD             *float64 `json:"mad"`
	RobustZ         *float64 `json:"robust_z"`
	PctChangeMedian *float64 `json:"pct_change_vs_median"`
	PctChangeMean   *float64 `json:"pct_change_vs_mean"`
	LowConfidence   bool     `json:"low_confidence"`
}

// Candidate is a sample that crossed a threshold rule and deserves an engine verdict.
// Engines attach results alongside candidates; the candidate itself is never mutated.
type Candidate struct {
	Sample    MetricSample  `json:"sample"`
	Stats     BaselineStats `json:"stats"`
	Severity  Severity      `json:"severity"`
	Direction Direction     `json:"direction"`
	// PrevStatus is the most recent historical outcome for test cases, used to
	// recognise pass-to-fail transitions.
	PrevStatus TestStatus `json:"prev_status,omitempty"`
}

// Key returns the candidate's metric identifier.
func (c Candidate) Key() string { return c.Sample.Key() }

// RootCause is one hypothesised cause with its likelihood in [0,1].
type RootCause struct {
	Cause      string  `json:"cause"`
	Likelihood float64 `json:"likelihood"`
}

// AnomalyResult is the final engine verdict for one candidate.
// Confidence is always present and bounded to [0,1].
type AnomalyResult struct {
	Suite               string           `json:"suite"`
	Case                string           `json:"case"`
	Metric              string           `json:"metric"`
	CurrentValue        float64          `json:"current_value"`
	Unit                string           `json:"unit,omitempty"`
	Severity            Severity         `json:"severity"`
	Direction           Direction        `json:"direction,omitempty"`
	Confidence          float64          `json:"confidence"`
	PrimaryReason       string           `json:"primary_reason"`
	RootCauses          []RootCause      `json:"root_causes"`
	SuggestedNextChecks []string         `json:"suggested_next_checks"`
	SupportingEvidence  BaselineStats    `json:"supporting_evidence"`
	Engine              EngineDescriptor `json:"engine"`
}

// EngineDescriptor tags every verdict with the variant that actually produced it.
type EngineDescriptor struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Degraded bool   `json:"degraded"`
}

// AnalysisSummary aggregates a run's verdicts for consumers.
type AnalysisSummary struct {
	RunID          string           `json:"run_id"`
	TotalAnomalies int              `json:"total_anomalies"`
	SeverityCounts map[Severity]int `json:"severity_counts"`
	Engine         EngineDescriptor `json:"analysis_engine"`
	// PartialDegraded is true when some, but not all, batches fell back to the
	// heuristic engine.
	PartialDegraded bool      `json:"partial_degraded,omitempty"`
	AnalysisTime    time.Time `json:"analysis_time"`
}

// Summarize builds an AnalysisSummary from a verdict list.
func Summarize(runID string, results []AnomalyResult, engine EngineDescriptor) AnalysisSummary {
	counts := map[Severity]int{SeverityHigh: 0, SeverityMedium: 0, SeverityLow: 0}
	partial := false
	for _, r := range results {
		counts[r.Severity]++
		if r.Engine.Degraded != engine.Degraded {
			partial = true
		}
	}
	return AnalysisSummary{
		RunID:           runID,
		TotalAnomalies:  len(results),
		SeverityCounts:  counts,
		Engine:          engine,
		PartialDegraded: partial,
		AnalysisTime:    time.Now().UTC(),
	}
}
