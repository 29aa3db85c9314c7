package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels analyses that produced a verdict set.
	OutcomeSuccess = "success"
	// OutcomeError labels analyses that failed outright.
	OutcomeError = "error"
)

var (
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchlens",
			Name:      "analyses_total",
			Help:      "Total number of run analyses, partitioned by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "benchlens",
			Name:      "analysis_seconds",
			Help:      "Run analysis latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	degradedBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "benchlens",
			Name:      "degraded_batches_total",
			Help:      "Batches that fell back from the model engine to the heuristic.",
		},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchlens",
			Name:      "anomalies_total",
			Help:      "Anomalies reported, partitioned by severity.",
		},
		[]string{"severity"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "benchlens",
			Name:      "jobs_total",
			Help:      "Orchestration jobs reaching a terminal status.",
		},
		[]string{"status"},
	)
)

// Register attaches benchlens collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		analysesTotal,
		analysisDurationSeconds,
		degradedBatchesTotal,
		anomaliesTotal,
		jobsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnalysis records one run analysis with its duration, serving engine
// and outcome label.
func ObserveAnalysis(duration time.Duration, engine, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	if engine == "" {
		engine = "unknown"
	}
	analysesTotal.WithLabelValues(engine, label).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// MarkDegraded counts a batch that was answered by the fallback engine.
func MarkDegraded() {
	degradedBatchesTotal.Inc()
}

// MarkAnomaly counts one reported anomaly by severity.
func MarkAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// MarkJob counts a job reaching a terminal status.
func MarkJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}
