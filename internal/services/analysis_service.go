package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benchlens/benchlens/internal/classify"
	"github.com/benchlens/benchlens/internal/engine"
	"github.com/benchlens/benchlens/internal/metrics"
	"github.com/benchlens/benchlens/internal/models"
	"github.com/benchlens/benchlens/internal/stats"
	"github.com/benchlens/benchlens/internal/utils"
)

// Archive defines the results-archive operations the service depends on.
type Archive interface {
	FetchRunData(ctx context.Context, runID string) (models.RunData, error)
	ListRunsForPatch(ctx context.Context, patchID string) ([]string, error)
	ListRunsMissingAnalysis(ctx context.Context, limit int) ([]string, error)
	SaveAnalysis(ctx context.Context, runID string, summary models.AnalysisSummary, anomalies []models.AnomalyResult, force bool) error
}

// AnalysisService is the facade the orchestrator and API drive: it pulls run
// data from the archive, classifies candidates, routes them through the
// engine pipeline, and publishes the verdicts back.
type AnalysisService struct {
	logger     *slog.Logger
	archive    Archive
	classifier *classify.Classifier
	batcher    *engine.Batcher
	latencies  *utils.LatencyTracker
}

// NewAnalysisService constructs the service facade.
func NewAnalysisService(logger *slog.Logger, archive Archive, classifier *classify.Classifier, batcher *engine.Batcher) *AnalysisService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisService{
		logger:     logger,
		archive:    archive,
		classifier: classifier,
		batcher:    batcher,
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// AnalyzeRun performs the full pipeline for one run and stores the outcome
// in the archive. The returned anomalies are in classification order.
func (s *AnalysisService) AnalyzeRun(ctx context.Context, runID string, req models.AnalyzeRequest) (models.AnalysisSummary, []models.AnomalyResult, error) {
	if req.Mode != "" && !req.Mode.Valid() {
		return models.AnalysisSummary{}, nil, fmt.Errorf("invalid engine mode %q", req.Mode)
	}

	start := time.Now()
	data, err := s.archive.FetchRunData(ctx, runID)
	if err != nil {
		metrics.ObserveAnalysis(time.Since(start), "", metrics.OutcomeError)
		return models.AnalysisSummary{}, nil, utils.NewAppError("analyze_run", fmt.Sprintf("fetch run %s", runID), err)
	}

	candidates := s.classifier.Classify(data)
	rc := engine.Context{RunID: data.RunID, PatchID: data.PatchID, Histories: data.Histories}

	results, desc, err := s.batcher.Analyze(ctx, req.Mode, req.NoFallback, candidates, rc)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveAnalysis(duration, desc.Name, metrics.OutcomeError)
		s.logger.Error("run analysis failed", slog.String("run_id", runID), slog.Any("error", err))
		return models.AnalysisSummary{}, nil, err
	}

	s.latencies.Observe(duration)
	metrics.ObserveAnalysis(duration, desc.Name, metrics.OutcomeSuccess)
	degraded := false
	for _, result := range results {
		metrics.MarkAnomaly(string(result.Severity))
		if result.Engine.Degraded {
			degraded = true
		}
	}
	if degraded {
		metrics.MarkDegraded()
	}

	summary := models.Summarize(data.RunID, results, desc)
	if err := s.archive.SaveAnalysis(ctx, runID, summary, results, req.Force); err != nil {
		// The verdicts are still valid; losing the write only means the next
		// missing-analysis scan picks the run up again.
		s.logger.Warn("storing analysis failed", slog.String("run_id", runID), slog.Any("error", err))
	}

	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("analysis latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
	return summary, results, nil
}

// RunsForPatch lists the runs recorded for one patch.
func (s *AnalysisService) RunsForPatch(ctx context.Context, patchID string) ([]string, error) {
	return s.archive.ListRunsForPatch(ctx, patchID)
}

// RunsMissingAnalysis lists runs that have results but no verdicts yet.
func (s *AnalysisService) RunsMissingAnalysis(ctx context.Context, limit int) ([]string, error) {
	return s.archive.ListRunsMissingAnalysis(ctx, limit)
}

// TopDrifts returns the largest benchmark movements in a run regardless of
// whether they crossed anomaly thresholds.
func (s *AnalysisService) TopDrifts(ctx context.Context, runID string, limit int) ([]stats.Drift, error) {
	data, err := s.archive.FetchRunData(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", runID, err)
	}
	return stats.TopDrifts(data, limit), nil
}

// LatencyP95 returns the current p95 analysis latency.
func (s *AnalysisService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}
