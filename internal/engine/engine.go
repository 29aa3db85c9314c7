package engine

import (
	"context"

	"github.com/benchlens/benchlens/internal/models"
)

// Context carries per-request information an engine may use when producing
// verdicts. It does not influence candidate selection.
type Context struct {
	RunID   string
	PatchID string
	// Histories gives engines access to the raw windows behind each
	// candidate's statistics, keyed by suite::case::metric.
	Histories map[string]models.HistoryWindow
}

// Engine turns classified candidates into final verdicts. Implementations
// must return one AnomalyResult per candidate, in candidate order, each with
// a confidence in [0,1] and the implementation's own descriptor attached.
type Engine interface {
	Analyze(ctx context.Context, candidates []models.Candidate, rc Context) ([]models.AnomalyResult, error)
	Descriptor() models.EngineDescriptor
}
