package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benchlens/benchlens/internal/models"
)

// Selector routes a candidate batch to the requested engine and applies the
// degradation policy when the model path fails.
//
// Mode semantics:
//   - heuristic: rule engine only, never touches the endpoint.
//   - model: model engine required; failures fall back unless NoFallback.
//   - auto: model when configured, heuristic otherwise. A configured model
//     that fails degrades to the heuristic with results tagged accordingly.
type Selector struct {
	model     *ModelEngine
	heuristic *HeuristicEngine
	logger    *slog.Logger
}

// NewSelector wires the two engine variants. model may be nil when no
// endpoint is configured; heuristic must always be present.
func NewSelector(model *ModelEngine, heuristic *HeuristicEngine, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{model: model, heuristic: heuristic, logger: logger}
}

// ModelAvailable reports whether the model path can be selected at all.
func (s *Selector) ModelAvailable() bool {
	return s.model != nil && s.model.cfg.Enabled()
}

// Analyze runs one batch through the engine chosen by mode. The returned
// descriptor names the engine whose verdicts dominate the batch; when the
// model path degraded, both the descriptor and every result carry the
// degraded flag.
func (s *Selector) Analyze(ctx context.Context, mode models.EngineMode, noFallback bool, candidates []models.Candidate, rc Context) ([]models.AnomalyResult, models.EngineDescriptor, error) {
	if s.heuristic == nil {
		return nil, models.EngineDescriptor{}, ErrNoEngine
	}

	switch mode {
	case models.ModeHeuristic:
		results, err := s.heuristic.Analyze(ctx, candidates, rc)
		return results, s.heuristic.Descriptor(), err

	case models.ModeModel:
		if !s.ModelAvailable() {
			if noFallback {
				return nil, models.EngineDescriptor{}, &ConfigError{Reason: "model engine requested but not configured"}
			}
			return s.degrade(ctx, candidates, rc, errors.New("model engine not configured"))
		}
		results, err := s.model.Analyze(ctx, candidates, rc)
		if err == nil {
			return results, s.model.Descriptor(), nil
		}
		if noFallback {
			return nil, s.model.Descriptor(), fmt.Errorf("model engine failed without fallback: %w", err)
		}
		return s.degrade(ctx, candidates, rc, err)

	case models.ModeAuto, "":
		if !s.ModelAvailable() {
			// Deliberate selection, not a failure: nothing to degrade from.
			results, err := s.heuristic.Analyze(ctx, candidates, rc)
			return results, s.heuristic.Descriptor(), err
		}
		results, err := s.model.Analyze(ctx, candidates, rc)
		if err == nil {
			return results, s.model.Descriptor(), nil
		}
		if noFallback {
			return nil, s.model.Descriptor(), fmt.Errorf("model engine failed without fallback: %w", err)
		}
		return s.degrade(ctx, candidates, rc, err)

	default:
		return nil, models.EngineDescriptor{}, &ConfigError{Reason: "unknown engine mode " + string(mode)}
	}
}

// degrade produces heuristic verdicts for the whole batch after a model-path
// failure, tagging every result so consumers can see the downgrade.
func (s *Selector) degrade(ctx context.Context, candidates []models.Candidate, rc Context, cause error) ([]models.AnomalyResult, models.EngineDescriptor, error) {
	s.logger.Warn("model engine unavailable, degrading batch to heuristic",
		slog.String("run_id", rc.RunID),
		slog.Int("candidates", len(candidates)),
		slog.Any("error", cause))

	results, err := s.heuristic.Analyze(ctx, candidates, rc)
	if err != nil {
		return nil, models.EngineDescriptor{}, fmt.Errorf("heuristic fallback failed: %w", err)
	}
	desc := s.heuristic.Descriptor()
	desc.Degraded = true
	for i := range results {
		results[i].Engine.Degraded = true
	}
	return results, desc, nil
}
