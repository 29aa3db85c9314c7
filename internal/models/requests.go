package models

// EngineMode selects which analysis engine variant a request may use.
type EngineMode string

const (
	// ModeAuto tries the model engine first and falls back to heuristics.
	ModeAuto EngineMode = "auto"
	// ModeModel pins to the language-model engine only.
	ModeModel EngineMode = "model"
	// ModeHeuristic pins to the deterministic rule engine.
	ModeHeuristic EngineMode = "heuristic"
)

// Valid reports whether the mode is one of the known variants.
func (m EngineMode) Valid() bool {
	switch m {
	case ModeAuto, ModeModel, ModeHeuristic:
		return true
	}
	return false
}

// AnalyzeRequest asks for analysis of one run, one patch, or all runs that
// still lack a verdict.
type AnalyzeRequest struct {
	RunID   string     `json:"run_id,omitempty"`
	PatchID string     `json:"patch_id,omitempty"`
	Mode    EngineMode `json:"mode,omitempty"`
	// NoFallback surfaces model-engine failure as an error instead of silently
	// degrading. Only meaningful with ModeModel.
	NoFallback bool `json:"no_fallback,omitempty"`
	// Force re-analyses runs that already have results.
	Force bool `json:"force,omitempty"`
	// MaxRuns bounds a missing-analysis scan; zero means no bound.
	MaxRuns int `json:"max_runs,omitempty"`
}

// RunData is the parsed input for one run: the current samples plus the
// per-metric history windows supplied by the archive layer.
type RunData struct {
	RunID     string                   `json:"run_id"`
	PatchID   string                   `json:"patch_id,omitempty"`
	Samples   []MetricSample           `json:"samples"`
	Histories map[string]HistoryWindow `json:"histories"`
}

// HistoryFor returns the window for a sample, or an empty window when the
// metric has no recorded history.
func (d RunData) HistoryFor(s MetricSample) HistoryWindow {
	if w, ok := d.Histories[s.Key()]; ok {
		return w
	}
	return HistoryWindow{Key: s.Key()}
}
