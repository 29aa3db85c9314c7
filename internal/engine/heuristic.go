package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/benchlens/benchlens/internal/models"
	"github.com/benchlens/benchlens/internal/patterns"
)

// HeuristicVersion identifies the deterministic rule tables.
const HeuristicVersion = "1.0"

// HeuristicEngine produces verdicts from fixed rule tables. It is offline,
// deterministic, and the required fallback target: Analyze never fails for
// well-formed candidates.
type HeuristicEngine struct {
	pack   *RulePack
	miner  *patterns.Miner
	logger *slog.Logger
}

// NewHeuristicEngine builds the rule engine. A nil pack selects the built-in
// defaults.
func NewHeuristicEngine(pack *RulePack, logger *slog.Logger) *HeuristicEngine {
	if pack == nil {
		pack = defaultRulePack()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeuristicEngine{pack: pack, miner: patterns.NewMiner(logger), logger: logger}
}

// Descriptor identifies the heuristic variant.
func (e *HeuristicEngine) Descriptor() models.EngineDescriptor {
	return models.EngineDescriptor{Name: "heuristic", Version: HeuristicVersion}
}

// Analyze maps every candidate to a verdict via the rule tables. Results are
// returned in candidate order.
func (e *HeuristicEngine) Analyze(_ context.Context, candidates []models.Candidate, _ Context) ([]models.AnomalyResult, error) {
	var failedTests []models.Candidate
	for _, cand := range candidates {
		if cand.Sample.Kind == models.KindTestCase {
			failedTests = append(failedTests, cand)
		}
	}
	mined := e.miner.Mine(failedTests)

	results := make([]models.AnomalyResult, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Sample.Kind == models.KindTestCase {
			results = append(results, e.analyzeTestCase(cand, len(failedTests), mined))
			continue
		}
		results = append(results, e.analyzeBenchmark(cand))
	}
	return results, nil
}

func (e *HeuristicEngine) analyzeBenchmark(cand models.Candidate) models.AnomalyResult {
	st := cand.Stats
	rule := e.pack.Rule(MetricFamily(cand.Sample.Metric))

	absZ := 0.0
	if st.RobustZ != nil {
		absZ = math.Abs(*st.RobustZ)
	}
	// Confidence grows with statistical evidence: a larger sample base lifts
	// the floor, deviation magnitude adds the rest.
	base := 0.6
	if st.HistoryN >= 100 {
		base = 0.7
	}
	confidence := clamp01(math.Min(0.95, base+0.05*absZ/10))
	if st.LowConfidence {
		confidence = math.Min(confidence, 0.4)
	}

	reason := fmt.Sprintf("%s of %s", directionWord(cand.Direction), cand.Sample.Metric)
	if st.RobustZ != nil && st.PctChangeMedian != nil {
		reason = fmt.Sprintf("%s: robust_z=%.2f, Δ vs median=%+.0f%%",
			directionWord(cand.Direction), *st.RobustZ, *st.PctChangeMedian*100)
	}

	causes := make([]models.RootCause, 0, len(rule.RootCauses))
	for _, rc := range rule.RootCauses {
		causes = append(causes, models.RootCause{Cause: rc.Cause, Likelihood: clamp01(rc.Likelihood)})
	}

	checks := append([]string(nil), rule.Checks...)
	if cand.Direction == models.DirectionRegression {
		checks = append(checks, "check dmesg for thermal or throttling events around the run window")
	} else {
		checks = append(checks, "verify environment consistency to confirm the improvement is real")
	}
	if len(checks) > 5 {
		checks = checks[:5]
	}

	return models.AnomalyResult{
		Suite:               cand.Sample.Suite,
		Case:                cand.Sample.Case,
		Metric:              cand.Sample.Metric,
		CurrentValue:        cand.Sample.Value,
		Unit:                cand.Sample.Unit,
		Severity:            cand.Severity,
		Direction:           cand.Direction,
		Confidence:          confidence,
		PrimaryReason:       reason,
		RootCauses:          causes,
		SuggestedNextChecks: checks,
		SupportingEvidence:  st,
		Engine:              e.Descriptor(),
	}
}

func (e *HeuristicEngine) analyzeTestCase(cand models.Candidate, totalFailed int, mined []patterns.FailurePattern) models.AnomalyResult {
	reason := fmt.Sprintf("test case %s failed", cand.Sample.Case)
	confidence := 0.7
	if cand.PrevStatus == models.TestPass {
		reason = fmt.Sprintf("test case %s regressed from PASS to FAIL", cand.Sample.Case)
		confidence = 0.9
	}

	cat := patterns.Categorize(cand.Sample.Case)
	var causes []models.RootCause
	for _, pattern := range mined {
		if pattern.Subject == cat.Component || pattern.Subject == cat.Domain {
			causes = append(causes, models.RootCause{
				Cause:      pattern.Description,
				Likelihood: clamp01(0.4 + 0.5*pattern.Share),
			})
		}
	}
	if totalFailed >= 5 {
		causes = append(causes, models.RootCause{
			Cause:      fmt.Sprintf("broad failure across %d cases suggests an environment or build problem rather than a single defect", totalFailed),
			Likelihood: 0.7,
		})
	}
	if len(causes) == 0 {
		causes = []models.RootCause{{
			Cause:      fmt.Sprintf("isolated failure in the %s area", cat.Domain),
			Likelihood: 0.5,
		}}
	}
	if len(causes) > 3 {
		causes = causes[:3]
	}

	checks := []string{
		"read the failing case's log output for the first assertion that broke",
		fmt.Sprintf("diff recent changes touching the %s subsystem", cat.Domain),
		"re-run the single case in isolation to rule out ordering effects",
	}

	return models.AnomalyResult{
		Suite:               cand.Sample.Suite,
		Case:                cand.Sample.Case,
		Metric:              cand.Sample.Metric,
		CurrentValue:        cand.Sample.Value,
		Severity:            cand.Severity,
		Direction:           models.DirectionRegression,
		Confidence:          confidence,
		PrimaryReason:       reason,
		RootCauses:          causes,
		SuggestedNextChecks: checks,
		SupportingEvidence:  cand.Stats,
		Engine:              e.Descriptor(),
	}
}

func directionWord(d models.Direction) string {
	if d == models.DirectionImprovement {
		return "performance improvement"
	}
	return "performance regression"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
