package patterns

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/benchlens/benchlens/internal/models"
)

// Category is the inferred classification of one test case name.
type Category struct {
	Component string
	Operation string
	Domain    string
}

// FailurePattern is a concentration of failures sharing a component, domain
// or operation type.
type FailurePattern struct {
	Kind        string   `json:"kind"`
	Subject     string   `json:"subject"`
	Cases       []string `json:"cases"`
	Description string   `json:"description"`
	// Share is the fraction of all failures covered by this pattern.
	Share float64 `json:"share"`
}

// Miner groups failed test cases into patterns that point at a common cause.
type Miner struct {
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{logger: logger}
}

var componentNames = map[string]string{
	"hyp":      "hypervisor",
	"vm":       "virtual_machine",
	"vcpu":     "virtual_cpu",
	"memory":   "memory_management",
	"mem":      "memory_management",
	"addr":     "address_management",
	"phys":     "physical_memory",
	"virt":     "virtual_memory",
	"page":     "page_management",
	"chunk":    "memory_chunk",
	"refcount": "reference_counting",
	"ftrace":   "function_tracing",
	"event":    "event_handling",
	"buffer":   "buffer_management",
	"sve":      "vector_extension",
	"pkvm":     "protected_kvm",
}

var operationNames = map[string]string{
	"basic":      "basic_functionality",
	"set":        "setter_operation",
	"get":        "getter_operation",
	"enable":     "enable_operation",
	"disable":    "disable_operation",
	"alignment":  "alignment_check",
	"arithmetic": "arithmetic_operation",
	"boundary":   "boundary_condition",
	"edge":       "edge_case",
	"null":       "null_pointer_handling",
	"range":      "range_validation",
	"error":      "error_handling",
	"reset":      "reset_operation",
}

// Categorize infers component, operation and functional domain from a test
// case name. Unknown facets stay "unknown".
func Categorize(caseName string) Category {
	out := Category{Component: "unknown", Operation: "unknown", Domain: "unknown"}
	lower := strings.ToLower(caseName)

	for token, component := range componentNames {
		if strings.Contains(lower, token) {
			out.Component = component
			break
		}
	}
	for token, operation := range operationNames {
		if strings.Contains(lower, token) {
			out.Operation = operation
			break
		}
	}
	switch {
	case containsAny(lower, "memory", "mem", "addr", "phys", "virt", "page", "chunk"):
		out.Domain = "memory_management"
	case containsAny(lower, "hyp", "vm", "vcpu", "pkvm"):
		out.Domain = "virtualization"
	case containsAny(lower, "trace", "event", "buffer"):
		out.Domain = "tracing_events"
	case containsAny(lower, "sve", "vector"):
		out.Domain = "vector_processing"
	case containsAny(lower, "refcount", "atomic"):
		out.Domain = "synchronization"
	}
	return out
}

// Mine analyses failed candidates and returns concentration patterns, ordered
// by coverage descending. An empty input yields nil.
func (m *Miner) Mine(failed []models.Candidate) []FailurePattern {
	if len(failed) == 0 {
		return nil
	}

	byComponent := map[string][]string{}
	byDomain := map[string][]string{}
	byOperation := map[string][]string{}
	for _, cand := range failed {
		cat := Categorize(cand.Sample.Case)
		byComponent[cat.Component] = append(byComponent[cat.Component], cand.Sample.Case)
		byDomain[cat.Domain] = append(byDomain[cat.Domain], cand.Sample.Case)
		byOperation[cat.Operation] = append(byOperation[cat.Operation], cand.Sample.Case)
	}

	total := len(failed)
	var out []FailurePattern
	collect := func(kind string, groups map[string][]string, minimum int) {
		for subject, cases := range groups {
			if subject == "unknown" || len(cases) < minimum {
				continue
			}
			out = append(out, FailurePattern{
				Kind:        kind,
				Subject:     subject,
				Cases:       append([]string(nil), cases...),
				Description: fmt.Sprintf("%d of %d failures concentrated in %s %s", len(cases), total, subject, kind),
				Share:       float64(len(cases)) / float64(total),
			})
		}
	}
	collect("component", byComponent, 2)
	collect("domain", byDomain, 2)
	// Operation patterns only matter when they cover at least half the failures.
	collect("operation", byOperation, maxInt(2, (total+1)/2))

	sort.Slice(out, func(i, j int) bool {
		if out[i].Share != out[j].Share {
			return out[i].Share > out[j].Share
		}
		return out[i].Subject < out[j].Subject
	})
	if len(out) > 0 {
		m.logger.Debug("mined failure patterns", slog.Int("patterns", len(out)), slog.Int("failures", total))
	}
	return out
}

func containsAny(s string, tokens ...string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
