package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlens/benchlens/internal/models"
)

func failed(caseName string) models.Candidate {
	return models.Candidate{
		Sample: models.MetricSample{
			Suite:  "kunit",
			Case:   caseName,
			Metric: "status",
			Kind:   models.KindTestCase,
			Status: models.TestFail,
		},
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		name      string
		component string
		operation string
		domain    string
	}{
		{"page_alloc_basic", "page_management", "basic_functionality", "memory_management"},
		{"vcpu_boundary_check", "virtual_cpu", "boundary_condition", "virtualization"},
		{"ftrace_enable", "function_tracing", "enable_operation", "tracing_events"},
		{"sve_context_save", "vector_extension", "unknown", "vector_processing"},
		{"refcount_overflow", "reference_counting", "unknown", "synchronization"},
		{"totally_unrelated", "unknown", "unknown", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cat := Categorize(tc.name)
			assert.Equal(t, tc.component, cat.Component)
			assert.Equal(t, tc.operation, cat.Operation)
			assert.Equal(t, tc.domain, cat.Domain)
		})
	}
}

func TestMineConcentration(t *testing.T) {
	miner := NewMiner(nil)
	patterns := miner.Mine([]models.Candidate{
		failed("page_alloc_01"),
		failed("page_free_02"),
		failed("page_map_03"),
		failed("vcpu_init"),
	})
	require.NotEmpty(t, patterns)

	// Coverage-descending ordering: the page patterns dominate.
	assert.Equal(t, 0.75, patterns[0].Share)
	for i := 1; i < len(patterns); i++ {
		assert.LessOrEqual(t, patterns[i].Share, patterns[i-1].Share)
	}

	var sawComponent bool
	for _, p := range patterns {
		if p.Kind == "component" && p.Subject == "page_management" {
			sawComponent = true
			assert.Len(t, p.Cases, 3)
			assert.Contains(t, p.Description, "3 of 4 failures")
		}
	}
	assert.True(t, sawComponent)
}

func TestMineIgnoresSingletonsAndUnknowns(t *testing.T) {
	miner := NewMiner(nil)
	patterns := miner.Mine([]models.Candidate{
		failed("vcpu_init"),
		failed("totally_unrelated"),
		failed("also_unrelated"),
	})
	for _, p := range patterns {
		assert.NotEqual(t, "unknown", p.Subject)
		assert.GreaterOrEqual(t, len(p.Cases), 2)
	}
}

func TestMineEmptyInput(t *testing.T) {
	assert.Nil(t, NewMiner(nil).Mine(nil))
}
