package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// MetricFamily buckets benchmark metric names into the families the heuristic
// rule tables are keyed on.
func MetricFamily(metric string) string {
	lower := strings.ToLower(metric)
	switch {
	case strings.Contains(lower, "dhrystone"):
		return "cpu-integer"
	case strings.Contains(lower, "whetstone"):
		return "cpu-float"
	case strings.Contains(lower, "process"):
		return "process"
	case strings.Contains(lower, "syscall"), strings.Contains(lower, "system call"):
		return "syscall"
	case strings.Contains(lower, "copy"), containsWord(lower, "io"):
		return "io"
	case strings.Contains(lower, "pipe"):
		return "pipe"
	case strings.Contains(lower, "shell"):
		return "shell"
	case strings.Contains(lower, "index"), strings.Contains(lower, "score"):
		return "index"
	default:
		return "other"
	}
}

// containsWord matches word against whole tokens only, so names like
// "Process Creation" do not land in the io family via the "io" substring.
func containsWord(s, word string) bool {
	for _, token := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if token == word {
			return true
		}
	}
	return false
}

// FamilyRule holds the canned verdict material for one metric family.
type FamilyRule struct {
	Family     string          `yaml:"family"`
	RootCauses []RootCauseRule `yaml:"rootCauses"`
	Checks     []string        `yaml:"checks"`
}

// RootCauseRule is one canned cause with its prior likelihood.
type RootCauseRule struct {
	Cause      string  `yaml:"cause"`
	Likelihood float64 `yaml:"likelihood"`
}

// RulePackFile is the YAML root structure for an operator-supplied rule pack.
type RulePackFile struct {
	Rules []FamilyRule `yaml:"rules"`
}

// RulePack resolves metric families to canned rules, falling back to built-in
// defaults for families the pack does not cover.
type RulePack struct {
	rules map[string]FamilyRule
}

// LoadRulePack reads an optional YAML rule pack. An empty path or missing
// file yields the built-in defaults.
func LoadRulePack(path string, logger *slog.Logger) (*RulePack, error) {
	pack := defaultRulePack()
	if path == "" {
		return pack, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pack, nil
		}
		return nil, err
	}
	var file RulePackFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for _, rule := range file.Rules {
		pack.rules[rule.Family] = rule
	}
	if logger != nil {
		logger.Info("heuristic rule pack loaded", slog.String("path", path), slog.Int("rules", len(file.Rules)))
	}
	return pack, nil
}

// Rule returns the rule for a family, or the generic fallback rule.
func (p *RulePack) Rule(family string) FamilyRule {
	if rule, ok := p.rules[family]; ok {
		return rule
	}
	return p.rules["other"]
}

func defaultRulePack() *RulePack {
	rules := []FamilyRule{
		{
			Family: "cpu-integer",
			RootCauses: []RootCauseRule{
				{Cause: "CPU frequency scaling or governor change affecting integer throughput", Likelihood: 0.6},
				{Cause: "thermal throttling reducing sustained clock speed", Likelihood: 0.4},
			},
			Checks: []string{
				"inspect /proc/cpuinfo for the configured frequency and core layout",
				"read /sys/devices/system/cpu/cpu*/cpufreq/scaling_governor for the active policy",
				"compare cache sizes under /sys/devices/system/cpu/cpu*/cache/index*/size",
			},
		},
		{
			Family: "cpu-float",
			RootCauses: []RootCauseRule{
				{Cause: "floating point unit configuration or vector extension state change", Likelihood: 0.55},
				{Cause: "compiler optimisation or instruction set flags changed between builds", Likelihood: 0.45},
			},
			Checks: []string{
				"grep fpu/vfp/neon flags in /proc/cpuinfo",
				"verify vector features via lscpu flags output",
				"confirm the benchmark binary was not rebuilt with different flags",
			},
		},
		{
			Family: "io",
			RootCauses: []RootCauseRule{
				{Cause: "memory bandwidth contention or page size change", Likelihood: 0.55},
				{Cause: "storage backend slowdown visible through buffered copy rates", Likelihood: 0.4},
			},
			Checks: []string{
				"check MemTotal/MemAvailable in /proc/meminfo",
				"sample device utilisation with iostat -x",
				"review transparent hugepage settings",
			},
		},
		{
			Family: "process",
			RootCauses: []RootCauseRule{
				{Cause: "scheduler policy or cgroup limits changed for process creation paths", Likelihood: 0.6},
			},
			Checks: []string{
				"dump scheduler tunables under /proc/sys/kernel/sched_*",
				"profile syscall cost with strace -c",
				"inspect cgroup cpu limits for the benchmark session",
			},
		},
		{
			Family: "syscall",
			RootCauses: []RootCauseRule{
				{Cause: "kernel version or configuration change altering syscall entry cost", Likelihood: 0.6},
				{Cause: "hypervisor trap overhead on the syscall path", Likelihood: 0.4},
			},
			Checks: []string{
				"confirm kernel build via uname -a and /proc/version",
				"measure steal time in /proc/stat under the hypervisor",
			},
		},
		{
			Family: "pipe",
			RootCauses: []RootCauseRule{
				{Cause: "context switch cost increase from scheduler or interrupt affinity changes", Likelihood: 0.55},
			},
			Checks: []string{
				"review interrupt distribution in /proc/interrupts",
				"check isolcpus/nohz_full boot parameters",
			},
		},
		{
			Family: "shell",
			RootCauses: []RootCauseRule{
				{Cause: "fork/exec path slowdown from memory pressure or audit hooks", Likelihood: 0.5},
			},
			Checks: []string{
				"check load and memory pressure with htop",
				"verify no new audit or security modules were enabled",
			},
		},
		{
			Family: "index",
			RootCauses: []RootCauseRule{
				{Cause: "composite score movement driven by one or more component metrics", Likelihood: 0.7},
			},
			Checks: []string{
				"compare per-component results to locate the dominating metric",
				"correlate with other anomalies flagged in the same run",
			},
		},
		{
			Family: "other",
			RootCauses: []RootCauseRule{
				{Cause: "environment drift between runs (kernel, firmware or tuning change)", Likelihood: 0.5},
			},
			Checks: []string{
				"diff kernel and firmware versions against the previous run",
				"check dmesg for thermal or throttle warnings",
				"review the machine's tuning profile for changes",
			},
		},
	}
	pack := &RulePack{rules: make(map[string]FamilyRule, len(rules))}
	for _, rule := range rules {
		pack.rules[rule.Family] = rule
	}
	return pack
}
