package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benchlens/benchlens/internal/cache"
	"github.com/benchlens/benchlens/internal/models"
)

// BatchConfig tunes how candidate batches are formed and dispatched.
type BatchConfig struct {
	// MaxBatchSize caps candidates per engine call. Zero means 10.
	MaxBatchSize int
	// MaxConcurrent caps in-flight engine calls. Zero means 3.
	MaxConcurrent int
	// CacheTTL is how long batch verdicts stay reusable in the shared cache.
	CacheTTL time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	return c
}

// Batcher groups candidates by suite and severity, dispatches bounded
// concurrent batches through the selector, and merges verdicts back in the
// caller's candidate order. Identical batches are answered once: repeats hit
// the fingerprint cache instead of the engine.
type Batcher struct {
	selector *Selector
	cache    cache.Provider
	cfg      BatchConfig
	logger   *slog.Logger
}

// NewBatcher builds a batch dispatcher. provider may be nil; a nil provider
// disables the shared cache but per-run deduplication still applies.
func NewBatcher(selector *Selector, provider cache.Provider, cfg BatchConfig, logger *slog.Logger) *Batcher {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{selector: selector, cache: provider, cfg: cfg.withDefaults(), logger: logger}
}

// batch is one dispatch unit plus the global positions its verdicts map to.
type batch struct {
	candidates []models.Candidate
	positions  []int
	fp         string
}

// batchOutcome keys verdicts by candidate so batches that share a
// fingerprint can realign them to their own ordering.
type batchOutcome struct {
	byKey    map[string]models.AnomalyResult
	desc     models.EngineDescriptor
	cacheHit bool
	err      error
}

// Analyze runs the full candidate set through the engine pipeline. The
// returned slice has exactly one verdict per candidate, in input order. The
// descriptor names the engine that served the non-degraded portion of the
// run, or the degraded heuristic when every batch fell back.
func (b *Batcher) Analyze(ctx context.Context, mode models.EngineMode, noFallback bool, candidates []models.Candidate, rc Context) ([]models.AnomalyResult, models.EngineDescriptor, error) {
	if len(candidates) == 0 {
		return nil, b.selector.heuristic.Descriptor(), nil
	}

	batches := b.partition(candidates)
	outcomes := make([]batchOutcome, len(batches))

	// Identical fingerprints within one run share a single engine call.
	type pending struct {
		once sync.Once
		out  batchOutcome
	}
	dedup := map[string]*pending{}
	for _, bt := range batches {
		if _, ok := dedup[bt.fp]; !ok {
			dedup[bt.fp] = &pending{}
		}
	}

	sem := make(chan struct{}, b.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i, bt := range batches {
		wg.Add(1)
		go func(i int, bt batch) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			p := dedup[bt.fp]
			p.once.Do(func() {
				p.out = b.dispatch(ctx, mode, noFallback, bt, rc)
			})
			outcomes[i] = p.out
		}(i, bt)
	}
	wg.Wait()

	merged := make([]models.AnomalyResult, len(candidates))
	var primary, degraded *models.EngineDescriptor
	cacheHits := 0
	for i, out := range outcomes {
		if out.err != nil {
			return nil, models.EngineDescriptor{}, fmt.Errorf("batch %d/%d failed: %w", i+1, len(batches), out.err)
		}
		if out.cacheHit {
			cacheHits++
		}
		if out.desc.Degraded {
			d := out.desc
			degraded = &d
		} else if primary == nil {
			d := out.desc
			primary = &d
		}
		for j, pos := range batches[i].positions {
			result, ok := out.byKey[batches[i].candidates[j].Key()]
			if !ok {
				return nil, models.EngineDescriptor{}, fmt.Errorf("batch %d/%d missing verdict for %s", i+1, len(batches), batches[i].candidates[j].Key())
			}
			merged[pos] = result
		}
	}

	desc := b.selector.heuristic.Descriptor()
	if primary != nil {
		desc = *primary
	} else if degraded != nil {
		desc = *degraded
	}

	b.logger.Info("batch analysis complete",
		slog.String("run_id", rc.RunID),
		slog.Int("candidates", len(candidates)),
		slog.Int("batches", len(batches)),
		slog.Int("cache_hits", cacheHits),
		slog.String("engine", desc.Name),
		slog.Bool("degraded", desc.Degraded))
	return merged, desc, nil
}

// dispatch answers one batch, consulting the shared cache first.
func (b *Batcher) dispatch(ctx context.Context, mode models.EngineMode, noFallback bool, bt batch, rc Context) batchOutcome {
	type cachedBatch struct {
		Results []models.AnomalyResult  `json:"results"`
		Engine  models.EngineDescriptor `json:"engine"`
	}

	cacheKey := cache.Key("batch", bt.fp)
	if data, err := b.cache.Get(ctx, cacheKey); err == nil {
		var cached cachedBatch
		if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil && len(cached.Results) == len(bt.candidates) {
			return batchOutcome{byKey: indexResults(cached.Results), desc: cached.Engine, cacheHit: true}
		}
		_ = b.cache.Del(ctx, cacheKey)
	}

	results, desc, err := b.selector.Analyze(ctx, mode, noFallback, bt.candidates, rc)
	if err != nil {
		return batchOutcome{err: err}
	}
	if len(results) != len(bt.candidates) {
		return batchOutcome{err: fmt.Errorf("engine returned %d verdicts for %d candidates", len(results), len(bt.candidates))}
	}

	// Degraded verdicts are not worth pinning for a day; the endpoint may be
	// healthy again on the next run.
	if !desc.Degraded {
		payload, marshalErr := json.Marshal(cachedBatch{Results: results, Engine: desc})
		if marshalErr == nil {
			if setErr := b.cache.Set(ctx, cacheKey, payload, b.cfg.CacheTTL); setErr != nil {
				b.logger.Debug("batch cache write failed", slog.Any("error", setErr))
			}
		}
	}
	return batchOutcome{byKey: indexResults(results), desc: desc}
}

func indexResults(results []models.AnomalyResult) map[string]models.AnomalyResult {
	byKey := make(map[string]models.AnomalyResult, len(results))
	for _, r := range results {
		byKey[fmt.Sprintf("%s::%s::%s", r.Suite, r.Case, r.Metric)] = r
	}
	return byKey
}

// partition groups candidates by suite and severity so one engine call sees
// related entries, then splits each group to the size cap. Positions keep the
// mapping back to the caller's ordering.
func (b *Batcher) partition(candidates []models.Candidate) []batch {
	type group struct {
		positions []int
	}
	order := []string{}
	groups := map[string]*group{}
	for i, cand := range candidates {
		key := cand.Sample.Suite + "|" + string(cand.Severity)
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.positions = append(g.positions, i)
	}

	var batches []batch
	for _, key := range order {
		positions := groups[key].positions
		for start := 0; start < len(positions); start += b.cfg.MaxBatchSize {
			end := start + b.cfg.MaxBatchSize
			if end > len(positions) {
				end = len(positions)
			}
			bt := batch{
				candidates: make([]models.Candidate, 0, end-start),
				positions:  positions[start:end],
			}
			for _, pos := range positions[start:end] {
				bt.candidates = append(bt.candidates, candidates[pos])
			}
			bt.fp = fingerprint(bt.candidates)
			batches = append(batches, bt)
		}
	}
	return batches
}

// fingerprint hashes the batch's identifying content so equal batches share
// cached verdicts. Ordering inside the hash is canonical, so permutations of
// the same candidates collapse to one key. The baseline digest is part of
// the hash: once the history window shifts, the candidate fingerprints move
// and a stale shared-cache verdict cannot be replayed.
func fingerprint(candidates []models.Candidate) string {
	parts := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		parts = append(parts, fmt.Sprintf("%s|%.6g|%s|%s|%s",
			cand.Key(), cand.Sample.Value, cand.Severity, cand.Sample.Status, baselineDigest(cand.Stats)))
	}
	sort.Strings(parts)
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// baselineDigest condenses the history window a candidate was judged
// against into a fingerprintable string.
func baselineDigest(st models.BaselineStats) string {
	med, mad := 0.0, 0.0
	if st.Median != nil {
		med = *st.Median
	}
	if st.MAD != nil {
		mad = *st.MAD
	}
	return fmt.Sprintf("%d|%.6g|%.6g", st.HistoryN, med, mad)
}
