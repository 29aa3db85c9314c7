package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benchlens/benchlens/internal/models"
)

// maxResponseSize bounds the completion body read to guard against a
// misbehaving endpoint exhausting memory.
const maxResponseSize = 10 * 1024 * 1024

// ModelConfig configures the language-model engine. The system prompt is the
// evaluation policy: threshold guidance, output language, domain framing. It
// is operator-supplied text, never compiled in.
type ModelConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float64
	Timeout      time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
}

// Enabled reports whether enough configuration is present to call the
// endpoint. A key of "EMPTY" supports local models that skip auth.
func (c ModelConfig) Enabled() bool {
	hasKey := strings.TrimSpace(c.APIKey) != "" && !strings.EqualFold(strings.TrimSpace(c.APIKey), "EMPTY")
	hasModel := strings.TrimSpace(c.Model) != ""
	hasBase := strings.TrimSpace(c.BaseURL) != ""
	return (hasKey && hasModel) || (!hasKey && hasModel && hasBase)
}

// ModelEngine sends candidate batches to an OpenAI-chat-completion-compatible
// endpoint and parses strict JSON verdicts. Schema violations degrade only
// the affected candidate: the fallback engine fills the gap so the batch
// still returns one result per candidate.
type ModelEngine struct {
	cfg        ModelConfig
	httpClient *http.Client
	fallback   *HeuristicEngine
	logger     *slog.Logger
}

// NewModelEngine constructs the model engine. fallback must be non-nil; it
// supplies per-candidate verdicts when the model's output fails validation.
func NewModelEngine(cfg ModelConfig, fallback *HeuristicEngine, logger *slog.Logger) *ModelEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelEngine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		fallback:   fallback,
		logger:     logger,
	}
}

// Descriptor names the configured model.
func (e *ModelEngine) Descriptor() models.EngineDescriptor {
	name := e.cfg.Model
	if name == "" {
		name = "model"
	}
	return models.EngineDescriptor{Name: name, Version: e.cfg.Model}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// candidatePayload is the structured evidence shipped per candidate.
type candidatePayload struct {
	Suite        string               `json:"suite"`
	Case         string               `json:"case"`
	Metric       string               `json:"metric"`
	Kind         models.SampleKind    `json:"kind"`
	CurrentValue float64              `json:"current_value"`
	Unit         string               `json:"unit,omitempty"`
	Status       models.TestStatus    `json:"status,omitempty"`
	Severity     models.Severity      `json:"provisional_severity"`
	Direction    models.Direction     `json:"direction,omitempty"`
	Features     models.BaselineStats `json:"features"`
	History      []float64            `json:"history,omitempty"`
}

type analysisPayload struct {
	RunID        string             `json:"run_id"`
	PatchID      string             `json:"patch_id,omitempty"`
	Entries      []candidatePayload `json:"entries"`
	Instructions string             `json:"instructions"`
}

type rawAnomaly struct {
	Suite               string          `json:"suite"`
	Case                string          `json:"case"`
	Metric              string          `json:"metric"`
	CurrentValue        *float64        `json:"current_value"`
	Severity            models.Severity `json:"severity"`
	Confidence          *float64        `json:"confidence"`
	PrimaryReason       string          `json:"primary_reason"`
	RootCauses          []rawRootCause  `json:"root_causes"`
	SuggestedNextChecks []string        `json:"suggested_next_checks"`
	SupportingEvidence  json.RawMessage `json:"supporting_evidence"`
}

type rawRootCause struct {
	Cause      string   `json:"cause"`
	Likelihood *float64 `json:"likelihood"`
}

type modelOutput struct {
	Anomalies []rawAnomaly `json:"anomalies"`
}

const payloadInstructions = "Return strict JSON only, no markdown. Every anomaly object must carry a " +
	"numeric confidence between 0 and 1, a non-empty primary_reason, at least one root_cause with a " +
	"likelihood between 0 and 1, and 3-5 concrete suggested_next_checks."

// Analyze submits the batch and maps validated verdicts back onto candidates
// in input order. Transport failures return TransientError or ConfigError for
// the selector to act on; per-candidate schema failures are repaired locally
// with the fallback engine.
func (e *ModelEngine) Analyze(ctx context.Context, candidates []models.Candidate, rc Context) ([]models.AnomalyResult, error) {
	if !e.cfg.Enabled() {
		return nil, &ConfigError{Reason: "endpoint, model or credentials missing"}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	payload := analysisPayload{
		RunID:        rc.RunID,
		PatchID:      rc.PatchID,
		Entries:      make([]candidatePayload, 0, len(candidates)),
		Instructions: payloadInstructions,
	}
	for _, cand := range candidates {
		entry := candidatePayload{
			Suite:        cand.Sample.Suite,
			Case:         cand.Sample.Case,
			Metric:       cand.Sample.Metric,
			Kind:         cand.Sample.Kind,
			CurrentValue: cand.Sample.Value,
			Unit:         cand.Sample.Unit,
			Status:       cand.Sample.Status,
			Severity:     cand.Severity,
			Direction:    cand.Direction,
			Features:     cand.Stats,
		}
		if window, ok := rc.Histories[cand.Key()]; ok {
			entry.History = window.Values
		}
		payload.Entries = append(payload.Entries, entry)
	}

	content, err := e.complete(ctx, payload)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := extractJSON(content)
	byKey := map[string]rawAnomaly{}
	if parseErr != nil {
		e.logger.Warn("model returned unparseable content, degrading all candidates",
			slog.String("run_id", rc.RunID), slog.Any("error", parseErr))
	} else {
		for _, raw := range parsed.Anomalies {
			byKey[fmt.Sprintf("%s::%s::%s", raw.Suite, raw.Case, raw.Metric)] = raw
		}
	}

	results := make([]models.AnomalyResult, 0, len(candidates))
	for _, cand := range candidates {
		raw, ok := byKey[cand.Key()]
		if !ok {
			results = append(results, e.degradeCandidate(cand, rc, "missing from model response"))
			continue
		}
		result, vErr := e.buildResult(cand, raw)
		if vErr != nil {
			e.logger.Warn("model verdict failed validation", slog.String("key", cand.Key()), slog.Any("error", vErr))
			results = append(results, e.degradeCandidate(cand, rc, vErr.Error()))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// degradeCandidate produces the heuristic verdict for one candidate, tagged
// degraded so consumers can tell it apart from a model verdict.
func (e *ModelEngine) degradeCandidate(cand models.Candidate, rc Context, reason string) models.AnomalyResult {
	e.logger.Debug("falling back to heuristic verdict",
		slog.String("key", cand.Key()), slog.String("reason", reason))
	results, _ := e.fallback.Analyze(context.Background(), []models.Candidate{cand}, rc)
	result := results[0]
	result.Engine.Degraded = true
	return result
}

// buildResult validates one raw verdict against the schema contract.
func (e *ModelEngine) buildResult(cand models.Candidate, raw rawAnomaly) (models.AnomalyResult, error) {
	confidence, err := normalizeConfidence(raw.Confidence)
	if err != nil {
		return models.AnomalyResult{}, &ValidationError{Key: cand.Key(), Reason: err.Error()}
	}
	if strings.TrimSpace(raw.PrimaryReason) == "" {
		return models.AnomalyResult{}, &ValidationError{Key: cand.Key(), Reason: "empty primary_reason"}
	}
	if len(raw.RootCauses) == 0 {
		return models.AnomalyResult{}, &ValidationError{Key: cand.Key(), Reason: "no root_causes"}
	}
	causes := make([]models.RootCause, 0, len(raw.RootCauses))
	for _, rc := range raw.RootCauses {
		if strings.TrimSpace(rc.Cause) == "" {
			return models.AnomalyResult{}, &ValidationError{Key: cand.Key(), Reason: "root cause with empty text"}
		}
		likelihood := 0.5
		if rc.Likelihood != nil {
			if *rc.Likelihood < 0 || *rc.Likelihood > 1 {
				return models.AnomalyResult{}, &ValidationError{Key: cand.Key(), Reason: "likelihood out of [0,1]"}
			}
			likelihood = *rc.Likelihood
		}
		causes = append(causes, models.RootCause{Cause: rc.Cause, Likelihood: likelihood})
	}

	severity := raw.Severity
	switch severity {
	case models.SeverityHigh, models.SeverityMedium, models.SeverityLow:
	default:
		severity = cand.Severity
	}

	value := cand.Sample.Value
	if raw.CurrentValue != nil {
		value = *raw.CurrentValue
	}

	return models.AnomalyResult{
		Suite:               cand.Sample.Suite,
		Case:                cand.Sample.Case,
		Metric:              cand.Sample.Metric,
		CurrentValue:        value,
		Unit:                cand.Sample.Unit,
		Severity:            severity,
		Direction:           cand.Direction,
		Confidence:          confidence,
		PrimaryReason:       raw.PrimaryReason,
		RootCauses:          causes,
		SuggestedNextChecks: raw.SuggestedNextChecks,
		// The statistical evidence is always the locally computed baseline,
		// not whatever the model echoed back.
		SupportingEvidence: cand.Stats,
		Engine:             e.Descriptor(),
	}, nil
}

// complete performs the chat-completions call with bounded retries on
// transient failures. Validation and auth problems are never retried.
func (e *ModelEngine) complete(ctx context.Context, payload analysisPayload) (string, error) {
	userContent, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	reqBody, err := json.Marshal(chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: e.cfg.SystemPrompt},
			{Role: "user", Content: string(userContent)},
		},
		Temperature: e.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/chat/completions"
	backoff := e.cfg.BackoffBase

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", &TransientError{Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.cfg.MaxBackoff {
				backoff = e.cfg.MaxBackoff
			}
		}

		content, err := e.doRequest(ctx, url, reqBody)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
		e.logger.Debug("model call retrying",
			slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return "", lastErr
}

func (e *ModelEngine) doRequest(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &ConfigError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(e.cfg.APIKey); key != "" && !strings.EqualFold(key, "EMPTY") {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", &ConfigError{Reason: "endpoint rejected credentials: " + resp.Status}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &TransientError{Err: fmt.Errorf("endpoint returned %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return "", &ValidationError{Key: "", Reason: "unexpected status " + resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", &TransientError{Err: err}
	}
	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return "", &ValidationError{Key: "", Reason: "response is not valid JSON"}
	}
	if len(chat.Choices) == 0 {
		return "", &ValidationError{Key: "", Reason: "response has no choices"}
	}
	return chat.Choices[0].Message.Content, nil
}

// extractJSON tolerates code fences and junk around the model's JSON object.
func extractJSON(content string) (modelOutput, error) {
	t := strings.TrimSpace(content)
	if strings.HasPrefix(t, "```") {
		t = strings.Trim(t, "` ")
		if strings.HasPrefix(strings.ToLower(t), "json") {
			t = t[4:]
		}
	}
	if first := strings.Index(t, "{"); first > 0 {
		t = t[first:]
	}
	if last := strings.LastIndex(t, "}"); last != -1 {
		t = t[:last+1]
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(t), &out); err != nil {
		return modelOutput{}, err
	}
	return out, nil
}

// normalizeConfidence reads a verdict confidence as a value in [0,1].
// Values in (1,100] are treated as percentages and rescaled: instruction
// models routinely answer "85" for 0.85, and failing those verdicts would
// degrade otherwise healthy batches. Negative values and values above 100
// stay validation failures for the candidate.
func normalizeConfidence(confidence *float64) (float64, error) {
	if confidence == nil {
		return 0, fmt.Errorf("missing confidence")
	}
	v := *confidence
	if v > 1 && v <= 100 {
		v = v / 100
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("confidence %v out of [0,1]", *confidence)
	}
	return v, nil
}
