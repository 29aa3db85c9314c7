package repo

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/benchlens/benchlens/internal/cache"
	"github.com/benchlens/benchlens/internal/models"
)

// ArchiveClient talks to the results archive that stores parsed benchmark
// and test runs. It is the only source of samples and history windows; the
// analysis engine never reads raw result files itself.
type ArchiveClient struct {
	baseURL       string
	runsPath      string
	historyPath   string
	patchesPath   string
	missingPath   string
	historyWindow int
	httpClient    *http.Client
	historyCache  cache.Provider
	historyTTL    time.Duration
}

// NewArchiveClient constructs a client for the configured archive instance.
// historyWindow caps how many historical runs a history request asks for.
func NewArchiveClient(baseURL string, historyWindow int, timeout time.Duration) *ArchiveClient {
	if historyWindow <= 0 {
		historyWindow = 50
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ArchiveClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		runsPath:      "/api/v1/runs",
		historyPath:   "/api/v1/history",
		patchesPath:   "/api/v1/patches",
		missingPath:   "/api/v1/runs/missing-analysis",
		historyWindow: historyWindow,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// FetchRunData loads one run's samples together with the history windows for
// every sample key. History is fetched in a single batched call.
func (c *ArchiveClient) FetchRunData(ctx context.Context, runID string) (models.RunData, error) {
	if c == nil || c.baseURL == "" {
		return models.RunData{}, fmt.Errorf("archive base URL not configured")
	}

	var runResponse struct {
		RunID   string                `json:"run_id"`
		PatchID string                `json:"patch_id"`
		Samples []models.MetricSample `json:"samples"`
	}
	if err := c.getJSON(ctx, c.resolvePath(c.runsPath, runID), nil, &runResponse); err != nil {
		return models.RunData{}, fmt.Errorf("archive run request failed: %w", err)
	}
	if len(runResponse.Samples) == 0 {
		return models.RunData{}, fmt.Errorf("archive returned no samples for run %s", runID)
	}

	keys := make([]string, 0, len(runResponse.Samples))
	for _, sample := range runResponse.Samples {
		keys = append(keys, sample.Key())
	}
	histories, err := c.fetchHistories(ctx, runID, keys)
	if err != nil {
		return models.RunData{}, err
	}

	return models.RunData{
		RunID:     runResponse.RunID,
		PatchID:   runResponse.PatchID,
		Samples:   runResponse.Samples,
		Histories: histories,
	}, nil
}

// UseCache enables read-through caching of history windows. Histories for a
// run exclude that run and only grow when new runs land, so a short TTL is
// safe and spares the archive on patch jobs that revisit the same baselines.
func (c *ArchiveClient) UseCache(provider cache.Provider, ttl time.Duration) {
	if provider == nil || ttl <= 0 {
		return
	}
	c.historyCache = provider
	c.historyTTL = ttl
}

// fetchHistories asks the archive for the trailing windows of the given
// keys, excluding the run under analysis from its own baseline.
func (c *ArchiveClient) fetchHistories(ctx context.Context, runID string, keys []string) (map[string]models.HistoryWindow, error) {
	cacheKey := historyCacheKey(runID, c.historyWindow, keys)
	if c.historyCache != nil {
		if data, err := c.historyCache.Get(ctx, cacheKey); err == nil {
			var cached map[string]models.HistoryWindow
			if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
				return cached, nil
			}
			_ = c.historyCache.Del(ctx, cacheKey)
		}
	}

	payload := map[string]any{
		"exclude_run": runID,
		"window":      c.historyWindow,
		"keys":        keys,
	}
	var response struct {
		Windows []models.HistoryWindow `json:"windows"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.historyPath), payload, &response); err != nil {
		return nil, fmt.Errorf("archive history request failed: %w", err)
	}

	histories := make(map[string]models.HistoryWindow, len(response.Windows))
	for _, window := range response.Windows {
		histories[window.Key] = window
	}

	if c.historyCache != nil {
		if data, err := json.Marshal(histories); err == nil {
			_ = c.historyCache.Set(ctx, cacheKey, data, c.historyTTL)
		}
	}
	return histories, nil
}

func historyCacheKey(runID string, window int, keys []string) string {
	h := md5.New()
	fmt.Fprintf(h, "%s|%d", runID, window)
	for _, key := range keys {
		h.Write([]byte{0})
		h.Write([]byte(key))
	}
	return cache.Key("history", hex.EncodeToString(h.Sum(nil)))
}

// ListRunsForPatch returns the run IDs recorded for one patch, most recent
// first.
func (c *ArchiveClient) ListRunsForPatch(ctx context.Context, patchID string) ([]string, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("archive base URL not configured")
	}
	var response struct {
		RunIDs []string `json:"run_ids"`
	}
	if err := c.getJSON(ctx, c.resolvePath(c.patchesPath, patchID, "runs"), nil, &response); err != nil {
		return nil, fmt.Errorf("archive patch request failed: %w", err)
	}
	return response.RunIDs, nil
}

// ListRunsMissingAnalysis returns up to limit run IDs that have results in
// the archive but no stored analysis yet.
func (c *ArchiveClient) ListRunsMissingAnalysis(ctx context.Context, limit int) ([]string, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("archive base URL not configured")
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	var response struct {
		RunIDs []string `json:"run_ids"`
	}
	if err := c.getJSON(ctx, c.resolvePath(c.missingPath), query, &response); err != nil {
		return nil, fmt.Errorf("archive missing-analysis request failed: %w", err)
	}
	return response.RunIDs, nil
}

// SaveAnalysis publishes a finished analysis back to the archive so future
// missing-analysis scans skip the run. force overwrites an existing record.
func (c *ArchiveClient) SaveAnalysis(ctx context.Context, runID string, summary models.AnalysisSummary, anomalies []models.AnomalyResult, force bool) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("archive base URL not configured")
	}
	payload := map[string]any{
		"summary":   summary,
		"anomalies": anomalies,
		"force":     force,
	}
	if err := c.postJSON(ctx, c.resolvePath(c.runsPath, runID, "analysis"), payload, nil); err != nil {
		return fmt.Errorf("archive analysis upload failed: %w", err)
	}
	return nil
}

func (c *ArchiveClient) resolvePath(parts ...string) string {
	if c.baseURL == "" {
		return ""
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + "/" + path.Join(parts...)
	}
	segments := append([]string{u.Path}, parts...)
	u.Path = path.Join(segments...)
	return u.String()
}

func (c *ArchiveClient) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *ArchiveClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *ArchiveClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("archive has no record at %s", req.URL.Path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
