package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benchlens/benchlens/internal/classify"
	"github.com/benchlens/benchlens/internal/models"
)

// Config captures the settings required to boot the analysis engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Model    ModelConfig    `yaml:"model"`
	Batch    BatchConfig    `yaml:"batch"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Logging  LoggingConfig  `yaml:"logging"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ArchiveConfig configures access to the results archive.
type ArchiveConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	HistoryWindow int           `yaml:"historyWindow"`
	Timeout       time.Duration `yaml:"timeout"`
}

// AnalysisConfig selects the default engine mode and classification rules.
type AnalysisConfig struct {
	Mode       models.EngineMode   `yaml:"mode"`
	RulesPath  string              `yaml:"rulesPath"`
	Thresholds classify.Thresholds `yaml:"thresholds"`
}

// ModelConfig configures the language-model engine. An empty model name
// disables the model path entirely.
type ModelConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	APIKey      string        `yaml:"apiKey"`
	Model       string        `yaml:"model"`
	PromptPath  string        `yaml:"promptPath"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"maxRetries"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
}

// BatchConfig tunes batch formation and dispatch concurrency.
type BatchConfig struct {
	MaxBatchSize  int           `yaml:"maxBatchSize"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
}

// JobsConfig tunes the orchestration worker pool and job persistence.
type JobsConfig struct {
	Workers        int           `yaml:"workers"`
	QueueDepth     int           `yaml:"queueDepth"`
	Retention      time.Duration `yaml:"retention"`
	MaxMissingRuns int           `yaml:"maxMissingRuns"`
	// Store selects job persistence: "memory" or "postgres".
	Store       string `yaml:"store"`
	PostgresDSN string `yaml:"postgresDSN"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed sharing of batch verdicts between
// replicas. Disabled means each process keeps only its per-run cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("BENCHLENS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Analysis.Mode != "" && !cfg.Analysis.Mode.Valid() {
		return nil, fmt.Errorf("invalid analysis mode %q", cfg.Analysis.Mode)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8085",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Archive: ArchiveConfig{
			HistoryWindow: 50,
			Timeout:       30 * time.Second,
		},
		Analysis: AnalysisConfig{
			Mode:       models.ModeAuto,
			Thresholds: classify.DefaultThresholds(),
		},
		Model: ModelConfig{
			Temperature: 0.2,
			Timeout:     120 * time.Second,
			MaxRetries:  3,
			BackoffBase: 2 * time.Second,
			MaxBackoff:  30 * time.Second,
		},
		Batch: BatchConfig{
			MaxBatchSize:  10,
			MaxConcurrent: 3,
			CacheTTL:      24 * time.Hour,
		},
		Jobs: JobsConfig{
			Workers:        2,
			Retention:      time.Hour,
			MaxMissingRuns: 25,
			Store:          "memory",
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

// SystemPrompt loads the model's evaluation policy from PromptPath, or
// returns the built-in default when no path is configured.
func (c ModelConfig) SystemPrompt() (string, error) {
	if c.PromptPath == "" {
		return defaultSystemPrompt, nil
	}
	data, err := os.ReadFile(c.PromptPath)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	return string(data), nil
}

const defaultSystemPrompt = `You are a performance analysis assistant for a benchmark and regression test archive.
You receive a JSON payload of anomaly candidates with robust statistics (median, MAD, robust z-score, percent change) and recent history.
For each entry, judge whether it is a real regression or improvement and respond with strict JSON:
{"anomalies":[{"suite":...,"case":...,"metric":...,"severity":"high|medium|low","confidence":0.0-1.0,"primary_reason":...,"root_causes":[{"cause":...,"likelihood":0.0-1.0}],"suggested_next_checks":[...]}]}
Echo suite, case and metric exactly as given. Do not wrap the JSON in markdown.`

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BENCHLENS_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("BENCHLENS_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("BENCHLENS_ARCHIVE_BASE_URL"); v != "" {
		cfg.Archive.BaseURL = v
	}
	if v := os.Getenv("BENCHLENS_ARCHIVE_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.HistoryWindow = n
		}
	}
	if v := os.Getenv("BENCHLENS_ANALYSIS_MODE"); v != "" {
		cfg.Analysis.Mode = models.EngineMode(v)
	}
	if v := os.Getenv("BENCHLENS_RULES_PATH"); v != "" {
		cfg.Analysis.RulesPath = v
	}
	if v := os.Getenv("BENCHLENS_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("BENCHLENS_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("BENCHLENS_MODEL_NAME"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("BENCHLENS_MODEL_PROMPT_PATH"); v != "" {
		cfg.Model.PromptPath = v
	}
	if v := os.Getenv("BENCHLENS_MODEL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Model.Timeout = d
		}
	}
	if v := os.Getenv("BENCHLENS_BATCH_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxBatchSize = n
		}
	}
	if v := os.Getenv("BENCHLENS_BATCH_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxConcurrent = n
		}
	}
	if v := os.Getenv("BENCHLENS_BATCH_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.CacheTTL = d
		}
	}
	if v := os.Getenv("BENCHLENS_JOBS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.Workers = n
		}
	}
	if v := os.Getenv("BENCHLENS_JOBS_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Jobs.Retention = d
		}
	}
	if v := os.Getenv("BENCHLENS_JOBS_STORE"); v != "" {
		cfg.Jobs.Store = v
	}
	if v := os.Getenv("BENCHLENS_JOBS_POSTGRES_DSN"); v != "" {
		cfg.Jobs.PostgresDSN = v
	}
	if v := os.Getenv("BENCHLENS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BENCHLENS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("BENCHLENS_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("BENCHLENS_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("BENCHLENS_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("BENCHLENS_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("BENCHLENS_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("BENCHLENS_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
}
