package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benchlens/benchlens/internal/api"
	"github.com/benchlens/benchlens/internal/cache"
	"github.com/benchlens/benchlens/internal/classify"
	"github.com/benchlens/benchlens/internal/config"
	"github.com/benchlens/benchlens/internal/engine"
	"github.com/benchlens/benchlens/internal/jobs"
	"github.com/benchlens/benchlens/internal/metrics"
	"github.com/benchlens/benchlens/internal/repo"
	"github.com/benchlens/benchlens/internal/services"
	"github.com/benchlens/benchlens/internal/stats"
	"github.com/benchlens/benchlens/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting analysis engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	archive := repo.NewArchiveClient(cfg.Archive.BaseURL, cfg.Archive.HistoryWindow, cfg.Archive.Timeout)
	archive.UseCache(cacheProvider, 10*time.Minute)

	baseline := stats.NewBaselineEngine(cfg.Analysis.Thresholds.MinHistory)
	classifier := classify.NewClassifier(baseline, cfg.Analysis.Thresholds, logger)

	rulePack, err := engine.LoadRulePack(cfg.Analysis.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load rule pack", slog.Any("error", err))
		os.Exit(1)
	}
	heuristic := engine.NewHeuristicEngine(rulePack, logger)

	var model *engine.ModelEngine
	prompt, err := cfg.Model.SystemPrompt()
	if err != nil {
		logger.Error("failed to load model prompt", slog.Any("error", err))
		os.Exit(1)
	}
	modelCfg := engine.ModelConfig{
		BaseURL:      cfg.Model.BaseURL,
		APIKey:       cfg.Model.APIKey,
		Model:        cfg.Model.Model,
		SystemPrompt: prompt,
		Temperature:  cfg.Model.Temperature,
		Timeout:      cfg.Model.Timeout,
		MaxRetries:   cfg.Model.MaxRetries,
		BackoffBase:  cfg.Model.BackoffBase,
		MaxBackoff:   cfg.Model.MaxBackoff,
	}
	if modelCfg.Enabled() {
		model = engine.NewModelEngine(modelCfg, heuristic, logger)
		logger.Info("model engine configured", slog.String("model", cfg.Model.Model))
	} else {
		logger.Info("model engine not configured, heuristic only")
	}

	selector := engine.NewSelector(model, heuristic, logger)
	batcher := engine.NewBatcher(selector, cacheProvider, engine.BatchConfig{
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		MaxConcurrent: cfg.Batch.MaxConcurrent,
		CacheTTL:      cfg.Batch.CacheTTL,
	}, logger)

	service := services.NewAnalysisService(utils.ComponentLogger(logger, "analysis"), archive, classifier, batcher)

	var store jobs.Store
	switch cfg.Jobs.Store {
	case "", "memory":
		store = jobs.NewMemoryStore(cfg.Jobs.Retention)
	case "postgres":
		pgStore, err := jobs.NewPgStore(context.Background(), cfg.Jobs.PostgresDSN, cfg.Jobs.Retention)
		if err != nil {
			logger.Error("failed to open postgres job store", slog.Any("error", err))
			os.Exit(1)
		}
		store = pgStore
	default:
		logger.Error("unknown job store", slog.String("store", cfg.Jobs.Store))
		os.Exit(1)
	}
	defer store.Close()

	orchestrator := jobs.NewOrchestrator(jobs.Config{
		Workers:        cfg.Jobs.Workers,
		QueueDepth:     cfg.Jobs.QueueDepth,
		Retention:      cfg.Jobs.Retention,
		MaxMissingRuns: cfg.Jobs.MaxMissingRuns,
	}, store, service, utils.ComponentLogger(logger, "jobs"))

	handler := api.NewAPI(orchestrator, service, utils.ComponentLogger(logger, "api")).Handler()
	server, err := api.NewServer(cfg.Server, handler)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	orchestrator.Shutdown()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("analysis engine stopped")
}
