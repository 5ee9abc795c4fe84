// Package main provides the entry point for the backtest lab server:
// grid search optimization, walk-forward validation, Monte Carlo
// simulation, regime detection, and multi-asset portfolio simulation
// behind an HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/api"
	"github.com/atlas-desktop/backtest-lab/internal/config"
	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/executor"
	"github.com/atlas-desktop/backtest-lab/internal/gridsearch"
	"github.com/atlas-desktop/backtest-lab/internal/jobs"
	"github.com/atlas-desktop/backtest-lab/internal/montecarlo"
	"github.com/atlas-desktop/backtest-lab/internal/portfolio"
	"github.com/atlas-desktop/backtest-lab/internal/regime"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/internal/walkforward"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := setupLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting backtest lab",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("dataDir", cfg.Data.Dir),
		zap.Int("maxCombinations", cfg.Guard.MaxCombinations),
	)

	// Metrics registry shared by the queue and the /metrics endpoint
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Bar store with deterministic synthetic fallback
	synthetic := data.NewSyntheticGenerator(cfg.Data.SyntheticSeed)
	store, err := data.NewStore(logger, cfg.Data.Dir, synthetic)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}

	results := data.NewResultStore(cfg.Data.MaxStoredRuns)

	strategyRegistry := strategy.NewRegistry(logger)
	logger.Info("Registered strategies",
		zap.Strings("strategies", strategyRegistry.List()),
	)

	exec := executor.New(strategyRegistry, logger)

	deps := &jobs.Deps{
		Provider: store,
		Quality:  data.NewQualityValidator(logger),
		Results:  results,
		Guard:    cfg.Guard,
		Logger:   logger,
	}

	queue := jobs.NewQueue(cfg.Guard, jobs.NewMetrics(registry), logger)
	queue.RegisterHandler(jobs.NewOptimizationHandler(gridsearch.New(exec, cfg.Guard, logger), deps))
	queue.RegisterHandler(jobs.NewWalkForwardHandler(walkforward.New(exec, logger), deps))
	queue.RegisterHandler(jobs.NewMonteCarloHandler(montecarlo.New(logger), exec, deps))
	queue.RegisterHandler(jobs.NewRegimeHandler(regime.New(logger), deps))
	queue.RegisterHandler(jobs.NewMultiAssetHandler(portfolio.NewOrchestrator(strategyRegistry, logger), deps))

	server := api.NewServer(logger, &cfg.Server, api.Deps{
		Queue:    queue,
		Results:  results,
		Store:    store,
		Registry: strategyRegistry,
		Executor: exec,
		Gatherer: registry,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	// Let an in-flight job reach a terminal state before exiting
	done := make(chan struct{})
	go func() {
		queue.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for running job")
	}

	logger.Info("Server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
