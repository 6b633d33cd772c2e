// Package main runs the research API: asynchronous backtests, grid searches,
// Prometheus metrics and a websocket feed of backtest completions and trades.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/api"
	"github.com/atlas-desktop/signal-trader/internal/app"
	"github.com/atlas-desktop/signal-trader/internal/config"
	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/internal/optimization"
	"github.com/atlas-desktop/signal-trader/internal/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	host := flag.String("host", "", "Override server.host")
	port := flag.Int("port", 0, "Override server.port")
	logLevel := flag.String("log-level", "", "Override log.level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := app.NewLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting signal trader API",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_source", cfg.Data.Source),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sources, err := app.OpenSources(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("Failed to open data sources", zap.Error(err))
	}
	defer sources.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg, "")

	hub := api.NewHub(logger)
	go hub.Run(ctx)

	opts := api.Options{
		Metrics:  metrics,
		Gatherer: reg,
		Optimizer: optimization.NewOptimizer(logger, &optimization.OptimizerConfig{
			Timeout:         cfg.Backtest.Timeout,
			ParallelWorkers: cfg.Backtest.Workers,
		}),
		Workers:    cfg.Backtest.Workers,
		RunTimeout: cfg.Backtest.Timeout,
	}
	if sources.Pool != nil {
		opts.Trades = postgres.NewTradeStore(sources.Pool, logger)
	}

	server := api.NewServer(logger, &cfg.Server, sources.Historical(), hub, opts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
	)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
