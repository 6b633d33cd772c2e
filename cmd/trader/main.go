// Package main runs a live trading session: it backfills history, trades the
// quote stream and flattens any open position before exiting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/api"
	"github.com/atlas-desktop/signal-trader/internal/app"
	"github.com/atlas-desktop/signal-trader/internal/broker"
	"github.com/atlas-desktop/signal-trader/internal/config"
	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/atlas-desktop/signal-trader/internal/events"
	"github.com/atlas-desktop/signal-trader/internal/execution"
	"github.com/atlas-desktop/signal-trader/internal/live"
	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/internal/storage/postgres"
	"github.com/atlas-desktop/signal-trader/internal/strategy"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	ticks := flag.Int("ticks", -1, "Override live.max_ticks (0 trades until interrupted)")
	logLevel := flag.String("log-level", "", "Override log.level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *ticks >= 0 {
		cfg.Live.MaxTicks = *ticks
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := app.NewLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Live session failed", zap.Error(err))
		os.Exit(1)
	}
}

// liveConfig converts the loaded settings into a session configuration.
func liveConfig(cfg *config.Config) live.Config {
	backfill := live.DefaultBackfillConfig()
	backfill.Lookback = cfg.Live.Backfill.Lookback
	backfill.Granularity = cfg.Live.Backfill.Granularity
	backfill.PriceSide = cfg.Live.Backfill.PriceSide
	backfill.MaxAttempts = cfg.Live.Backfill.MaxAttempts
	backfill.InitialDelay = cfg.Live.Backfill.RetryDelay
	backfill.MaxDelay = cfg.Live.Backfill.RetryDelay

	return live.Config{
		Instrument:     cfg.Live.Instrument,
		BarLength:      cfg.Live.BarLength,
		Units:          decimal.NewFromInt(cfg.Live.Units),
		MaxTicks:       cfg.Live.MaxTicks,
		Backfill:       backfill,
		FlattenTimeout: cfg.Live.FlattenTimeout,
	}
}

// tickSource picks the quote feed named by live.feed.
func tickSource(logger *zap.Logger, cfg *config.Config, client *broker.Client) live.TickSubscriber {
	if cfg.Live.Feed == "websocket" {
		return data.NewWSFeed(logger, cfg.Live.WebSocket)
	}
	return client
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	strategyCfg, err := cfg.Strategy.Build()
	if err != nil {
		return err
	}
	strat, err := strategy.FromConfig(strategyCfg)
	if err != nil {
		return err
	}

	client := broker.NewClient(logger, cfg.Broker)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg, "")

	bus := events.NewBus(logger)
	bus.Subscribe("log", events.NewLogReporter(logger))
	bus.Subscribe("metrics", metrics)

	if cfg.Postgres.DSN != "" {
		pool, err := app.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pool.Close()
		bus.Subscribe("trade-store", postgres.NewTradeStore(pool, logger))
	}

	var venue execution.OrderExecutor = client
	opts := []live.Option{live.WithMetrics(metrics)}
	if cfg.Live.Paper {
		paper := execution.NewPaperExecutor(logger)
		venue = paper
		opts = append(opts, live.WithQuoteObserver(paper))
	}
	executor := execution.NewExecutor(logger, venue, execution.ExecutorConfig{
		MaxOrderUnits: decimal.NewFromInt(cfg.Live.MaxOrderUnits),
	})

	if cfg.Server.EnableMetrics {
		hub := api.NewHub(logger)
		go hub.Run(ctx)
		bus.Subscribe("websocket", hub)

		srv := monitorServer(cfg, reg, hub)
		go func() {
			logger.Info("Serving session monitor", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Monitor server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	trader, err := live.NewTrader(logger, liveConfig(cfg), strat, client, tickSource(logger, cfg, client), executor, bus, opts...)
	if err != nil {
		return err
	}

	logger.Info("Starting live session",
		zap.String("instrument", cfg.Live.Instrument),
		zap.String("strategy", strategyCfg.String()),
		zap.Bool("paper", cfg.Live.Paper),
		zap.String("feed", cfg.Live.Feed),
	)

	runErr := trader.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	session := trader.Session()
	logger.Info("Live session finished",
		zap.String("position", session.CurrentPosition.String()),
		zap.Int("trades", len(session.TradeLog)),
		zap.Int("bars", len(session.CommittedBars)),
		zap.String("realized_pl", session.CumulativeRealizedPL.String()),
	)
	return runErr
}

// monitorServer exposes /metrics and the trade websocket of a live session.
func monitorServer(cfg *config.Config, gatherer prometheus.Gatherer, hub *api.Hub) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", observability.Handler(gatherer)).Methods("GET")
	path := cfg.Server.WebSocketPath
	if path == "" {
		path = "/ws"
	}
	router.HandleFunc(path, hub.ServeWS)

	return &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
}
