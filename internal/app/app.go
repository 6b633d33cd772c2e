// Package app wires configuration into the shared services used by the
// command line programs.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/config"
	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/atlas-desktop/signal-trader/internal/storage/postgres"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the console logger used by every binary.
func NewLogger(level string) *zap.Logger {
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

	cfg := zap.Config{
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
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return zap.NewNop()
	}
	return logger
}

// Sources are the historical stores selected by the configuration. Prices is
// nil unless data.source is postgres; Files is always available.
type Sources struct {
	Files  *data.Store
	Pool   *postgres.Pool
	Prices *postgres.PriceStore

	logger *zap.Logger
}

// Historical returns the source selected by data.source.
func (s *Sources) Historical() data.HistoricalSource {
	if s.Prices != nil {
		return s.Prices
	}
	return s.Files
}

// Close releases the database pool, if any.
func (s *Sources) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenSources opens the file store and, when configured, the Postgres store.
func OpenSources(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Sources, error) {
	files, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		return nil, err
	}
	sources := &Sources{Files: files, logger: logger.Named("sources")}

	if cfg.Data.Source == "postgres" {
		pool, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		sources.Pool = pool
		sources.Prices = postgres.NewPriceStore(pool)
	}
	return sources, nil
}

// OpenPostgres connects to Postgres and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg config.Postgres) (*postgres.Pool, error) {
	pool, err := postgres.NewPool(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := pool.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ImportCSV loads a wide CSV into the file store, logs a quality report per
// series and, when Postgres is the selected source, copies every imported
// series into it.
func (s *Sources) ImportCSV(ctx context.Context, path string) ([]string, error) {
	symbols, err := s.Files.ImportCSVFile(path)
	if err != nil {
		return nil, err
	}

	for _, sym := range symbols {
		series, err := s.Files.Fetch(ctx, sym, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
		data.LogQuality(s.logger, data.CheckQuality(series, data.DefaultQualityConfig()))
		if s.Prices == nil {
			continue
		}
		if err := s.Prices.SaveSeries(ctx, series); err != nil {
			return nil, fmt.Errorf("copy %s to postgres: %w", sym, err)
		}
	}
	return symbols, nil
}
