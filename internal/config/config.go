// Package config loads the application configuration from YAML files and
// TRADER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/broker"
	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TRADER_LIVE_INSTRUMENT.
const EnvPrefix = "TRADER"

// Log configures the process logger.
type Log struct {
	Level string `mapstructure:"level"`
}

// Data selects where historical series are read from.
type Data struct {
	Source string `mapstructure:"source"` // "file" or "postgres"
	Dir    string `mapstructure:"dir"`
}

// Backtest holds defaults for research runs.
type Backtest struct {
	Symbol      string        `mapstructure:"symbol"`
	Start       string        `mapstructure:"start"`
	End         string        `mapstructure:"end"`
	TradingCost float64       `mapstructure:"trading_cost"`
	Workers     int           `mapstructure:"workers"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Backfill tunes the historical warm-up of a live session.
type Backfill struct {
	Lookback    time.Duration `mapstructure:"lookback"`
	Granularity string        `mapstructure:"granularity"`
	PriceSide   string        `mapstructure:"price_side"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// Live configures a live trading session.
type Live struct {
	Instrument     string            `mapstructure:"instrument"`
	BarLength      time.Duration     `mapstructure:"bar_length"`
	Units          int64             `mapstructure:"units"`
	MaxTicks       int               `mapstructure:"max_ticks"`
	MaxOrderUnits  int64             `mapstructure:"max_order_units"`
	Paper          bool              `mapstructure:"paper"`
	Feed           string            `mapstructure:"feed"` // "broker" or "websocket"
	WebSocket      data.WSFeedConfig `mapstructure:"websocket"`
	FlattenTimeout time.Duration     `mapstructure:"flatten_timeout"`
	Backfill       Backfill          `mapstructure:"backfill"`
}

// Strategy selects the active signal and its parameters.
type Strategy struct {
	Kind        string  `mapstructure:"kind"`
	ShortWindow int     `mapstructure:"short_window"`
	LongWindow  int     `mapstructure:"long_window"`
	Window      int     `mapstructure:"window"`
	Multiplier  float64 `mapstructure:"multiplier"`
}

// Build converts the selector and parameters into a StrategyConfig.
func (s Strategy) Build() (types.StrategyConfig, error) {
	kind, err := types.ParseStrategyKind(s.Kind)
	if err != nil {
		return types.StrategyConfig{}, err
	}

	var cfg types.StrategyConfig
	switch kind {
	case types.StrategyCrossover:
		cfg = types.NewCrossoverConfig(s.ShortWindow, s.LongWindow)
	case types.StrategyBandReversion:
		cfg = types.NewBandConfig(s.Window, s.Multiplier)
	}
	return cfg, cfg.Validate()
}

// Postgres configures the optional SQL store.
type Postgres struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Config collects every configuration section.
type Config struct {
	Log      Log                `mapstructure:"log"`
	Server   types.ServerConfig `mapstructure:"server"`
	Data     Data               `mapstructure:"data"`
	Backtest Backtest           `mapstructure:"backtest"`
	Live     Live               `mapstructure:"live"`
	Strategy Strategy           `mapstructure:"strategy"`
	Broker   broker.Config      `mapstructure:"broker"`
	Postgres Postgres           `mapstructure:"postgres"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("data.source", "file")
	v.SetDefault("data.dir", "./data")

	v.SetDefault("backtest.symbol", "EURUSD=X")
	v.SetDefault("backtest.trading_cost", 0.0)
	v.SetDefault("backtest.workers", 4)
	v.SetDefault("backtest.timeout", 5*time.Minute)

	v.SetDefault("live.instrument", "EUR_USD")
	v.SetDefault("live.bar_length", time.Minute)
	v.SetDefault("live.units", 100000)
	v.SetDefault("live.max_ticks", 0)
	v.SetDefault("live.max_order_units", 0)
	v.SetDefault("live.paper", true)
	v.SetDefault("live.feed", "broker")
	v.SetDefault("live.websocket.url", "")
	v.SetDefault("live.websocket.handshake_timeout", 10*time.Second)
	v.SetDefault("live.websocket.buffer_size", 100)
	v.SetDefault("live.flatten_timeout", 30*time.Second)
	v.SetDefault("live.backfill.lookback", 5*24*time.Hour)
	v.SetDefault("live.backfill.granularity", "S5")
	v.SetDefault("live.backfill.price_side", "M")
	v.SetDefault("live.backfill.max_attempts", 30)
	v.SetDefault("live.backfill.retry_delay", 2*time.Second)

	v.SetDefault("strategy.kind", string(types.StrategyCrossover))
	v.SetDefault("strategy.short_window", 50)
	v.SetDefault("strategy.long_window", 200)
	v.SetDefault("strategy.window", 30)
	v.SetDefault("strategy.multiplier", 2.0)

	v.SetDefault("broker.base_url", broker.PracticeURL)
	v.SetDefault("broker.stream_url", broker.PracticeStreamURL)
	v.SetDefault("broker.account_id", "")
	v.SetDefault("broker.token", "")
	v.SetDefault("broker.timeout", 30*time.Second)
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.initial_delay", 100*time.Millisecond)
	v.SetDefault("broker.retry.max_delay", 2*time.Second)
	v.SetDefault("broker.retry.multiplier", 2.0)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 4)
}

// Load reads the YAML file at path, if any, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Strategy.Build(); err != nil {
		errs = append(errs, fmt.Errorf("strategy: %w", err))
	}
	if c.Backtest.TradingCost < 0 {
		errs = append(errs, fmt.Errorf("backtest.trading_cost must be non-negative, got %v", c.Backtest.TradingCost))
	}
	if c.Backtest.Workers < 1 {
		errs = append(errs, fmt.Errorf("backtest.workers must be positive, got %d", c.Backtest.Workers))
	}
	if c.Live.BarLength <= 0 {
		errs = append(errs, fmt.Errorf("live.bar_length must be positive, got %s", c.Live.BarLength))
	}
	if c.Live.Units <= 0 {
		errs = append(errs, fmt.Errorf("live.units must be positive, got %d", c.Live.Units))
	}
	// A flip from long to short trades twice the position size.
	if c.Live.MaxOrderUnits < 0 || (c.Live.MaxOrderUnits != 0 && c.Live.MaxOrderUnits < 2*c.Live.Units) {
		errs = append(errs, fmt.Errorf("live.max_order_units must be 0 or at least 2*live.units (%d), got %d",
			2*c.Live.Units, c.Live.MaxOrderUnits))
	}
	if c.Live.MaxTicks < 0 {
		errs = append(errs, fmt.Errorf("live.max_ticks must be non-negative, got %d", c.Live.MaxTicks))
	}
	if _, err := broker.GranularityDuration(c.Live.Backfill.Granularity); err != nil {
		errs = append(errs, fmt.Errorf("live.backfill.granularity: %w", err))
	}
	switch c.Live.Feed {
	case "broker":
	case "websocket":
		if c.Live.WebSocket.URL == "" {
			errs = append(errs, fmt.Errorf("live.websocket.url is required for the websocket feed"))
		}
	default:
		errs = append(errs, fmt.Errorf("live.feed must be broker or websocket, got %q", c.Live.Feed))
	}
	switch c.Data.Source {
	case "file":
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("postgres.dsn is required when data.source is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("data.source must be file or postgres, got %q", c.Data.Source))
	}

	return errors.Join(errs...)
}
