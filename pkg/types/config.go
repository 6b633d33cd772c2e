// Package types provides configuration types for the signal trader.
package types

import (
	"errors"
	"fmt"
	"time"
)

// StrategyKind selects the signal family.
type StrategyKind string

const (
	StrategyCrossover     StrategyKind = "crossover"
	StrategyBandReversion StrategyKind = "band-reversion"
)

// ErrUnknownStrategy is returned for a selector outside the supported kinds.
var ErrUnknownStrategy = errors.New("unknown strategy")

// ParseStrategyKind parses a strategy selector string.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch StrategyKind(s) {
	case StrategyCrossover, StrategyBandReversion:
		return StrategyKind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// CrossoverConfig parameterises the moving-average crossover strategy.
type CrossoverConfig struct {
	ShortWindow int `json:"shortWindow" mapstructure:"short_window"`
	LongWindow  int `json:"longWindow" mapstructure:"long_window"`
}

// BandConfig parameterises the Bollinger-band mean reversion strategy.
type BandConfig struct {
	Window          int     `json:"window" mapstructure:"window"`
	WidthMultiplier float64 `json:"widthMultiplier" mapstructure:"width_multiplier"`
}

// StrategyConfig is a tagged variant: exactly one of Crossover or Band is set,
// matching Kind.
type StrategyConfig struct {
	Kind      StrategyKind     `json:"kind"`
	Crossover *CrossoverConfig `json:"crossover,omitempty"`
	Band      *BandConfig      `json:"band,omitempty"`
}

// NewCrossoverConfig builds a crossover StrategyConfig.
func NewCrossoverConfig(short, long int) StrategyConfig {
	return StrategyConfig{
		Kind:      StrategyCrossover,
		Crossover: &CrossoverConfig{ShortWindow: short, LongWindow: long},
	}
}

// NewBandConfig builds a band-reversion StrategyConfig.
func NewBandConfig(window int, multiplier float64) StrategyConfig {
	return StrategyConfig{
		Kind: StrategyBandReversion,
		Band: &BandConfig{Window: window, WidthMultiplier: multiplier},
	}
}

// Validate checks that the variant matches its tag and parameters are usable.
func (c StrategyConfig) Validate() error {
	switch c.Kind {
	case StrategyCrossover:
		if c.Crossover == nil {
			return fmt.Errorf("crossover strategy without crossover parameters")
		}
		if c.Crossover.ShortWindow < 1 || c.Crossover.LongWindow < 1 {
			return fmt.Errorf("crossover windows must be positive, got short=%d long=%d",
				c.Crossover.ShortWindow, c.Crossover.LongWindow)
		}
	case StrategyBandReversion:
		if c.Band == nil {
			return fmt.Errorf("band-reversion strategy without band parameters")
		}
		if c.Band.Window < 2 {
			return fmt.Errorf("band window must be at least 2, got %d", c.Band.Window)
		}
		if c.Band.WidthMultiplier < 0 {
			return fmt.Errorf("band multiplier must be non-negative, got %v", c.Band.WidthMultiplier)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Kind)
	}
	return nil
}

func (c StrategyConfig) String() string {
	switch {
	case c.Kind == StrategyCrossover && c.Crossover != nil:
		return fmt.Sprintf("crossover(short=%d, long=%d)", c.Crossover.ShortWindow, c.Crossover.LongWindow)
	case c.Kind == StrategyBandReversion && c.Band != nil:
		return fmt.Sprintf("band-reversion(window=%d, multiplier=%g)", c.Band.Window, c.Band.WidthMultiplier)
	}
	return string(c.Kind)
}

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Strategy    StrategyConfig `json:"strategy"`
	StartDate   time.Time      `json:"startDate"`
	EndDate     time.Time      `json:"endDate"`
	TradingCost float64        `json:"tradingCost"`
}

// Validate checks the backtest configuration.
func (c BacktestConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("backtest symbol is required")
	}
	if c.TradingCost < 0 {
		return fmt.Errorf("trading cost must be non-negative, got %v", c.TradingCost)
	}
	if !c.StartDate.IsZero() && !c.EndDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("backtest end %s before start %s",
			c.EndDate.Format(time.RFC3339), c.StartDate.Format(time.RFC3339))
	}
	return c.Strategy.Validate()
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}
