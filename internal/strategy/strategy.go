// Package strategy provides trading strategy implementations.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/pkg/types"
)

// Strategy turns a price series into a committed position series.
type Strategy interface {
	Name() string
	Config() types.StrategyConfig
	// WarmUp is the number of bars needed before the first position exists.
	WarmUp() int
	ComputeIndicators(cache *indicators.Cache) (IndicatorSet, error)
	ComputeSignal(prices []float64, set IndicatorSet) types.PositionSeries
}

// IndicatorSet holds named derived columns aligned 1:1 with the prices.
type IndicatorSet struct {
	Order   []string
	Columns map[string][]indicators.Value
}

func newIndicatorSet() IndicatorSet {
	return IndicatorSet{Columns: make(map[string][]indicators.Value)}
}

func (s *IndicatorSet) add(name string, col []indicators.Value) {
	s.Order = append(s.Order, name)
	s.Columns[name] = col
}

// Column returns a named column.
func (s IndicatorSet) Column(name string) []indicators.Value {
	return s.Columns[name]
}

// FirstDefined returns the first index where every column is defined, or -1.
func (s IndicatorSet) FirstDefined() int {
	cols := make([][]indicators.Value, 0, len(s.Order))
	for _, name := range s.Order {
		cols = append(cols, s.Columns[name])
	}
	return indicators.FirstDefined(cols...)
}

// Positions runs indicators and signal generation over the cached prices.
func Positions(s Strategy, cache *indicators.Cache) (types.PositionSeries, IndicatorSet, error) {
	set, err := s.ComputeIndicators(cache)
	if err != nil {
		return types.PositionSeries{}, IndicatorSet{}, fmt.Errorf("%s indicators: %w", s.Name(), err)
	}
	return s.ComputeSignal(cache.Prices(), set), set, nil
}

// Factory builds a strategy from its configuration.
type Factory func(cfg types.StrategyConfig) (Strategy, error)

// StrategyRegistry manages available strategies.
type StrategyRegistry struct {
	mu        sync.RWMutex
	factories map[types.StrategyKind]Factory
}

// NewStrategyRegistry creates a registry with the built-in strategies.
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{factories: make(map[types.StrategyKind]Factory)}

	r.Register(types.StrategyCrossover, func(cfg types.StrategyConfig) (Strategy, error) {
		return NewCrossover(*cfg.Crossover), nil
	})
	r.Register(types.StrategyBandReversion, func(cfg types.StrategyConfig) (Strategy, error) {
		return NewBandReversion(*cfg.Band), nil
	})

	return r
}

// Register registers a strategy factory.
func (r *StrategyRegistry) Register(kind types.StrategyKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Create validates cfg and builds the matching strategy.
func (r *StrategyRegistry) Create(cfg types.StrategyConfig) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownStrategy, cfg.Kind)
	}
	return factory(cfg)
}

// List returns all registered strategy names.
func (r *StrategyRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		names = append(names, string(kind))
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewStrategyRegistry()

// FromConfig builds a strategy using the built-in registry.
func FromConfig(cfg types.StrategyConfig) (Strategy, error) {
	return defaultRegistry.Create(cfg)
}

// Parameter names used by the optimizer axes.
const (
	ParamShortWindow = "short_window"
	ParamLongWindow  = "long_window"
	ParamWindow      = "window"
	ParamMultiplier  = "multiplier"
)

// ParamNames returns the tunable parameter names of a strategy kind in axis order.
func ParamNames(kind types.StrategyKind) ([]string, error) {
	switch kind {
	case types.StrategyCrossover:
		return []string{ParamShortWindow, ParamLongWindow}, nil
	case types.StrategyBandReversion:
		return []string{ParamWindow, ParamMultiplier}, nil
	}
	return nil, fmt.Errorf("%w: %q", types.ErrUnknownStrategy, kind)
}

// ConfigFromParams binds a parameter set to a StrategyConfig of the given kind.
func ConfigFromParams(kind types.StrategyKind, params map[string]float64) (types.StrategyConfig, error) {
	var cfg types.StrategyConfig
	switch kind {
	case types.StrategyCrossover:
		short, err := intParam(params, ParamShortWindow)
		if err != nil {
			return cfg, err
		}
		long, err := intParam(params, ParamLongWindow)
		if err != nil {
			return cfg, err
		}
		cfg = types.NewCrossoverConfig(short, long)
	case types.StrategyBandReversion:
		window, err := intParam(params, ParamWindow)
		if err != nil {
			return cfg, err
		}
		mult, ok := params[ParamMultiplier]
		if !ok {
			return cfg, fmt.Errorf("missing parameter %q", ParamMultiplier)
		}
		cfg = types.NewBandConfig(window, mult)
	default:
		return cfg, fmt.Errorf("%w: %q", types.ErrUnknownStrategy, kind)
	}
	return cfg, cfg.Validate()
}

// ParamsFromConfig is the inverse of ConfigFromParams.
func ParamsFromConfig(cfg types.StrategyConfig) map[string]float64 {
	switch {
	case cfg.Kind == types.StrategyCrossover && cfg.Crossover != nil:
		return map[string]float64{
			ParamShortWindow: float64(cfg.Crossover.ShortWindow),
			ParamLongWindow:  float64(cfg.Crossover.LongWindow),
		}
	case cfg.Kind == types.StrategyBandReversion && cfg.Band != nil:
		return map[string]float64{
			ParamWindow:     float64(cfg.Band.Window),
			ParamMultiplier: cfg.Band.WidthMultiplier,
		}
	}
	return nil
}

func intParam(params map[string]float64, name string) (int, error) {
	v, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("parameter %q must be integral, got %v", name, v)
	}
	return int(v), nil
}
