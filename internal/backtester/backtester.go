package backtester

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/internal/optimization"
	"github.com/atlas-desktop/signal-trader/internal/strategy"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backtester is a research session over one read-only price series. It keeps
// the bound strategy, the indicator cache and the last result.
type Backtester struct {
	mu        sync.Mutex
	logger    *zap.Logger
	metrics   *observability.Metrics
	optimizer *optimization.Optimizer

	series types.TimeSeries
	cache  *indicators.Cache
	cost   float64

	strategy strategy.Strategy
	result   *Result
}

// Option configures a Backtester.
type Option func(*Backtester)

// WithMetrics records runs on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Backtester) { b.metrics = m }
}

// WithOptimizer sets the optimizer used by Optimize.
func WithOptimizer(o *optimization.Optimizer) Option {
	return func(b *Backtester) { b.optimizer = o }
}

// New creates a session for series bound to cfg.
func New(logger *zap.Logger, series types.TimeSeries, cfg types.StrategyConfig, cost float64, opts ...Option) (*Backtester, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	if cost < 0 {
		return nil, fmt.Errorf("trading cost must be non-negative, got %v", cost)
	}

	s, err := strategy.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	b := &Backtester{
		logger:   logger.Named("backtester").With(zap.String("symbol", series.Symbol)),
		series:   series,
		cache:    indicators.NewCache(series.Prices()),
		cost:     cost,
		strategy: s,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.optimizer == nil {
		b.optimizer = optimization.NewOptimizer(logger, nil)
	}
	return b, nil
}

// SetConfig rebinds the strategy parameters. Indicator columns for windows
// already computed are reused.
func (b *Backtester) SetConfig(cfg types.StrategyConfig) error {
	s, err := strategy.FromConfig(cfg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategy = s
	b.result = nil
	return nil
}

// Config returns the bound strategy configuration.
func (b *Backtester) Config() types.StrategyConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy.Config()
}

// Series returns the session's price series.
func (b *Backtester) Series() types.TimeSeries {
	return b.series
}

// Test runs the bound strategy and stores the result.
func (b *Backtester) Test(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	s := b.strategy
	b.mu.Unlock()

	res, err := b.run(s)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.result = res
	b.mu.Unlock()

	b.logger.Info("backtest completed",
		zap.String("id", res.ID),
		zap.Stringer("strategy", res.Strategy),
		zap.Float64("strategy_return", res.FinalStrategyReturn),
		zap.Float64("buy_hold_return", res.FinalBuyHoldReturn),
		zap.Int("trades", res.Series.TradeCount),
	)
	return res, nil
}

// Results returns the most recent result of Test or Optimize.
func (b *Backtester) Results() (*Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result, b.result != nil
}

// Optimize grid-searches the parameters of the bound strategy kind, scoring
// each combination by its final strategy return. Parameters without an axis
// keep their bound value. The winning configuration is left bound with its
// result computed.
func (b *Backtester) Optimize(ctx context.Context, axes []optimization.Axis) (*optimization.OptimizationResult, *Result, error) {
	current := b.Config()
	kind := current.Kind
	base := strategy.ParamsFromConfig(current)
	bind := func(params optimization.ParamSet) (types.StrategyConfig, error) {
		merged := make(map[string]float64, len(base))
		for k, v := range base {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
		return strategy.ConfigFromParams(kind, merged)
	}

	names, err := strategy.ParamNames(kind)
	if err != nil {
		return nil, nil, err
	}
	if err := checkAxes(kind, names, axes); err != nil {
		return nil, nil, err
	}

	opt, err := b.optimizer.GridSearch(ctx, axes, func(ctx context.Context, params optimization.ParamSet) (float64, error) {
		cfg, err := bind(params)
		if err != nil {
			return 0, err
		}
		s, err := strategy.FromConfig(cfg)
		if err != nil {
			return 0, err
		}
		res, err := b.run(s)
		if err != nil {
			return 0, err
		}
		return res.FinalStrategyReturn, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("optimize %s: %w", kind, err)
	}
	b.metrics.RecordOptimization(opt.Iterations, opt.Duration)

	best, err := bind(opt.BestParams)
	if err != nil {
		return nil, nil, err
	}
	if err := b.SetConfig(best); err != nil {
		return nil, nil, err
	}
	res, err := b.Test(ctx)
	if err != nil {
		return nil, nil, err
	}
	return opt, res, nil
}

func (b *Backtester) run(s strategy.Strategy) (*Result, error) {
	start := time.Now()
	res, err := evaluate(b.series, s, b.cache, b.cost)
	b.metrics.RecordBacktest(s.Name(), time.Since(start), err)
	return res, err
}

// Evaluate backtests cfg over series without any shared state.
func Evaluate(series types.TimeSeries, cfg types.StrategyConfig, cost float64) (*Result, error) {
	s, err := strategy.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return evaluate(series, s, indicators.NewCache(series.Prices()), cost)
}

func evaluate(series types.TimeSeries, s strategy.Strategy, cache *indicators.Cache, cost float64) (*Result, error) {
	positions, _, err := strategy.Positions(s, cache)
	if err != nil {
		return nil, err
	}
	res, err := Run(series, positions, cost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Config(), err)
	}
	res.ID = uuid.NewString()
	res.Strategy = s.Config()
	return res, nil
}

func checkAxes(kind types.StrategyKind, names []string, axes []optimization.Axis) error {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	for _, a := range axes {
		if !allowed[a.Name] {
			return fmt.Errorf("%w: %s has no parameter %q (want %v)", optimization.ErrInvalidAxis, kind, a.Name, names)
		}
	}
	return nil
}
