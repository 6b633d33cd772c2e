package backtester

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/optimization"
	"github.com/atlas-desktop/signal-trader/internal/strategy"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"go.uber.org/zap"
)

// ErrNoWindows is returned when the series is too short for one walk-forward
// window.
var ErrNoWindows = errors.New("series too short for a walk-forward window")

// WalkForwardConfig sizes the rolling windows in bars.
type WalkForwardConfig struct {
	InSample    int `json:"in_sample"`
	OutOfSample int `json:"out_of_sample"`
	// Step advances the window start. Zero means OutOfSample, which makes the
	// out-of-sample segments contiguous.
	Step int `json:"step"`
}

// Validate checks the window sizes.
func (c WalkForwardConfig) Validate() error {
	if c.InSample < 2 {
		return fmt.Errorf("in-sample window must be at least 2 bars, got %d", c.InSample)
	}
	if c.OutOfSample < 1 {
		return fmt.Errorf("out-of-sample window must be at least 1 bar, got %d", c.OutOfSample)
	}
	if c.Step < 0 {
		return fmt.Errorf("step must be non-negative, got %d", c.Step)
	}
	return nil
}

// WalkForwardWindow is the outcome of one optimize-then-verify window.
type WalkForwardWindow struct {
	InSampleStart     time.Time             `json:"in_sample_start"`
	InSampleEnd       time.Time             `json:"in_sample_end"`
	OutOfSampleStart  time.Time             `json:"out_of_sample_start"`
	OutOfSampleEnd    time.Time             `json:"out_of_sample_end"`
	BestParams        optimization.ParamSet `json:"best_params"`
	InSampleReturn    float64               `json:"in_sample_return"`
	OutOfSampleReturn float64               `json:"out_of_sample_return"`
	OutOfSampleTrades int                   `json:"out_of_sample_trades"`
}

// WalkForwardResult aggregates every window.
type WalkForwardResult struct {
	Windows []WalkForwardWindow `json:"windows"`
	// CompoundedReturn chains the out-of-sample gross returns.
	CompoundedReturn float64 `json:"compounded_return"`
	// Efficiency is the per-bar out-of-sample log return divided by the
	// per-bar in-sample log return, clamped to [0, 2].
	Efficiency float64 `json:"efficiency"`
}

type wfWindow struct {
	isStart, oosStart, oosEnd int
}

func (c WalkForwardConfig) windows(n int) []wfWindow {
	step := c.Step
	if step == 0 {
		step = c.OutOfSample
	}
	var out []wfWindow
	for start := 0; start+c.InSample+c.OutOfSample <= n; start += step {
		out = append(out, wfWindow{
			isStart:  start,
			oosStart: start + c.InSample,
			oosEnd:   start + c.InSample + c.OutOfSample,
		})
	}
	return out
}

func slice(series types.TimeSeries, from, to int) types.TimeSeries {
	return types.TimeSeries{Symbol: series.Symbol, Bars: series.Bars[from:to]}
}

// WalkForward grid-searches each in-sample window and evaluates the winner on
// the out-of-sample bars that follow it. The out-of-sample evaluation is fed
// the preceding warm-up bars so that its first position is already defined at
// the first out-of-sample bar. Windows that fail are logged and skipped.
func (b *Backtester) WalkForward(ctx context.Context, axes []optimization.Axis, wf WalkForwardConfig) (*WalkForwardResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	windows := wf.windows(b.series.Len())
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: %d bars, window needs %d", ErrNoWindows, b.series.Len(), wf.InSample+wf.OutOfSample)
	}

	base := b.Config()
	b.logger.Info("starting walk-forward analysis",
		zap.Int("windows", len(windows)),
		zap.Int("in_sample", wf.InSample),
		zap.Int("out_of_sample", wf.OutOfSample),
	)

	result := &WalkForwardResult{CompoundedReturn: 1}
	var isLog, oosLog float64
	var isBars, oosBars int

	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		window, err := b.walkForwardWindow(ctx, axes, base, w)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Warn("walk-forward window failed", zap.Int("window", i), zap.Error(err))
			continue
		}

		result.Windows = append(result.Windows, *window)
		result.CompoundedReturn *= window.OutOfSampleReturn
		isLog += math.Log(window.InSampleReturn)
		oosLog += math.Log(window.OutOfSampleReturn)
		isBars += w.oosStart - w.isStart
		oosBars += w.oosEnd - w.oosStart

		b.logger.Debug("window completed",
			zap.Int("window", i),
			zap.String("params", window.BestParams.String()),
			zap.Float64("in_sample_return", window.InSampleReturn),
			zap.Float64("out_of_sample_return", window.OutOfSampleReturn),
		)
	}

	if len(result.Windows) == 0 {
		return nil, fmt.Errorf("%w: every window failed", ErrNoWindows)
	}
	result.Efficiency = efficiency(isLog, isBars, oosLog, oosBars)

	b.logger.Info("walk-forward analysis complete",
		zap.Int("windows", len(result.Windows)),
		zap.Float64("compounded_return", result.CompoundedReturn),
		zap.Float64("efficiency", result.Efficiency),
	)
	return result, nil
}

func (b *Backtester) walkForwardWindow(ctx context.Context, axes []optimization.Axis, base types.StrategyConfig, w wfWindow) (*WalkForwardWindow, error) {
	inSample, err := New(b.logger, slice(b.series, w.isStart, w.oosStart), base, b.cost,
		WithMetrics(b.metrics), WithOptimizer(b.optimizer))
	if err != nil {
		return nil, err
	}
	opt, isResult, err := inSample.Optimize(ctx, axes)
	if err != nil {
		return nil, err
	}

	best := isResult.Strategy
	s, err := strategy.FromConfig(best)
	if err != nil {
		return nil, err
	}
	from := max(w.oosStart-s.WarmUp(), 0)
	oosResult, err := Evaluate(slice(b.series, from, w.oosEnd), best, b.cost)
	if err != nil {
		return nil, err
	}

	return &WalkForwardWindow{
		InSampleStart:     b.series.Bars[w.isStart].Timestamp,
		InSampleEnd:       b.series.Bars[w.oosStart-1].Timestamp,
		OutOfSampleStart:  b.series.Bars[w.oosStart].Timestamp,
		OutOfSampleEnd:    b.series.Bars[w.oosEnd-1].Timestamp,
		BestParams:        opt.BestParams,
		InSampleReturn:    isResult.FinalStrategyReturn,
		OutOfSampleReturn: oosResult.FinalStrategyReturn,
		OutOfSampleTrades: oosResult.Series.TradeCount,
	}, nil
}

func efficiency(isLog float64, isBars int, oosLog float64, oosBars int) float64 {
	if isBars == 0 || oosBars == 0 || isLog <= 0 {
		return 0
	}
	e := (oosLog / float64(oosBars)) / (isLog / float64(isBars))
	return math.Max(0, math.Min(2, e))
}
