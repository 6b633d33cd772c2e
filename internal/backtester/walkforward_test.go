package backtester_test

import (
	"context"
	"math"
	"testing"

	"github.com/atlas-desktop/signal-trader/internal/backtester"
	"github.com/atlas-desktop/signal-trader/internal/optimization"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWalkForwardWindows(t *testing.T) {
	series := waveSeries(300)
	bt, err := backtester.New(zap.NewNop(), series, types.NewCrossoverConfig(5, 20), 0.0002)
	require.NoError(t, err)

	wf, err := bt.WalkForward(context.Background(), []optimization.Axis{
		{Name: "short_window", Start: 5, End: 6, Step: 1},
	}, backtester.WalkForwardConfig{InSample: 100, OutOfSample: 50})
	require.NoError(t, err)
	require.Len(t, wf.Windows, 4)

	full, err := backtester.Evaluate(series, types.NewCrossoverConfig(5, 20), 0.0002)
	require.NoError(t, err)

	compounded := 1.0
	for i, w := range wf.Windows {
		isStart := i * 50
		oosStart := isStart + 100
		assert.Equal(t, series.Bars[isStart].Timestamp, w.InSampleStart)
		assert.Equal(t, series.Bars[oosStart-1].Timestamp, w.InSampleEnd)
		assert.Equal(t, series.Bars[oosStart].Timestamp, w.OutOfSampleStart)
		assert.Equal(t, series.Bars[oosStart+49].Timestamp, w.OutOfSampleEnd)
		assert.Equal(t, optimization.ParamSet{"short_window": 5}, w.BestParams)

		// Full-series bar t sits at index t-20 of the evaluated columns.
		var sum float64
		for k := oosStart - 20; k < oosStart+50-20; k++ {
			sum += full.Series.StrategyReturns[k]
		}
		assert.InDelta(t, math.Exp(sum), w.OutOfSampleReturn, 1e-9, "window %d", i)
		compounded *= w.OutOfSampleReturn
	}
	assert.InDelta(t, compounded, wf.CompoundedReturn, 1e-12)
	assert.GreaterOrEqual(t, wf.Efficiency, 0.0)
	assert.LessOrEqual(t, wf.Efficiency, 2.0)

	// The session keeps its own binding.
	assert.Equal(t, types.NewCrossoverConfig(5, 20), bt.Config())
}

func TestWalkForwardStep(t *testing.T) {
	bt, err := backtester.New(zap.NewNop(), waveSeries(200), types.NewBandConfig(10, 1.5), 0)
	require.NoError(t, err)

	wf, err := bt.WalkForward(context.Background(), []optimization.Axis{
		{Name: "window", Start: 10, End: 30, Step: 10},
	}, backtester.WalkForwardConfig{InSample: 80, OutOfSample: 20, Step: 40})
	require.NoError(t, err)
	// Starts 0, 40, 80.
	assert.Len(t, wf.Windows, 3)
}

func TestWalkForwardTooShort(t *testing.T) {
	bt, err := backtester.New(zap.NewNop(), waveSeries(50), types.NewCrossoverConfig(5, 20), 0)
	require.NoError(t, err)

	_, err = bt.WalkForward(context.Background(), []optimization.Axis{
		{Name: "short_window", Start: 5, End: 6, Step: 1},
	}, backtester.WalkForwardConfig{InSample: 40, OutOfSample: 20})
	assert.ErrorIs(t, err, backtester.ErrNoWindows)
}

func TestWalkForwardEveryWindowFails(t *testing.T) {
	bt, err := backtester.New(zap.NewNop(), waveSeries(120), types.NewCrossoverConfig(5, 50), 0)
	require.NoError(t, err)

	// A 30-bar in-sample window cannot warm up a 50-bar average.
	_, err = bt.WalkForward(context.Background(), []optimization.Axis{
		{Name: "short_window", Start: 5, End: 6, Step: 1},
	}, backtester.WalkForwardConfig{InSample: 30, OutOfSample: 30})
	assert.ErrorIs(t, err, backtester.ErrNoWindows)
}

func TestWalkForwardConfigValidate(t *testing.T) {
	assert.Error(t, backtester.WalkForwardConfig{InSample: 1, OutOfSample: 5}.Validate())
	assert.Error(t, backtester.WalkForwardConfig{InSample: 10, OutOfSample: 0}.Validate())
	assert.Error(t, backtester.WalkForwardConfig{InSample: 10, OutOfSample: 5, Step: -1}.Validate())
	assert.NoError(t, backtester.WalkForwardConfig{InSample: 10, OutOfSample: 5}.Validate())
}

func TestWalkForwardCancelled(t *testing.T) {
	bt, err := backtester.New(zap.NewNop(), waveSeries(300), types.NewCrossoverConfig(5, 20), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bt.WalkForward(ctx, []optimization.Axis{
		{Name: "short_window", Start: 5, End: 6, Step: 1},
	}, backtester.WalkForwardConfig{InSample: 100, OutOfSample: 50})
	assert.ErrorIs(t, err, context.Canceled)
}
