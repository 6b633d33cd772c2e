package strategy

import (
	"math"
	"testing"

	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func positionsFor(t *testing.T, cfg types.StrategyConfig, prices []float64) types.PositionSeries {
	t.Helper()
	s, err := FromConfig(cfg)
	require.NoError(t, err)
	out, _, err := Positions(s, indicators.NewCache(prices))
	require.NoError(t, err)
	return out
}

func repeat(p types.Position, n int) []types.Position {
	out := make([]types.Position, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func TestCrossoverMonotoneIncreasingIsLong(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	out := positionsFor(t, types.NewCrossoverConfig(2, 4), prices)

	assert.Equal(t, 3, out.Start)
	assert.Equal(t, repeat(types.Long, 7), out.Positions)
}

func TestCrossoverMonotoneDecreasingIsShort(t *testing.T) {
	prices := []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	out := positionsFor(t, types.NewCrossoverConfig(2, 4), prices)

	assert.Equal(t, 3, out.Start)
	assert.Equal(t, repeat(types.Short, 7), out.Positions)
}

func TestCrossoverEqualAveragesIsShort(t *testing.T) {
	prices := []float64{5, 5, 5, 5, 5}
	out := positionsFor(t, types.NewCrossoverConfig(2, 3), prices)

	assert.Equal(t, repeat(types.Short, 3), out.Positions)
}

func TestCrossoverWindowLongerThanSeries(t *testing.T) {
	prices := []float64{1, 2, 3}
	out := positionsFor(t, types.NewCrossoverConfig(2, 5), prices)

	assert.Equal(t, len(prices), out.Start)
	assert.Empty(t, out.Positions)
	_, ok := out.Last()
	assert.False(t, ok)
}

func TestBandReversionEntryThenExit(t *testing.T) {
	prices := []float64{100, 100, 100, 100, 90, 100, 100, 100, 100, 100}
	out := positionsFor(t, types.NewBandConfig(5, 1.5), prices)

	require.Equal(t, 4, out.Start)
	want := append([]types.Position{types.Long}, repeat(types.Flat, 5)...)
	assert.Equal(t, want, out.Positions)
}

// dropAfterFlat is 30 bars at 100, one bar at 90, then 100 again.
func dropAfterFlat() []float64 {
	prices := make([]float64, 0, 34)
	for i := 0; i < 30; i++ {
		prices = append(prices, 100)
	}
	return append(prices, 90, 100, 100, 100)
}

func TestBandReversionDropInsideWideBandStaysFlat(t *testing.T) {
	prices := dropAfterFlat()
	s, err := FromConfig(types.NewBandConfig(5, 2))
	require.NoError(t, err)
	set, err := s.ComputeIndicators(indicators.NewCache(prices))
	require.NoError(t, err)

	// The trailing window includes the 90, so the band has widened to
	// 98 - 2*sqrt(20) by the time the drop is tested.
	lower := set.Column(ColLower)[30]
	require.True(t, lower.OK)
	assert.InDelta(t, 98-2*math.Sqrt(20), lower.V, 1e-9)
	assert.Greater(t, prices[30], lower.V)

	out := positionsFor(t, types.NewBandConfig(5, 2), prices)
	require.Equal(t, 4, out.Start)
	assert.Equal(t, repeat(types.Flat, 4), out.Positions[30-out.Start:])
}

func TestBandReversionDropBelowNarrowBandFlipsLongThenFlat(t *testing.T) {
	out := positionsFor(t, types.NewBandConfig(5, 1.5), dropAfterFlat())

	require.Equal(t, 4, out.Start)
	assert.Equal(t, repeat(types.Flat, 26), out.Positions[:30-out.Start])
	assert.Equal(t, []types.Position{types.Long, types.Flat, types.Flat, types.Flat}, out.Positions[30-out.Start:])
}

func TestBandReversionShortEntryUsesUpperBand(t *testing.T) {
	prices := []float64{100, 100, 100, 100, 110, 100, 100}
	out := positionsFor(t, types.NewBandConfig(5, 1.5), prices)

	require.Equal(t, 4, out.Start)
	assert.Equal(t, []types.Position{types.Short, types.Flat, types.Flat}, out.Positions)
}

func TestBandReversionCarriesPositionForward(t *testing.T) {
	prices := []float64{100, 100, 100, 100, 90, 92}
	out := positionsFor(t, types.NewBandConfig(5, 1.5), prices)

	assert.Equal(t, []types.Position{types.Long, types.Long}, out.Positions)
}

func TestBandReversionConstantSeriesStaysFlat(t *testing.T) {
	prices := []float64{100, 100, 100, 100, 100, 100, 100}
	out := positionsFor(t, types.NewBandConfig(3, 2), prices)

	assert.Equal(t, repeat(types.Flat, 5), out.Positions)
}

func TestBandReversionIndicatorColumns(t *testing.T) {
	s, err := FromConfig(types.NewBandConfig(5, 1.5))
	require.NoError(t, err)

	set, err := s.ComputeIndicators(indicators.NewCache([]float64{100, 100, 100, 100, 90}))
	require.NoError(t, err)

	assert.Equal(t, []string{ColSMA, ColUpper, ColLower, ColDistance}, set.Order)
	assert.Equal(t, 4, set.FirstDefined())
	assert.InDelta(t, 98.0, set.Column(ColSMA)[4].V, 1e-12)
	assert.InDelta(t, -8.0, set.Column(ColDistance)[4].V, 1e-12)
	assert.Less(t, set.Column(ColLower)[4].V, set.Column(ColUpper)[4].V)
}

func TestSignalIsDeterministic(t *testing.T) {
	prices := []float64{100, 101, 99, 97, 103, 104, 98, 95, 96, 102, 105, 101}
	cfg := types.NewBandConfig(4, 1)

	first := positionsFor(t, cfg, prices)
	second := positionsFor(t, cfg, prices)
	assert.Equal(t, first, second)
}

func TestFromConfigRejectsInvalid(t *testing.T) {
	_, err := FromConfig(types.StrategyConfig{Kind: "momentum"})
	require.ErrorIs(t, err, types.ErrUnknownStrategy)

	_, err = FromConfig(types.NewBandConfig(1, 2))
	require.Error(t, err)
}

func TestRegistryList(t *testing.T) {
	r := NewStrategyRegistry()
	assert.Equal(t, []string{"band-reversion", "crossover"}, r.List())
}

func TestConfigFromParams(t *testing.T) {
	cfg, err := ConfigFromParams(types.StrategyCrossover, map[string]float64{
		ParamShortWindow: 42,
		ParamLongWindow:  252,
	})
	require.NoError(t, err)
	assert.Equal(t, types.NewCrossoverConfig(42, 252), cfg)
	assert.Equal(t, map[string]float64{ParamShortWindow: 42, ParamLongWindow: 252}, ParamsFromConfig(cfg))

	cfg, err = ConfigFromParams(types.StrategyBandReversion, map[string]float64{
		ParamWindow:     30,
		ParamMultiplier: 2.5,
	})
	require.NoError(t, err)
	assert.Equal(t, types.NewBandConfig(30, 2.5), cfg)

	_, err = ConfigFromParams(types.StrategyCrossover, map[string]float64{
		ParamShortWindow: 4.5,
		ParamLongWindow:  10,
	})
	require.Error(t, err)

	_, err = ConfigFromParams(types.StrategyBandReversion, map[string]float64{ParamWindow: 30})
	require.Error(t, err)

	names, err := ParamNames(types.StrategyBandReversion)
	require.NoError(t, err)
	assert.Equal(t, []string{ParamWindow, ParamMultiplier}, names)
}
