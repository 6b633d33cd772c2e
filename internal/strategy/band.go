package strategy

import (
	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/pkg/types"
)

// Column names of the band-reversion indicator set.
const (
	ColSMA      = "sma"
	ColUpper    = "upper"
	ColLower    = "lower"
	ColDistance = "distance"
)

// BandReversion trades back towards the moving average: Long below the lower
// band, Short above the upper band, Flat when price crosses the average.
// Signals are stateful and must be computed in timestamp order.
type BandReversion struct {
	cfg types.BandConfig
}

// NewBandReversion creates a band-reversion strategy.
func NewBandReversion(cfg types.BandConfig) *BandReversion {
	return &BandReversion{cfg: cfg}
}

func (s *BandReversion) Name() string { return string(types.StrategyBandReversion) }

func (s *BandReversion) Config() types.StrategyConfig {
	return types.NewBandConfig(s.cfg.Window, s.cfg.WidthMultiplier)
}

func (s *BandReversion) WarmUp() int { return s.cfg.Window }

func (s *BandReversion) ComputeIndicators(cache *indicators.Cache) (IndicatorSet, error) {
	sma, err := cache.Mean(s.cfg.Window)
	if err != nil {
		return IndicatorSet{}, err
	}
	std, err := cache.Std(s.cfg.Window)
	if err != nil {
		return IndicatorSet{}, err
	}

	set := newIndicatorSet()
	set.add(ColSMA, sma)
	set.add(ColUpper, indicators.AddScaled(sma, std, s.cfg.WidthMultiplier))
	set.add(ColLower, indicators.AddScaled(sma, std, -s.cfg.WidthMultiplier))
	set.add(ColDistance, indicators.Sub(indicators.Raw(cache.Prices()), sma))
	return set, nil
}

func (s *BandReversion) ComputeSignal(prices []float64, set IndicatorSet) types.PositionSeries {
	start := set.FirstDefined()
	if start < 0 {
		return types.PositionSeries{Start: len(prices)}
	}

	upper, lower, dist := set.Column(ColUpper), set.Column(ColLower), set.Column(ColDistance)
	out := types.PositionSeries{Start: start, Positions: make([]types.Position, 0, len(prices)-start)}

	prev := types.Flat
	for i := start; i < len(prices); i++ {
		target, fired := types.Flat, false

		if prices[i] < lower[i].V {
			target, fired = types.Long, true
		}
		if prices[i] > upper[i].V {
			target, fired = types.Short, true
		}

		// exit overrides entry on the same bar
		if i > start && dist[i].V*dist[i-1].V < 0 {
			target, fired = types.Flat, true
		}

		if !fired {
			target = prev
		}
		out.Positions = append(out.Positions, target)
		prev = target
	}
	return out
}
