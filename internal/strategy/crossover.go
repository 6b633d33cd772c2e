package strategy

import (
	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/pkg/types"
)

// Column names of the crossover indicator set.
const (
	ColSMAShort = "sma_short"
	ColSMALong  = "sma_long"
)

// Crossover is always in the market: Long while the short SMA is above the
// long SMA, Short otherwise.
type Crossover struct {
	cfg types.CrossoverConfig
}

// NewCrossover creates a crossover strategy.
func NewCrossover(cfg types.CrossoverConfig) *Crossover {
	return &Crossover{cfg: cfg}
}

func (s *Crossover) Name() string { return string(types.StrategyCrossover) }

func (s *Crossover) Config() types.StrategyConfig {
	return types.NewCrossoverConfig(s.cfg.ShortWindow, s.cfg.LongWindow)
}

func (s *Crossover) WarmUp() int {
	return max(s.cfg.ShortWindow, s.cfg.LongWindow)
}

func (s *Crossover) ComputeIndicators(cache *indicators.Cache) (IndicatorSet, error) {
	short, err := cache.Mean(s.cfg.ShortWindow)
	if err != nil {
		return IndicatorSet{}, err
	}
	long, err := cache.Mean(s.cfg.LongWindow)
	if err != nil {
		return IndicatorSet{}, err
	}

	set := newIndicatorSet()
	set.add(ColSMAShort, short)
	set.add(ColSMALong, long)
	return set, nil
}

func (s *Crossover) ComputeSignal(prices []float64, set IndicatorSet) types.PositionSeries {
	start := set.FirstDefined()
	if start < 0 {
		return types.PositionSeries{Start: len(prices)}
	}

	short, long := set.Column(ColSMAShort), set.Column(ColSMALong)
	out := types.PositionSeries{Start: start, Positions: make([]types.Position, 0, len(prices)-start)}
	for i := start; i < len(prices); i++ {
		if short[i].V > long[i].V {
			out.Positions = append(out.Positions, types.Long)
		} else {
			out.Positions = append(out.Positions, types.Short)
		}
	}
	return out
}
