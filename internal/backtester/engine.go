// Package backtester provides the vectorised backtesting engine.
package backtester

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrInsufficientData is returned when no bar has both a lagged position and
// a defined return.
var ErrInsufficientData = errors.New("insufficient data for backtest")

// reportPlaces is the rounding applied to reported headline numbers.
const reportPlaces = 6

// Series holds the per-bar columns of a backtest over the evaluated bars.
type Series struct {
	Timestamps      []time.Time      `json:"timestamps"`
	Positions       []types.Position `json:"positions"`
	Returns         []float64        `json:"returns"`
	StrategyReturns []float64        `json:"strategy_returns"`
	Trades          []float64        `json:"trades"`
	CumReturns      []float64        `json:"cum_returns"`
	CumStrategy     []float64        `json:"cum_strategy"`
	TradeCount      int              `json:"trade_count"`
}

// Len returns the number of evaluated bars.
func (s Series) Len() int {
	return len(s.Timestamps)
}

// Result is a full-precision backtest outcome.
type Result struct {
	ID                  string               `json:"id"`
	Symbol              string               `json:"symbol"`
	Strategy            types.StrategyConfig `json:"strategy"`
	TradingCost         float64              `json:"trading_cost"`
	FinalStrategyReturn float64              `json:"final_strategy_return"`
	FinalBuyHoldReturn  float64              `json:"final_buy_hold_return"`
	Outperformance      float64              `json:"outperformance"`
	Metrics             Metrics              `json:"metrics"`
	Series              Series               `json:"series"`
}

// Report is the rounded summary of a Result.
type Report struct {
	ID                  string  `json:"id"`
	Symbol              string  `json:"symbol"`
	Strategy            string  `json:"strategy"`
	TradingCost         float64 `json:"trading_cost"`
	FinalStrategyReturn float64 `json:"final_strategy_return"`
	FinalBuyHoldReturn  float64 `json:"final_buy_hold_return"`
	Outperformance      float64 `json:"outperformance"`
	Trades              int     `json:"trades"`
	Bars                int     `json:"bars"`
	Metrics             Metrics `json:"metrics"`
}

// Report rounds the headline numbers for display.
func (r *Result) Report() Report {
	return Report{
		ID:                  r.ID,
		Symbol:              r.Symbol,
		Strategy:            r.Strategy.String(),
		TradingCost:         r.TradingCost,
		FinalStrategyReturn: round(r.FinalStrategyReturn, reportPlaces),
		FinalBuyHoldReturn:  round(r.FinalBuyHoldReturn, reportPlaces),
		Outperformance:      round(r.Outperformance, reportPlaces),
		Trades:              r.Series.TradeCount,
		Bars:                r.Series.Len(),
		Metrics:             r.Metrics.Rounded(),
	}
}

func round(x float64, places int32) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	v, _ := decimal.NewFromFloat(x).Round(places).Float64()
	return v
}

// Run backtests committed positions against the series. The position held at
// bar t-1 earns the log return of bar t, and every change of position costs
// |position[t]-position[t-1]| * cost. The first evaluated bar is the one after
// positions.Start.
func Run(series types.TimeSeries, positions types.PositionSeries, cost float64) (*Result, error) {
	n := series.Len()
	if cost < 0 || math.IsNaN(cost) {
		return nil, fmt.Errorf("trading cost must be non-negative, got %v", cost)
	}
	if positions.Start < 0 || positions.End() != n {
		return nil, fmt.Errorf("positions cover bars [%d, %d) but series has %d bars",
			positions.Start, positions.End(), n)
	}

	first := positions.Start + 1
	if first >= n {
		return nil, fmt.Errorf("%w: %d bars, first position at bar %d", ErrInsufficientData, n, positions.Start)
	}

	m := n - first
	s := Series{
		Timestamps:      make([]time.Time, m),
		Positions:       make([]types.Position, m),
		Returns:         make([]float64, m),
		StrategyReturns: make([]float64, m),
		Trades:          make([]float64, m),
		CumReturns:      make([]float64, m),
		CumStrategy:     make([]float64, m),
	}

	logReturns := indicators.LogReturns(series.Prices())
	var sumReturns, sumStrategy float64
	for t := first; t < n; t++ {
		k := t - first
		prev := positions.Positions[t-1-positions.Start]
		cur := positions.Positions[t-positions.Start]

		r := logReturns[t].V
		trade := math.Abs(cur.Float() - prev.Float())
		strat := prev.Float()*r - trade*cost

		sumReturns += r
		sumStrategy += strat

		s.Timestamps[k] = series.Bars[t].Timestamp
		s.Positions[k] = cur
		s.Returns[k] = r
		s.StrategyReturns[k] = strat
		s.Trades[k] = trade
		s.CumReturns[k] = math.Exp(sumReturns)
		s.CumStrategy[k] = math.Exp(sumStrategy)
		if trade != 0 {
			s.TradeCount++
		}
	}

	res := &Result{
		Symbol:              series.Symbol,
		TradingCost:         cost,
		FinalStrategyReturn: s.CumStrategy[m-1],
		FinalBuyHoldReturn:  s.CumReturns[m-1],
		Series:              s,
	}
	res.Outperformance = res.FinalStrategyReturn - res.FinalBuyHoldReturn
	res.Metrics = ComputeMetrics(s, PeriodsPerYear(series.Timestamps()))
	return res, nil
}
