package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/indicators"
)

// tradingDaysPerYear is used to annualise daily bars.
const tradingDaysPerYear = 252

// Metrics summarises the risk and return of a strategy's log returns.
type Metrics struct {
	AnnualizedReturn     float64 `json:"annualized_return"`
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	SharpeRatio          float64 `json:"sharpe_ratio"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	PeriodsPerYear       float64 `json:"periods_per_year"`
	// BuyHold is the annualised return and risk of holding the instrument,
	// rounded to 3 places.
	BuyHold indicators.RiskReturn `json:"buy_hold"`
}

// Rounded returns the metrics rounded for display.
func (m Metrics) Rounded() Metrics {
	return Metrics{
		AnnualizedReturn:     round(m.AnnualizedReturn, reportPlaces),
		AnnualizedVolatility: round(m.AnnualizedVolatility, reportPlaces),
		SharpeRatio:          round(m.SharpeRatio, reportPlaces),
		MaxDrawdown:          round(m.MaxDrawdown, reportPlaces),
		PeriodsPerYear:       m.PeriodsPerYear,
		BuyHold:              m.BuyHold,
	}
}

// ComputeMetrics annualises the strategy returns and measures the drawdown of
// the cumulative strategy curve. The risk-free rate is zero.
func ComputeMetrics(s Series, periodsPerYear float64) Metrics {
	m := Metrics{
		PeriodsPerYear: periodsPerYear,
		BuyHold:        indicators.AnnualizedReturnRisk(indicators.Raw(s.Returns), periodsPerYear),
	}
	if len(s.StrategyReturns) == 0 {
		return m
	}

	avg, sd := indicators.MeanStd(s.StrategyReturns)
	m.AnnualizedReturn = avg * periodsPerYear
	m.AnnualizedVolatility = sd * math.Sqrt(periodsPerYear)
	if sd > 0 {
		m.SharpeRatio = avg / sd * math.Sqrt(periodsPerYear)
	}

	m.MaxDrawdown = maxDrawdown(s.CumStrategy)
	return m
}

// PeriodsPerYear infers the annualisation factor from the median bar spacing.
// Daily or coarser bars use 252 trading days; intraday bars assume a 24 hour
// market on those days.
func PeriodsPerYear(timestamps []time.Time) float64 {
	if len(timestamps) < 2 {
		return tradingDaysPerYear
	}

	gaps := make([]time.Duration, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		gaps = append(gaps, timestamps[i].Sub(timestamps[i-1]))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	median := gaps[len(gaps)/2]

	if median <= 0 || median >= 20*time.Hour {
		return tradingDaysPerYear
	}
	return tradingDaysPerYear * float64(24*time.Hour) / float64(median)
}

// maxDrawdown returns the largest peak-to-trough decline of a curve that
// starts at 1, as a positive fraction.
func maxDrawdown(curve []float64) float64 {
	peak, worst := 1.0, 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if dd := (peak - v) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}
