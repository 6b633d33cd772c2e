package indicators

import (
	"math"

	"github.com/shopspring/decimal"
)

// LogReturns returns log(p[t]/p[t-1]); the first entry is undefined.
func LogReturns(prices []float64) []Value {
	out := make([]Value, len(prices))
	for i := 1; i < len(prices); i++ {
		out[i] = Defined(math.Log(prices[i] / prices[i-1]))
	}
	return out
}

// MeanStd returns the arithmetic mean and the sample standard deviation of
// xs. The deviation is zero for fewer than two values.
func MeanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

// RiskReturn is the annualised mean and volatility of a return series.
type RiskReturn struct {
	Return float64 `json:"return"`
	Risk   float64 `json:"risk"`
}

// AnnualizedReturnRisk scales the mean and sample standard deviation of the
// defined returns by periodsPerYear and its square root, rounded to 3 places.
func AnnualizedReturnRisk(returns []Value, periodsPerYear float64) RiskReturn {
	var xs []float64
	for _, r := range returns {
		if r.OK {
			xs = append(xs, r.V)
		}
	}
	if len(xs) < 2 {
		return RiskReturn{}
	}
	m, std := MeanStd(xs)

	ret, _ := decimal.NewFromFloat(m * periodsPerYear).Round(3).Float64()
	risk, _ := decimal.NewFromFloat(std * math.Sqrt(periodsPerYear)).Round(3).Float64()
	return RiskReturn{Return: ret, Risk: risk}
}
