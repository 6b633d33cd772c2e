package backtester

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"
)

// ErrNoReturns is returned when a result has no strategy returns to resample.
var ErrNoReturns = errors.New("no strategy returns to resample")

// MonteCarloConfig configures the bootstrap of a backtest's returns.
type MonteCarloConfig struct {
	Iterations int   `json:"iterations"`
	Seed       int64 `json:"seed"` // zero seeds from the clock
}

// MonteCarloResult summarises the resampled paths. Returns are gross
// multiples like Result.FinalStrategyReturn.
type MonteCarloResult struct {
	Iterations      int     `json:"iterations"`
	MedianReturn    float64 `json:"median_return"`
	P5Return        float64 `json:"p5_return"`
	P95Return       float64 `json:"p95_return"`
	MaxDrawdownP95  float64 `json:"max_drawdown_p95"`
	ProbabilityLoss float64 `json:"probability_loss"`
}

// MonteCarlo bootstraps the per-bar strategy log returns of res with
// replacement, building Iterations paths of the same length.
func MonteCarlo(res *Result, config MonteCarloConfig) (*MonteCarloResult, error) {
	returns := res.Series.StrategyReturns
	if len(returns) == 0 {
		return nil, ErrNoReturns
	}
	iterations := config.Iterations
	if iterations <= 0 {
		iterations = 1000
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	finals := make([]float64, iterations)
	drawdowns := make([]float64, iterations)
	curve := make([]float64, len(returns))
	losses := 0

	for i := 0; i < iterations; i++ {
		var sum float64
		for j := range curve {
			sum += returns[rng.Intn(len(returns))]
			curve[j] = math.Exp(sum)
		}
		finals[i] = curve[len(curve)-1]
		drawdowns[i] = maxDrawdown(curve)
		if finals[i] < 1 {
			losses++
		}
	}

	sort.Float64s(finals)
	sort.Float64s(drawdowns)

	return &MonteCarloResult{
		Iterations:      iterations,
		MedianReturn:    percentile(finals, 50),
		P5Return:        percentile(finals, 5),
		P95Return:       percentile(finals, 95),
		MaxDrawdownP95:  percentile(drawdowns, 95),
		ProbabilityLoss: float64(losses) / float64(iterations),
	}, nil
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
