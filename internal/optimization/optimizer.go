// Package optimization provides exhaustive grid search over strategy parameters.
package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/workers"
	"go.uber.org/zap"
)

var (
	// ErrEmptyGrid is returned when the parameter grid has no combinations.
	ErrEmptyGrid = errors.New("empty parameter grid")
	// ErrInvalidAxis is returned for a malformed axis specification.
	ErrInvalidAxis = errors.New("invalid parameter axis")

	errCellIncomplete = errors.New("evaluation did not complete")
)

const (
	// maxAxisValues bounds a single axis so a tiny step cannot exhaust memory.
	maxAxisValues = 1_000_000
	// maxGridSize bounds the product of all axes.
	maxGridSize = 1_000_000
)

// ParamSet represents a set of parameter values
type ParamSet map[string]float64

func (p ParamSet) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, p[k])
	}
	return strings.Join(parts, ",")
}

// Axis is a half-open arithmetic progression Start, Start+Step, ... excluding End.
type Axis struct {
	Name  string  `json:"name"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Step  float64 `json:"step"`
}

// Values enumerates the axis. A zero step is invalid; a range that yields no
// values returns an empty slice.
func (a Axis) Values() ([]float64, error) {
	if a.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidAxis)
	}
	if a.Step == 0 || math.IsNaN(a.Step) || math.IsInf(a.Step, 0) {
		return nil, fmt.Errorf("%w: %s step must be finite and non-zero", ErrInvalidAxis, a.Name)
	}

	var values []float64
	for k := 0; ; k++ {
		v := a.Start + float64(k)*a.Step
		if (a.Step > 0 && v >= a.End) || (a.Step < 0 && v <= a.End) {
			break
		}
		if k >= maxAxisValues {
			return nil, fmt.Errorf("%w: %s has more than %d values", ErrInvalidAxis, a.Name, maxAxisValues)
		}
		values = append(values, v)
	}
	return values, nil
}

// Grid returns the Cartesian product of the axes with the first axis varying
// slowest.
func Grid(axes []Axis) ([]ParamSet, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("%w: no axes", ErrEmptyGrid)
	}

	seen := make(map[string]bool, len(axes))
	gridValues := make([][]float64, len(axes))
	size := 1
	for i, axis := range axes {
		if seen[axis.Name] {
			return nil, fmt.Errorf("%w: duplicate axis %s", ErrInvalidAxis, axis.Name)
		}
		seen[axis.Name] = true

		values, err := axis.Values()
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: axis %s [%g, %g) step %g has no values",
				ErrEmptyGrid, axis.Name, axis.Start, axis.End, axis.Step)
		}
		if size > maxGridSize/len(values) {
			return nil, fmt.Errorf("%w: grid exceeds %d combinations at axis %s", ErrInvalidAxis, maxGridSize, axis.Name)
		}
		size *= len(values)
		gridValues[i] = values
	}

	return cartesianProduct(axes, gridValues, 0, make(ParamSet)), nil
}

func cartesianProduct(axes []Axis, gridValues [][]float64, idx int, current ParamSet) []ParamSet {
	if idx == len(axes) {
		result := make(ParamSet, len(current))
		for k, v := range current {
			result[k] = v
		}
		return []ParamSet{result}
	}

	var combinations []ParamSet
	for _, val := range gridValues[idx] {
		current[axes[idx].Name] = val
		combinations = append(combinations, cartesianProduct(axes, gridValues, idx+1, current)...)
	}
	return combinations
}

// ObjectiveFunc evaluates a parameter set and returns a score to maximise.
type ObjectiveFunc func(ctx context.Context, params ParamSet) (float64, error)

// OptimizerConfig configures the optimizer
type OptimizerConfig struct {
	Timeout         time.Duration
	ParallelWorkers int
}

// DefaultOptimizerConfig returns sensible defaults
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		Timeout:         10 * time.Minute,
		ParallelWorkers: runtime.NumCPU(),
	}
}

// Optimizer performs strategy parameter optimization
type Optimizer struct {
	logger *zap.Logger
	config *OptimizerConfig
}

// NewOptimizer creates a new optimizer
func NewOptimizer(logger *zap.Logger, config *OptimizerConfig) *Optimizer {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	return &Optimizer{
		logger: logger.Named("optimizer"),
		config: config,
	}
}

// EvaluationResult represents a single parameter evaluation
type EvaluationResult struct {
	Params    ParamSet      `json:"params"`
	Score     float64       `json:"score"`
	Iteration int           `json:"iteration"`
	Duration  time.Duration `json:"duration"`
}

// OptimizationResult contains optimization results
type OptimizationResult struct {
	BestParams ParamSet           `json:"best_params"`
	BestScore  float64            `json:"best_score"`
	Grid       []EvaluationResult `json:"grid"`
	Duration   time.Duration      `json:"duration"`
	Iterations int                `json:"iterations"`
}

// Top returns up to n grid entries ordered by descending score. Equal scores
// keep enumeration order.
func (r *OptimizationResult) Top(n int) []EvaluationResult {
	sorted := make([]EvaluationResult, len(r.Grid))
	copy(sorted, r.Grid)
	sort.SliceStable(sorted, func(i, j int) bool {
		return better(sorted[i].Score, sorted[j].Score)
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// EvaluationError reports the parameter set whose evaluation failed.
type EvaluationError struct {
	Params ParamSet
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %s: %v", e.Params, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// GridSearch evaluates every combination of the axes concurrently and returns
// the highest-scoring one. On equal scores the combination enumerated first
// wins. An objective error aborts the search.
func (o *Optimizer) GridSearch(ctx context.Context, axes []Axis, objective ObjectiveFunc) (*OptimizationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("grid search: %w", err)
	}
	combinations, err := Grid(axes)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	if o.config.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, o.config.Timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.logger.Info("starting grid search",
		zap.Int("combinations", len(combinations)),
		zap.Int("workers", o.config.ParallelWorkers),
	)

	n := max(1, min(o.config.ParallelWorkers, len(combinations)))
	pool := workers.NewPool(o.logger, &workers.PoolConfig{
		Name:            "grid",
		NumWorkers:      n,
		QueueSize:       n,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	})
	pool.Start()
	defer pool.Stop()

	evals := make([]EvaluationResult, len(combinations))
	errs := make([]error, len(combinations))
	done := make([]bool, len(combinations))

	for i, combo := range combinations {
		i, combo := i, combo
		err := pool.SubmitFunc(ctx, func(context.Context) error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return err
			}

			start := time.Now()
			score, err := objective(ctx, combo)
			if err != nil {
				errs[i] = &EvaluationError{Params: combo, Err: err}
				cancel()
				return err
			}

			evals[i] = EvaluationResult{
				Params:    combo,
				Score:     score,
				Iteration: i,
				Duration:  time.Since(start),
			}
			done[i] = true
			return nil
		})
		if err != nil {
			break
		}
	}
	pool.Wait()

	var evalErr *EvaluationError
	for _, err := range errs {
		if errors.As(err, &evalErr) {
			return nil, evalErr
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("grid search: %w", err)
	}
	for i := range done {
		if !done[i] {
			return nil, &EvaluationError{Params: combinations[i], Err: errCellIncomplete}
		}
	}

	best := 0
	for i := 1; i < len(evals); i++ {
		if better(evals[i].Score, evals[best].Score) {
			best = i
		}
	}

	result := &OptimizationResult{
		BestParams: evals[best].Params,
		BestScore:  evals[best].Score,
		Grid:       evals,
		Duration:   time.Since(startTime),
		Iterations: len(evals),
	}

	o.logger.Info("grid search complete",
		zap.Stringer("best_params", result.BestParams),
		zap.Float64("best_score", result.BestScore),
		zap.Duration("duration", result.Duration),
	)

	return result, nil
}

// better reports whether a strictly beats b. NaN never beats anything and is
// beaten by any number.
func better(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a > b
}
