// Package indicators provides rolling window statistics over price series.
// Warm-up entries are explicitly undefined rather than NaN or zero.
package indicators

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/markcheno/go-talib"
)

// ErrInvalidWindow is returned for a window smaller than the statistic needs.
var ErrInvalidWindow = errors.New("invalid window")

// Value is one entry of a derived series. OK is false while the window is
// still warming up.
type Value struct {
	V  float64
	OK bool
}

// Defined returns a defined Value.
func Defined(v float64) Value {
	return Value{V: v, OK: true}
}

// Undefined is the zero Value.
var Undefined = Value{}

// RollingMean returns the trailing w-bar arithmetic mean for every index.
// Entries [0, w-2] are undefined.
func RollingMean(series []float64, w int) ([]Value, error) {
	if w < 1 {
		return nil, fmt.Errorf("%w: mean window %d", ErrInvalidWindow, w)
	}
	if w > len(series) {
		return make([]Value, len(series)), nil
	}
	return warmedUp(talib.Sma(series, w), w), nil
}

// RollingStd returns the trailing w-bar sample standard deviation for every
// index. Entries [0, w-2] are undefined.
func RollingStd(series []float64, w int) ([]Value, error) {
	if w < 2 {
		return nil, fmt.Errorf("%w: sample std needs window >= 2, got %d", ErrInvalidWindow, w)
	}
	if w > len(series) {
		return make([]Value, len(series)), nil
	}
	// talib reports the population deviation.
	k := math.Sqrt(float64(w) / float64(w-1))
	col := talib.StdDev(series, w, 1)
	for i := range col {
		col[i] *= k
	}
	return warmedUp(col, w), nil
}

// warmedUp wraps a talib output column, whose first w-1 entries are zero
// fill, as Values.
func warmedUp(col []float64, w int) []Value {
	out := make([]Value, len(col))
	for i := w - 1; i < len(col); i++ {
		out[i] = Defined(col[i])
	}
	return out
}

// Sub returns a-b, undefined where either side is undefined.
func Sub(a, b []Value) []Value {
	out := make([]Value, len(a))
	for i := range a {
		if a[i].OK && b[i].OK {
			out[i] = Defined(a[i].V - b[i].V)
		}
	}
	return out
}

// AddScaled returns a+k*b, undefined where either side is undefined.
func AddScaled(a, b []Value, k float64) []Value {
	out := make([]Value, len(a))
	for i := range a {
		if a[i].OK && b[i].OK {
			out[i] = Defined(a[i].V + k*b[i].V)
		}
	}
	return out
}

// Raw wraps a fully defined series.
func Raw(series []float64) []Value {
	out := make([]Value, len(series))
	for i, x := range series {
		out[i] = Defined(x)
	}
	return out
}

// FirstDefined returns the first index at which every column is defined, or
// -1 when no such index exists.
func FirstDefined(columns ...[]Value) int {
	if len(columns) == 0 {
		return -1
	}
	n := len(columns[0])
	for i := 0; i < n; i++ {
		all := true
		for _, c := range columns {
			if !c[i].OK {
				all = false
				break
			}
		}
		if all {
			return i
		}
	}
	return -1
}

// Cache memoises rolling columns over one fixed price slice so that rebinding
// strategy parameters only computes windows not seen before. Each column is
// computed once, outside the cache lock, so distinct windows build in parallel.
type Cache struct {
	mu     sync.Mutex
	prices []float64
	means  map[int]*column
	stds   map[int]*column
}

type column struct {
	once sync.Once
	vals []Value
	err  error
}

// NewCache creates a cache over prices. The slice must not be mutated afterwards.
func NewCache(prices []float64) *Cache {
	return &Cache{
		prices: prices,
		means:  make(map[int]*column),
		stds:   make(map[int]*column),
	}
}

// Prices returns the underlying price slice.
func (c *Cache) Prices() []float64 {
	return c.prices
}

// Mean returns the memoised rolling mean for window w.
func (c *Cache) Mean(w int) ([]Value, error) {
	return c.get(c.means, w, RollingMean)
}

// Std returns the memoised rolling sample standard deviation for window w.
func (c *Cache) Std(w int) ([]Value, error) {
	return c.get(c.stds, w, RollingStd)
}

func (c *Cache) get(columns map[int]*column, w int, compute func([]float64, int) ([]Value, error)) ([]Value, error) {
	c.mu.Lock()
	col, ok := columns[w]
	if !ok {
		col = &column{}
		columns[w] = col
	}
	c.mu.Unlock()

	col.once.Do(func() {
		col.vals, col.err = compute(c.prices, w)
	})
	return col.vals, col.err
}

// Size returns the number of memoised columns, failed windows included.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.means) + len(c.stds)
}
