// Package live runs a strategy against a streaming market: ticks are
// aggregated into bars, each new bar recomputes the signal, and position
// changes are sent to an order executor.
package live

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/signal-trader/pkg/types"
)

// Aggregator turns a tick stream into fixed-length bars. Bins are closed on
// the left and labelled by their right edge, aligned to multiples of the bar
// length. A bin without ticks takes the price of the previous bar.
type Aggregator struct {
	barLength time.Duration
	buffer    []types.Tick
	boundary  time.Time
	lastTick  time.Time
	lastPrice float64
	hasPrice  bool
}

// NewAggregator creates an aggregator for the given bar length.
func NewAggregator(barLength time.Duration) (*Aggregator, error) {
	if barLength <= 0 {
		return nil, fmt.Errorf("bar length must be positive, got %s", barLength)
	}
	return &Aggregator{barLength: barLength}, nil
}

// Seed sets the boundary and carry-forward price from backfilled bars.
func (a *Aggregator) Seed(bars []types.PriceBar) {
	if len(bars) == 0 {
		return
	}
	last := bars[len(bars)-1]
	a.boundary = last.Timestamp
	a.lastPrice = last.Price
	a.hasPrice = true
}

// Boundary returns the label of the most recently committed bar.
func (a *Aggregator) Boundary() time.Time {
	return a.boundary
}

// Buffered returns a copy of the ticks not yet committed to a bar.
func (a *Aggregator) Buffered() []types.Tick {
	out := make([]types.Tick, len(a.buffer))
	copy(out, a.buffer)
	return out
}

// label returns the right edge of the bin containing t.
func (a *Aggregator) label(t time.Time) time.Time {
	return t.Truncate(a.barLength).Add(a.barLength)
}

// Add buffers a tick and returns any bars it closes. Ticks that are not
// strictly later than the previous accepted tick are dropped and reported
// as not accepted.
func (a *Aggregator) Add(tick types.Tick) ([]types.PriceBar, bool) {
	if !a.lastTick.IsZero() && !tick.Timestamp.After(a.lastTick) {
		return nil, false
	}
	a.lastTick = tick.Timestamp
	a.buffer = append(a.buffer, tick)

	if a.boundary.IsZero() {
		a.boundary = tick.Timestamp.Truncate(a.barLength)
	}
	if tick.Timestamp.Sub(a.boundary) <= a.barLength {
		return nil, true
	}

	open := a.label(tick.Timestamp)
	var bars []types.PriceBar
	i := 0

	// ticks inside bins that were already committed
	firstLabel := a.label(a.boundary)
	for i < len(a.buffer) && a.buffer[i].Timestamp.Before(firstLabel.Add(-a.barLength)) {
		i++
	}

	for l := firstLabel; l.Before(open); l = l.Add(a.barLength) {
		price, found := 0.0, false
		for i < len(a.buffer) && a.buffer[i].Timestamp.Before(l) {
			price, found = a.buffer[i].Price, true
			i++
		}
		if !found {
			if !a.hasPrice {
				continue
			}
			price = a.lastPrice
		}

		bars = append(bars, types.PriceBar{Timestamp: l, Price: price})
		a.lastPrice, a.hasPrice = price, true
		a.boundary = l
	}

	a.buffer = append(a.buffer[:0], a.buffer[i:]...)
	return bars, true
}

// Resample buckets points into bars of barLength holding the last value of
// each bin. Empty bins are skipped and the trailing bin is dropped because it
// may still be open.
func Resample(points []types.PriceBar, barLength time.Duration) []types.PriceBar {
	if barLength <= 0 || len(points) == 0 {
		return nil
	}

	var bars []types.PriceBar
	for _, p := range points {
		l := p.Timestamp.Truncate(barLength).Add(barLength)
		if n := len(bars); n > 0 && bars[n-1].Timestamp.Equal(l) {
			bars[n-1].Price = p.Price
			continue
		}
		bars = append(bars, types.PriceBar{Timestamp: l, Price: p.Price})
	}
	return bars[:len(bars)-1]
}
