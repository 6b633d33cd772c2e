// Package types provides shared type definitions for the signal trader.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position is the directional exposure held on an instrument.
type Position int8

const (
	Short Position = -1
	Flat  Position = 0
	Long  Position = 1
)

func (p Position) String() string {
	switch p {
	case Long:
		return "long"
	case Short:
		return "short"
	case Flat:
		return "flat"
	default:
		return fmt.Sprintf("position(%d)", int8(p))
	}
}

// Float returns the position as a signed multiplier.
func (p Position) Float() float64 {
	return float64(p)
}

// Valid reports whether p is one of Long, Flat or Short.
func (p Position) Valid() bool {
	return p >= Short && p <= Long
}

// PriceBar is a single bar of a price series. Timestamp is the right edge of
// the bar's interval.
type PriceBar struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// TimeSeries is an ordered sequence of bars for one symbol.
type TimeSeries struct {
	Symbol string     `json:"symbol"`
	Bars   []PriceBar `json:"bars"`
}

// Len returns the number of bars.
func (s TimeSeries) Len() int {
	return len(s.Bars)
}

// Prices returns the price column.
func (s TimeSeries) Prices() []float64 {
	prices := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		prices[i] = b.Price
	}
	return prices
}

// Timestamps returns the timestamp column.
func (s TimeSeries) Timestamps() []time.Time {
	ts := make([]time.Time, len(s.Bars))
	for i, b := range s.Bars {
		ts[i] = b.Timestamp
	}
	return ts
}

// Last returns the most recent bar.
func (s TimeSeries) Last() (PriceBar, bool) {
	if len(s.Bars) == 0 {
		return PriceBar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// Between returns the bars with start <= timestamp <= end. A zero bound is open.
func (s TimeSeries) Between(start, end time.Time) TimeSeries {
	out := TimeSeries{Symbol: s.Symbol}
	for _, b := range s.Bars {
		if !start.IsZero() && b.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && b.Timestamp.After(end) {
			continue
		}
		out.Bars = append(out.Bars, b)
	}
	return out
}

// Validate checks that timestamps are strictly increasing and prices positive.
func (s TimeSeries) Validate() error {
	for i, b := range s.Bars {
		if b.Price <= 0 {
			return fmt.Errorf("series %s: non-positive price %v at %s", s.Symbol, b.Price, b.Timestamp.Format(time.RFC3339))
		}
		if i > 0 && !b.Timestamp.After(s.Bars[i-1].Timestamp) {
			return fmt.Errorf("series %s: timestamp %s not after %s", s.Symbol,
				b.Timestamp.Format(time.RFC3339), s.Bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// PositionSeries holds committed positions aligned with a TimeSeries starting
// at bar index Start. Bars before Start are still warming up and have no
// position at all.
type PositionSeries struct {
	Start     int        `json:"start"`
	Positions []Position `json:"positions"`
}

// At returns the position at bar index i.
func (p PositionSeries) At(i int) (Position, bool) {
	if i < p.Start || i >= p.Start+len(p.Positions) {
		return Flat, false
	}
	return p.Positions[i-p.Start], true
}

// Last returns the position at the most recent bar.
func (p PositionSeries) Last() (Position, bool) {
	if len(p.Positions) == 0 {
		return Flat, false
	}
	return p.Positions[len(p.Positions)-1], true
}

// End returns the index one past the last committed bar.
func (p PositionSeries) End() int {
	return p.Start + len(p.Positions)
}

// Quote is a top-of-book price update from the tick stream.
type Quote struct {
	Time time.Time `json:"time"`
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Tick is a single mid price observation.
type Tick struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// OrderReceipt is the fill record returned by an order executor.
type OrderReceipt struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Time       time.Time       `json:"time"`
	Units      decimal.Decimal `json:"units"`
	FillPrice  decimal.Decimal `json:"fillPrice"`
	RealizedPL decimal.Decimal `json:"realizedPl"`
}

// Transition is a change from one held position to a target position.
type Transition struct {
	From Position `json:"from"`
	To   Position `json:"to"`
}

// Units returns the signed order size for the transition given a unit size.
func (t Transition) Units(units decimal.Decimal) decimal.Decimal {
	return units.Mul(decimal.NewFromInt(int64(t.To) - int64(t.From)))
}

// Changed reports whether the transition requires an order.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Label returns the human readable transition label.
func (t Transition) Label() string {
	switch t.To {
	case Long:
		return "GOING LONG"
	case Short:
		return "GOING SHORT"
	default:
		return "GOING NEUTRAL"
	}
}

func (t Transition) String() string {
	return t.From.String() + "->" + t.To.String()
}
