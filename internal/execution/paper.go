package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoQuote is returned when the paper venue has not seen a price yet.
var ErrNoQuote = errors.New("no quote for instrument")

type paperBook struct {
	quote    types.Quote
	units    decimal.Decimal
	avgPrice decimal.Decimal
	realized decimal.Decimal
}

// PaperExecutor simulates market fills against the latest observed quote.
// Buys fill at the ask and sells at the bid. Realized P&L uses the average
// entry price of the open position.
type PaperExecutor struct {
	logger *zap.Logger

	mu    sync.Mutex
	books map[string]*paperBook
}

// NewPaperExecutor creates a paper venue.
func NewPaperExecutor(logger *zap.Logger) *PaperExecutor {
	return &PaperExecutor{
		logger: logger.Named("paper"),
		books:  make(map[string]*paperBook),
	}
}

// ObserveQuote updates the mark used for the next fill.
func (p *PaperExecutor) ObserveQuote(instrument string, q types.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.book(instrument).quote = q
}

func (p *PaperExecutor) book(instrument string) *paperBook {
	b, ok := p.books[instrument]
	if !ok {
		b = &paperBook{}
		p.books[instrument] = b
	}
	return b
}

// Submit implements OrderExecutor.
func (p *PaperExecutor) Submit(ctx context.Context, instrument string, units decimal.Decimal) (*types.OrderReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if units.IsZero() {
		return nil, ErrZeroUnits
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.book(instrument)
	if b.quote.Time.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, instrument)
	}

	price := decimal.NewFromFloat(b.quote.Bid)
	if units.IsPositive() {
		price = decimal.NewFromFloat(b.quote.Ask)
	}

	pl := b.fill(units, price)
	receipt := &types.OrderReceipt{
		ID:         uuid.NewString(),
		Instrument: instrument,
		Time:       b.quote.Time,
		Units:      units,
		FillPrice:  price,
		RealizedPL: pl,
	}

	p.logger.Debug("paper fill",
		zap.String("instrument", instrument),
		zap.String("units", units.String()),
		zap.String("price", price.String()),
		zap.String("pl", pl.String()),
	)
	return receipt, nil
}

// fill applies an order to the book and returns the realized P&L.
func (b *paperBook) fill(units, price decimal.Decimal) decimal.Decimal {
	pos := b.units
	next := pos.Add(units)

	if pos.IsZero() || pos.Sign() == units.Sign() {
		total := pos.Abs().Add(units.Abs())
		b.avgPrice = b.avgPrice.Mul(pos.Abs()).Add(price.Mul(units.Abs())).Div(total)
		b.units = next
		return decimal.Zero
	}

	closing := decimal.Min(units.Abs(), pos.Abs())
	pl := price.Sub(b.avgPrice).Mul(closing).Mul(decimal.NewFromInt(int64(pos.Sign())))
	b.realized = b.realized.Add(pl)

	switch {
	case next.IsZero():
		b.avgPrice = decimal.Zero
	case next.Sign() != pos.Sign():
		b.avgPrice = price
	}
	b.units = next
	return pl
}

// Position returns the simulated open units and cumulative realized P&L.
func (p *PaperExecutor) Position(instrument string) (units, realized decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.book(instrument)
	return b.units, b.realized
}
