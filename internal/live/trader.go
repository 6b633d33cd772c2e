package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/events"
	"github.com/atlas-desktop/signal-trader/internal/execution"
	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/internal/strategy"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TickStream yields quotes until it returns io.EOF. A finished stream cannot
// be restarted.
type TickStream interface {
	Recv(ctx context.Context) (types.Quote, error)
	Close() error
}

// TickSubscriber opens a quote stream. maxTicks <= 0 means unbounded.
type TickSubscriber interface {
	Subscribe(ctx context.Context, instrument string, maxTicks int) (TickStream, error)
}

// QuoteObserver is notified of every quote before it is aggregated.
type QuoteObserver interface {
	ObserveQuote(instrument string, q types.Quote)
}

// Config is the immutable configuration of a live session.
type Config struct {
	Instrument     string
	BarLength      time.Duration
	Units          decimal.Decimal
	MaxTicks       int
	Backfill       BackfillConfig
	FlattenTimeout time.Duration
}

// Validate checks the live configuration.
func (c Config) Validate() error {
	if c.Instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	if c.BarLength <= 0 {
		return fmt.Errorf("bar length must be positive, got %s", c.BarLength)
	}
	if !c.Units.IsPositive() {
		return fmt.Errorf("units must be positive, got %s", c.Units)
	}
	return nil
}

// LiveSession is a snapshot of a running session.
type LiveSession struct {
	Instrument           string               `json:"instrument"`
	TickBuffer           []types.Tick         `json:"tick_buffer"`
	CommittedBars        []types.PriceBar     `json:"committed_bars"`
	CurrentPosition      types.Position       `json:"current_position"`
	CumulativeRealizedPL decimal.Decimal      `json:"cumulative_realized_pl"`
	TradeLog             []types.OrderReceipt `json:"trade_log"`
}

// Trader runs one strategy on one instrument. Ticks are processed strictly
// one at a time: a tick is fully aggregated, evaluated and traded before the
// next is read.
type Trader struct {
	logger    *zap.Logger
	config    Config
	strategy  strategy.Strategy
	ticks     TickSubscriber
	metrics   *observability.Metrics
	observers []QuoteObserver

	backfiller *Backfiller
	agg        *Aggregator
	state      *StateMachine

	mu        sync.RWMutex
	bars      []types.PriceBar
	lastQuote time.Time
}

// Option configures a Trader.
type Option func(*Trader)

// WithMetrics records live activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Trader) { t.metrics = m }
}

// WithQuoteObserver adds an observer notified of every quote.
func WithQuoteObserver(o QuoteObserver) Option {
	return func(t *Trader) { t.observers = append(t.observers, o) }
}

// NewTrader wires a live session.
func NewTrader(logger *zap.Logger, config Config, strat strategy.Strategy, history HistoryFetcher,
	ticks TickSubscriber, executor execution.OrderExecutor, reporter events.Reporter, opts ...Option) (*Trader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.FlattenTimeout <= 0 {
		config.FlattenTimeout = 30 * time.Second
	}

	agg, err := NewAggregator(config.BarLength)
	if err != nil {
		return nil, err
	}

	t := &Trader{
		logger:   logger.Named("trader").With(zap.String("instrument", config.Instrument)),
		config:   config,
		strategy: strat,
		ticks:    ticks,
		agg:      agg,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.backfiller = NewBackfiller(logger, history, config.Backfill, t.metrics)
	t.state, err = NewStateMachine(logger, config.Instrument, config.Units, executor, reporter, t.metrics)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Run backfills history, then trades the tick stream until it ends, the
// context is cancelled or processing fails. Any open position is flattened
// before Run returns.
func (t *Trader) Run(ctx context.Context) (err error) {
	history, err := t.backfiller.Run(ctx, t.config.Instrument, t.config.BarLength)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	t.mu.Lock()
	t.bars = append([]types.PriceBar(nil), history.Bars...)
	t.agg.Seed(history.Bars)
	t.mu.Unlock()

	stream, err := t.ticks.Subscribe(ctx, t.config.Instrument, t.config.MaxTicks)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	t.logger.Info("session started",
		zap.Int("bars", len(history.Bars)),
		zap.String("strategy", t.strategy.Config().String()),
		zap.Int("max_ticks", t.config.MaxTicks),
	)

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("session panic", zap.Any("panic", r))
			err = errors.Join(err, fmt.Errorf("session panic: %v", r))
		}
		err = errors.Join(err, t.stop(ctx), stream.Close())
	}()

	for {
		q, recvErr := stream.Recv(ctx)
		if errors.Is(recvErr, io.EOF) {
			return nil
		}
		if recvErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("tick stream: %w", recvErr)
		}
		t.onQuote(ctx, q)
	}
}

func (t *Trader) onQuote(ctx context.Context, q types.Quote) {
	for _, o := range t.observers {
		o.ObserveQuote(t.config.Instrument, q)
	}

	t.mu.Lock()
	bars, accepted := t.agg.Add(types.Tick{Timestamp: q.Time, Price: q.Mid()})
	if accepted {
		t.lastQuote = q.Time
		t.bars = append(t.bars, bars...)
	}
	t.mu.Unlock()

	t.metrics.RecordTick(!accepted)
	if !accepted {
		t.logger.Debug("dropped out-of-order tick", zap.Time("time", q.Time))
		return
	}

	if len(bars) == 0 {
		return
	}
	t.metrics.RecordBars(len(bars))
	t.onBars(ctx)
}

func (t *Trader) onBars(ctx context.Context) {
	t.mu.RLock()
	prices := make([]float64, len(t.bars))
	for i, b := range t.bars {
		prices[i] = b.Price
	}
	barTime := t.bars[len(t.bars)-1].Timestamp
	t.mu.RUnlock()

	positions, _, err := strategy.Positions(t.strategy, indicators.NewCache(prices))
	if err != nil {
		t.logger.Error("signal computation failed", zap.Time("bar", barTime), zap.Error(err))
		return
	}

	target, ok := positions.Last()
	if !ok {
		t.logger.Debug("strategy warming up", zap.Time("bar", barTime), zap.Int("bars", len(prices)))
		return
	}

	if _, err := t.state.Transition(ctx, barTime, target); err != nil {
		t.logger.Warn("position transition failed, will retry on next bar",
			zap.Time("bar", barTime),
			zap.Stringer("target", target),
			zap.Error(err),
		)
	}
}

// stop flattens the position with a context that survives cancellation of ctx.
func (t *Trader) stop(ctx context.Context) error {
	flatCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.config.FlattenTimeout)
	defer cancel()

	t.mu.RLock()
	at := t.lastQuote
	if at.IsZero() {
		at = t.agg.Boundary()
	}
	t.mu.RUnlock()

	receipt, err := t.state.Flatten(flatCtx, at)
	if err != nil {
		t.logger.Error("failed to flatten position", zap.Error(err))
		return fmt.Errorf("flatten: %w", err)
	}

	fields := []zap.Field{
		zap.String("realized_pl", t.state.RealizedPL().String()),
		zap.Int("trades", len(t.state.TradeLog())),
	}
	if receipt != nil {
		fields = append(fields, zap.String("flatten_units", receipt.Units.String()))
	}
	t.logger.Info("session stopped", fields...)
	return nil
}

// Session returns a snapshot of the session state.
func (t *Trader) Session() LiveSession {
	t.mu.RLock()
	bars := make([]types.PriceBar, len(t.bars))
	copy(bars, t.bars)
	buffered := t.agg.Buffered()
	t.mu.RUnlock()

	return LiveSession{
		Instrument:           t.config.Instrument,
		TickBuffer:           buffered,
		CommittedBars:        bars,
		CurrentPosition:      t.state.Position(),
		CumulativeRealizedPL: t.state.RealizedPL(),
		TradeLog:             t.state.TradeLog(),
	}
}
