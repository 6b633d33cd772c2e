package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/events"
	"github.com/atlas-desktop/signal-trader/internal/execution"
	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errNoReceipt = errors.New("executor returned no receipt")

// TransitionError reports an order that failed while changing position. The
// state machine keeps its previous position when this is returned.
type TransitionError struct {
	Instrument string
	BarTime    time.Time
	Transition types.Transition
	Units      decimal.Decimal
	Err        error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s (%s units) at bar %s: %v",
		e.Instrument, e.Transition, e.Units, e.BarTime.Format(time.RFC3339), e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// StateMachine tracks the held position of one instrument and issues the
// order needed to reach each target position.
type StateMachine struct {
	logger     *zap.Logger
	instrument string
	units      decimal.Decimal
	executor   execution.OrderExecutor
	reporter   events.Reporter
	metrics    *observability.Metrics

	mu       sync.RWMutex
	position types.Position
	realized decimal.Decimal
	trades   []types.OrderReceipt
}

// NewStateMachine creates a flat state machine trading units per position step.
func NewStateMachine(logger *zap.Logger, instrument string, units decimal.Decimal,
	executor execution.OrderExecutor, reporter events.Reporter, metrics *observability.Metrics) (*StateMachine, error) {
	if !units.IsPositive() {
		return nil, fmt.Errorf("units must be positive, got %s", units)
	}
	if reporter == nil {
		reporter = events.ReporterFunc(func(context.Context, events.TradeEvent) {})
	}
	return &StateMachine{
		logger:     logger.Named("position"),
		instrument: instrument,
		units:      units,
		executor:   executor,
		reporter:   reporter,
		metrics:    metrics,
	}, nil
}

// Position returns the held position.
func (m *StateMachine) Position() types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

// RealizedPL returns the cumulative realized profit and loss.
func (m *StateMachine) RealizedPL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realized
}

// TradeLog returns a copy of the filled orders.
func (m *StateMachine) TradeLog() []types.OrderReceipt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.OrderReceipt, len(m.trades))
	copy(out, m.trades)
	return out
}

// Transition moves to target. It returns a nil receipt when no order is needed
// and a *TransitionError when the order fails.
func (m *StateMachine) Transition(ctx context.Context, barTime time.Time, target types.Position) (*types.OrderReceipt, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("invalid target position %d", int8(target))
	}

	tr := types.Transition{From: m.Position(), To: target}
	if !tr.Changed() {
		return nil, nil
	}
	return m.execute(ctx, events.EventTypeTrade, barTime, tr)
}

// Flatten closes any open position.
func (m *StateMachine) Flatten(ctx context.Context, barTime time.Time) (*types.OrderReceipt, error) {
	tr := types.Transition{From: m.Position(), To: types.Flat}
	if !tr.Changed() {
		return nil, nil
	}
	return m.execute(ctx, events.EventTypeFlatten, barTime, tr)
}

func (m *StateMachine) execute(ctx context.Context, kind events.EventType, barTime time.Time, tr types.Transition) (*types.OrderReceipt, error) {
	order := tr.Units(m.units)

	receipt, err := m.executor.Submit(ctx, m.instrument, order)
	if err == nil && receipt == nil {
		err = errNoReceipt
	}
	if err != nil {
		m.metrics.RecordOrderFailure(tr)
		return nil, &TransitionError{
			Instrument: m.instrument,
			BarTime:    barTime,
			Transition: tr,
			Units:      order,
			Err:        err,
		}
	}

	m.mu.Lock()
	m.realized = m.realized.Add(receipt.RealizedPL)
	m.trades = append(m.trades, *receipt)
	m.position = tr.To
	cumulative := m.realized
	m.mu.Unlock()

	m.logger.Debug("position changed",
		zap.String("instrument", m.instrument),
		zap.Stringer("transition", tr),
		zap.String("units", order.String()),
	)
	m.reporter.Report(ctx, events.NewTradeEvent(kind, m.instrument, barTime, tr, *receipt, cumulative))
	return receipt, nil
}
