// Package execution provides trade execution capabilities.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrZeroUnits is returned for an order with no size.
	ErrZeroUnits = errors.New("order units must be non-zero")
	// ErrOrderTooLarge is returned when an order exceeds the configured limit.
	ErrOrderTooLarge = errors.New("order exceeds maximum size")
	// ErrKillSwitch is returned while the kill switch is active.
	ErrKillSwitch = errors.New("kill switch active")
)

// OrderExecutor submits signed market orders: positive units buy, negative
// units sell.
type OrderExecutor interface {
	Submit(ctx context.Context, instrument string, units decimal.Decimal) (*types.OrderReceipt, error)
}

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	// MaxOrderUnits caps the absolute size of one order. Zero disables the cap.
	MaxOrderUnits decimal.Decimal `json:"maxOrderUnits"`
}

// ExecutorMetrics tracks execution activity.
type ExecutorMetrics struct {
	TotalOrders      int             `json:"totalOrders"`
	SuccessfulOrders int             `json:"successfulOrders"`
	FailedOrders     int             `json:"failedOrders"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
	AvgLatency       time.Duration   `json:"avgLatency"`
	LastOrderTime    time.Time       `json:"lastOrderTime"`
}

// Executor validates orders and forwards them to a venue.
type Executor struct {
	logger *zap.Logger
	venue  OrderExecutor
	config ExecutorConfig

	mu         sync.RWMutex
	killSwitch bool
	metrics    ExecutorMetrics
}

// NewExecutor wraps venue with order validation and bookkeeping.
func NewExecutor(logger *zap.Logger, venue OrderExecutor, config ExecutorConfig) *Executor {
	return &Executor{
		logger: logger.Named("executor"),
		venue:  venue,
		config: config,
	}
}

// Submit implements OrderExecutor.
func (e *Executor) Submit(ctx context.Context, instrument string, units decimal.Decimal) (*types.OrderReceipt, error) {
	if err := e.validate(units); err != nil {
		return nil, err
	}

	start := time.Now()
	receipt, err := e.venue.Submit(ctx, instrument, units)
	latency := time.Since(start)
	e.updateMetrics(err == nil, units, latency)

	if err != nil {
		e.logger.Warn("order failed",
			zap.String("instrument", instrument),
			zap.String("units", units.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("submit %s %s: %w", units, instrument, err)
	}

	e.logger.Debug("order filled",
		zap.String("id", receipt.ID),
		zap.String("instrument", instrument),
		zap.String("units", receipt.Units.String()),
		zap.String("price", receipt.FillPrice.String()),
		zap.Duration("latency", latency),
	)
	return receipt, nil
}

func (e *Executor) validate(units decimal.Decimal) error {
	e.mu.RLock()
	kill := e.killSwitch
	e.mu.RUnlock()

	if kill {
		return ErrKillSwitch
	}
	if units.IsZero() {
		return ErrZeroUnits
	}
	if e.config.MaxOrderUnits.IsPositive() && units.Abs().GreaterThan(e.config.MaxOrderUnits) {
		return fmt.Errorf("%w: %s > %s", ErrOrderTooLarge, units.Abs(), e.config.MaxOrderUnits)
	}
	return nil
}

// ActivateKillSwitch rejects all further orders.
func (e *Executor) ActivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = true
	e.logger.Warn("kill switch activated")
}

// DeactivateKillSwitch allows orders again.
func (e *Executor) DeactivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = false
	e.logger.Info("kill switch deactivated")
}

// IsKillSwitchActive returns whether orders are being rejected.
func (e *Executor) IsKillSwitchActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.killSwitch
}

// GetMetrics returns a snapshot of execution metrics.
func (e *Executor) GetMetrics() ExecutorMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

func (e *Executor) updateMetrics(success bool, units decimal.Decimal, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := &e.metrics
	m.TotalOrders++
	m.LastOrderTime = time.Now()
	if !success {
		m.FailedOrders++
		return
	}

	m.SuccessfulOrders++
	m.TotalVolume = m.TotalVolume.Add(units.Abs())
	n := time.Duration(m.SuccessfulOrders)
	m.AvgLatency = (m.AvgLatency*(n-1) + latency) / n
}
