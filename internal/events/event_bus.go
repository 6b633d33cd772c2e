// Package events fans trade events out to reporting sinks (logs, metrics,
// websocket clients, storage).
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	// EventTypeTrade is a filled order produced by a position transition.
	EventTypeTrade EventType = "trade"
	// EventTypeFlatten is the closing order issued when a session stops.
	EventTypeFlatten EventType = "flatten"
)

// TradeEvent describes one executed transition.
type TradeEvent struct {
	ID           string             `json:"id"`
	Type         EventType          `json:"type"`
	BarTime      time.Time          `json:"bar_time"`
	Instrument   string             `json:"instrument"`
	Label        string             `json:"label"`
	Transition   types.Transition   `json:"transition"`
	Receipt      types.OrderReceipt `json:"receipt"`
	CumulativePL decimal.Decimal    `json:"cumulative_pl"`
}

// NewTradeEvent builds a trade event with a generated ID.
func NewTradeEvent(eventType EventType, instrument string, barTime time.Time, tr types.Transition,
	receipt types.OrderReceipt, cumulative decimal.Decimal) TradeEvent {
	return TradeEvent{
		ID:           uuid.NewString(),
		Type:         eventType,
		BarTime:      barTime,
		Instrument:   instrument,
		Label:        tr.Label(),
		Transition:   tr,
		Receipt:      receipt,
		CumulativePL: cumulative,
	}
}

// Reporter is a side-effecting sink for trade events.
type Reporter interface {
	Report(ctx context.Context, ev TradeEvent)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, ev TradeEvent)

func (f ReporterFunc) Report(ctx context.Context, ev TradeEvent) { f(ctx, ev) }

// Subscription represents an active reporter registration
type Subscription struct {
	ID       string
	Name     string
	Reporter Reporter
	active   atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// BusStats tracks delivery counts
type BusStats struct {
	EventsPublished   int64 `json:"events_published"`
	Deliveries        int64 `json:"deliveries"`
	ProcessingErrors  int64 `json:"processing_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// Bus delivers each event to every active subscriber synchronously and in
// subscription order, so sinks observe trades in the order they happened.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*Subscription

	eventsPublished   atomic.Int64
	deliveries        atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers a reporter.
func (b *Bus) Subscribe(name string, r Reporter) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), Name: name, Reporter: r}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	b.activeSubscribers.Add(1)
	b.logger.Debug("reporter subscribed", zap.String("name", name), zap.String("subscription_id", sub.ID))
	return sub
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.ID == id {
			sub.active.Store(false)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			b.activeSubscribers.Add(-1)
			return
		}
	}
}

// Report implements Reporter by fanning out to every subscriber.
func (b *Bus) Report(ctx context.Context, ev TradeEvent) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	b.eventsPublished.Add(1)
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.deliver(ctx, sub, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev TradeEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("reporter panic",
				zap.String("reporter", sub.Name),
				zap.String("event_id", ev.ID),
				zap.Any("panic", r),
			)
		}
	}()

	sub.Reporter.Report(ctx, ev)
	b.deliveries.Add(1)
}

// Stats returns delivery counts.
func (b *Bus) Stats() BusStats {
	return BusStats{
		EventsPublished:   b.eventsPublished.Load(),
		Deliveries:        b.deliveries.Load(),
		ProcessingErrors:  b.processingErrors.Load(),
		ActiveSubscribers: b.activeSubscribers.Load(),
	}
}

// LogReporter writes each trade as a structured log line.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("trades")}
}

func (r *LogReporter) Report(_ context.Context, ev TradeEvent) {
	r.logger.Info(ev.Label,
		zap.String("instrument", ev.Instrument),
		zap.String("type", string(ev.Type)),
		zap.Time("bar", ev.BarTime),
		zap.Time("filled", ev.Receipt.Time),
		zap.String("units", ev.Receipt.Units.String()),
		zap.String("price", ev.Receipt.FillPrice.String()),
		zap.String("pl", ev.Receipt.RealizedPL.String()),
		zap.String("cumulative_pl", ev.CumulativePL.String()),
	)
}
