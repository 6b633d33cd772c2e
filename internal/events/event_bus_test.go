package events

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sampleEvent() TradeEvent {
	tr := types.Transition{From: types.Flat, To: types.Long}
	receipt := types.OrderReceipt{
		ID:         "1",
		Instrument: "EUR_USD",
		Units:      decimal.NewFromInt(100000),
		FillPrice:  decimal.RequireFromString("1.1012"),
	}
	return NewTradeEvent(EventTypeTrade, "EUR_USD", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), tr, receipt, decimal.Zero)
}

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var order []string
	bus.Subscribe("first", ReporterFunc(func(ctx context.Context, ev TradeEvent) { order = append(order, "first") }))
	bus.Subscribe("second", ReporterFunc(func(ctx context.Context, ev TradeEvent) { order = append(order, "second") }))

	bus.Report(context.Background(), sampleEvent())

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, int64(2), bus.Stats().Deliveries)
}

func TestBusRecoversReporterPanic(t *testing.T) {
	bus := NewBus(zap.NewNop())

	delivered := false
	bus.Subscribe("broken", ReporterFunc(func(ctx context.Context, ev TradeEvent) { panic("sink down") }))
	bus.Subscribe("ok", ReporterFunc(func(ctx context.Context, ev TradeEvent) { delivered = true }))

	require.NotPanics(t, func() { bus.Report(context.Background(), sampleEvent()) })
	assert.True(t, delivered)
	assert.Equal(t, int64(1), bus.Stats().ProcessingErrors)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())

	calls := 0
	sub := bus.Subscribe("counter", ReporterFunc(func(ctx context.Context, ev TradeEvent) { calls++ }))
	bus.Report(context.Background(), sampleEvent())
	bus.Unsubscribe(sub.ID)
	bus.Report(context.Background(), sampleEvent())

	assert.Equal(t, 1, calls)
	assert.False(t, sub.IsActive())
	assert.Equal(t, int64(0), bus.Stats().ActiveSubscribers)
}

func TestLogReporterUsesTransitionLabel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewLogReporter(zap.New(core))

	r.Report(context.Background(), sampleEvent())

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "GOING LONG", entries[0].Message)
	assert.Equal(t, "100000", entries[0].ContextMap()["units"])
}
