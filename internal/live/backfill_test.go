package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedFetcher returns its responses in order and repeats the last one.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []fetchResponse
	calls     int
	lastStart time.Time
	lastEnd   time.Time
	lastGran  string
	lastSide  string
}

type fetchResponse struct {
	series types.TimeSeries
	err    error
}

func (f *scriptedFetcher) FetchRecentBars(_ context.Context, instrument string, start, end time.Time, granularity, priceSide string) (types.TimeSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStart, f.lastEnd, f.lastGran, f.lastSide = start, end, granularity, priceSide
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	r := f.responses[i]
	r.series.Symbol = instrument
	return r.series, r.err
}

// points returns price points every 30 seconds over [from, to].
func points(from, to time.Time, price float64) types.TimeSeries {
	var s types.TimeSeries
	for ts := from; !ts.After(to); ts = ts.Add(30 * time.Second) {
		s.Bars = append(s.Bars, types.PriceBar{Timestamp: ts, Price: price})
		price += 0.0001
	}
	return s
}

func fastBackfill() BackfillConfig {
	cfg := DefaultBackfillConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	return cfg
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestBackfillRetriesUntilFresh(t *testing.T) {
	now := at(30 * time.Second)
	fetcher := &scriptedFetcher{responses: []fetchResponse{
		{series: points(at(-10*time.Minute), at(-4*time.Minute-30*time.Second), 1.1)},
		{series: points(at(-10*time.Minute), now, 1.1)},
	}}
	m := observability.NewMetrics(prometheus.NewRegistry(), "test")

	b := NewBackfiller(zap.NewNop(), fetcher, fastBackfill(), m)
	b.now = fixedClock(now)

	series, err := b.Run(context.Background(), "EUR_USD", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BackfillAttempts))
	assert.Equal(t, "EUR_USD", series.Symbol)
	require.Equal(t, 10, series.Len())
	last, _ := series.Last()
	assert.Equal(t, t0, last.Timestamp)
	require.NoError(t, series.Validate())

	assert.Equal(t, now.Add(-5*24*time.Hour), fetcher.lastStart)
	assert.Equal(t, now, fetcher.lastEnd)
	assert.Equal(t, "S5", fetcher.lastGran)
	assert.Equal(t, "M", fetcher.lastSide)
}

func TestBackfillGivesUpWhenStale(t *testing.T) {
	now := at(30 * time.Second)
	fetcher := &scriptedFetcher{responses: []fetchResponse{
		{series: points(at(-10*time.Minute), at(-3*time.Minute), 1.1)},
	}}

	b := NewBackfiller(zap.NewNop(), fetcher, fastBackfill(), nil)
	b.now = fixedClock(now)

	_, err := b.Run(context.Background(), "EUR_USD", time.Minute)
	require.ErrorIs(t, err, ErrBackfillStale)
	assert.Equal(t, 3, fetcher.calls)
}

func TestBackfillWrapsFetchErrors(t *testing.T) {
	outage := errors.New("503 service unavailable")
	fetcher := &scriptedFetcher{responses: []fetchResponse{{err: outage}}}

	b := NewBackfiller(zap.NewNop(), fetcher, fastBackfill(), nil)
	b.now = fixedClock(t0)

	_, err := b.Run(context.Background(), "EUR_USD", time.Minute)
	assert.ErrorIs(t, err, ErrBackfillStale)
	assert.ErrorIs(t, err, outage)
	assert.Equal(t, 3, fetcher.calls)
}

func TestBackfillStopsOnCancel(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []fetchResponse{{series: types.TimeSeries{}}}}
	cfg := fastBackfill()
	cfg.MaxAttempts = 100
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	b := NewBackfiller(zap.NewNop(), fetcher, cfg, nil)
	b.now = fixedClock(t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Run(ctx, "EUR_USD", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fetcher.calls)
}
