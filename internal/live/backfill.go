package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrBackfillStale is returned when no attempt produced a bar within one bar
// length of the clock.
var ErrBackfillStale = errors.New("backfilled history is stale")

// HistoryFetcher returns recent fine-grained bars used to seed a session.
type HistoryFetcher interface {
	FetchRecentBars(ctx context.Context, instrument string, start, end time.Time, granularity, priceSide string) (types.TimeSeries, error)
}

// BackfillConfig configures the historical warm-up.
type BackfillConfig struct {
	Lookback     time.Duration
	Granularity  string
	PriceSide    string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackfillConfig fetches five days of 5-second mid candles and retries
// every two seconds for up to a minute.
func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		Lookback:     5 * 24 * time.Hour,
		Granularity:  "S5",
		PriceSide:    "M",
		MaxAttempts:  30,
		InitialDelay: 2 * time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   1,
	}
}

func (c BackfillConfig) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Backfiller fetches and resamples history until it is fresh.
type Backfiller struct {
	logger  *zap.Logger
	fetcher HistoryFetcher
	config  BackfillConfig
	metrics *observability.Metrics
	now     func() time.Time
}

// NewBackfiller creates a Backfiller.
func NewBackfiller(logger *zap.Logger, fetcher HistoryFetcher, config BackfillConfig, metrics *observability.Metrics) *Backfiller {
	return &Backfiller{
		logger:  logger.Named("backfill"),
		fetcher: fetcher,
		config:  config,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run returns resampled bars whose last bar is less than one bar length old.
func (b *Backfiller) Run(ctx context.Context, instrument string, barLength time.Duration) (types.TimeSeries, error) {
	var (
		result  types.TimeSeries
		attempt int
		lastBar time.Time
	)

	op := func() error {
		attempt++
		b.metrics.RecordBackfillAttempt()

		now := b.now().UTC()
		raw, err := b.fetcher.FetchRecentBars(ctx, instrument, now.Add(-b.config.Lookback), now,
			b.config.Granularity, b.config.PriceSide)
		if err != nil {
			return fmt.Errorf("fetch history: %w", err)
		}

		bars := Resample(raw.Bars, barLength)
		if len(bars) == 0 {
			return ErrBackfillStale
		}

		lastBar = bars[len(bars)-1].Timestamp
		if now.Sub(lastBar) >= barLength {
			return ErrBackfillStale
		}

		result = types.TimeSeries{Symbol: instrument, Bars: bars}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		b.logger.Info("backfill not ready, retrying",
			zap.String("instrument", instrument),
			zap.Int("attempt", attempt),
			zap.Time("last_bar", lastBar),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b.config.backOff(), ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.TimeSeries{}, ctxErr
		}
		if errors.Is(err, ErrBackfillStale) {
			return types.TimeSeries{}, fmt.Errorf("%w: %s after %d attempts, last bar %s",
				ErrBackfillStale, instrument, attempt, lastBar.Format(time.RFC3339))
		}
		return types.TimeSeries{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrBackfillStale, instrument, attempt, err)
	}

	b.logger.Info("backfill complete",
		zap.String("instrument", instrument),
		zap.Int("bars", result.Len()),
		zap.Time("last_bar", lastBar),
	)
	return result, nil
}
