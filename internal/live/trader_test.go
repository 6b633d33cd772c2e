package live

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/events"
	"github.com/atlas-desktop/signal-trader/internal/execution"
	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/internal/strategy"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedStrategy returns a fixed target for a given number of bars and no
// position otherwise.
type scriptedStrategy struct {
	targets map[int]types.Position
	panicAt int
}

func (s *scriptedStrategy) Name() string                 { return "scripted" }
func (s *scriptedStrategy) Config() types.StrategyConfig { return types.NewCrossoverConfig(1, 2) }
func (s *scriptedStrategy) WarmUp() int                  { return 0 }

func (s *scriptedStrategy) ComputeIndicators(*indicators.Cache) (strategy.IndicatorSet, error) {
	return strategy.IndicatorSet{}, nil
}

func (s *scriptedStrategy) ComputeSignal(prices []float64, _ strategy.IndicatorSet) types.PositionSeries {
	n := len(prices)
	if s.panicAt > 0 && n == s.panicAt {
		panic("indicator overflow")
	}
	p, ok := s.targets[n]
	if !ok {
		return types.PositionSeries{Start: n}
	}
	return types.PositionSeries{Start: n - 1, Positions: []types.Position{p}}
}

type sliceStream struct {
	mu     sync.Mutex
	quotes []types.Quote
	next   int
	after  map[int]func()
	closed bool
}

func (s *sliceStream) Recv(ctx context.Context) (types.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hook, ok := s.after[s.next]; ok {
		delete(s.after, s.next)
		hook()
	}
	if err := ctx.Err(); err != nil {
		return types.Quote{}, err
	}
	if s.next >= len(s.quotes) {
		return types.Quote{}, io.EOF
	}
	q := s.quotes[s.next]
	s.next++
	return q, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type sliceSubscriber struct {
	stream   *sliceStream
	maxTicks int
}

func (s *sliceSubscriber) Subscribe(_ context.Context, _ string, maxTicks int) (TickStream, error) {
	s.maxTicks = maxTicks
	return s.stream, nil
}

func quote(d time.Duration, bid, ask float64) types.Quote {
	return types.Quote{Time: at(d), Bid: bid, Ask: ask}
}

// sessionQuotes close one bar each from the second quote on.
var sessionQuotes = []types.Quote{
	quote(40*time.Second, 1.1000, 1.1002),
	quote(time.Minute+10*time.Second, 1.1010, 1.1012),
	quote(2*time.Minute+10*time.Second, 1.1020, 1.1022),
	quote(3*time.Minute+10*time.Second, 1.1050, 1.1052),
	quote(4*time.Minute+10*time.Second, 1.1030, 1.1032),
}

func testConfig() Config {
	return Config{
		Instrument:     "EUR_USD",
		BarLength:      time.Minute,
		Units:          decimal.NewFromInt(100000),
		MaxTicks:       len(sessionQuotes),
		Backfill:       fastBackfill(),
		FlattenTimeout: time.Second,
	}
}

func newTestTrader(t *testing.T, strat strategy.Strategy, stream *sliceStream, exec execution.OrderExecutor,
	reporter events.Reporter, opts ...Option) *Trader {
	t.Helper()
	now := at(30 * time.Second)
	history := &scriptedFetcher{responses: []fetchResponse{
		{series: points(at(-10*time.Minute), now, 1.0990)},
	}}
	trader, err := NewTrader(zap.NewNop(), testConfig(), strat, history, &sliceSubscriber{stream: stream}, exec, reporter, opts...)
	require.NoError(t, err)
	trader.backfiller.now = fixedClock(now)
	return trader
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Instrument = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.BarLength = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Units = decimal.NewFromInt(-1)
	assert.Error(t, bad.Validate())
}

func TestTraderSession(t *testing.T) {
	paper := execution.NewPaperExecutor(zap.NewNop())
	log := &eventLog{}
	m := observability.NewMetrics(prometheus.NewRegistry(), "test")
	// the repeated second quote is dropped by the aggregator
	stream := &sliceStream{quotes: []types.Quote{
		sessionQuotes[0], sessionQuotes[1], sessionQuotes[1],
		sessionQuotes[2], sessionQuotes[3], sessionQuotes[4],
	}}

	strat := &scriptedStrategy{targets: map[int]types.Position{
		11: types.Long,
		12: types.Long,
		13: types.Short,
		14: types.Flat,
	}}
	trader := newTestTrader(t, strat, stream, paper, log, WithQuoteObserver(paper), WithMetrics(m))

	require.NoError(t, trader.Run(context.Background()))
	assert.True(t, stream.closed)

	session := trader.Session()
	assert.Equal(t, "EUR_USD", session.Instrument)
	assert.Equal(t, types.Flat, session.CurrentPosition)
	require.Len(t, session.CommittedBars, 14)
	assert.Equal(t, at(4*time.Minute), session.CommittedBars[13].Timestamp)
	require.Len(t, session.TickBuffer, 1)
	assert.Equal(t, at(4*time.Minute+10*time.Second), session.TickBuffer[0].Timestamp)

	require.Len(t, session.TradeLog, 3)
	var units []string
	sum := decimal.Zero
	for _, r := range session.TradeLog {
		units = append(units, r.Units.String())
		sum = sum.Add(r.RealizedPL)
	}
	assert.Equal(t, []string{"100000", "-200000", "100000"}, units)
	assert.True(t, session.CumulativeRealizedPL.Equal(decimal.RequireFromString("560")), "got %s", session.CumulativeRealizedPL)
	assert.True(t, sum.Equal(session.CumulativeRealizedPL))

	assert.Equal(t, []string{"GOING LONG", "GOING SHORT", "GOING NEUTRAL"}, log.labels())
	assert.Equal(t, at(time.Minute), log.events[0].BarTime)

	assert.Equal(t, 6.0, testutil.ToFloat64(m.TicksReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksDropped))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BarsCommitted))
}

func TestTraderFlattensOnStreamEnd(t *testing.T) {
	paper := execution.NewPaperExecutor(zap.NewNop())
	log := &eventLog{}
	stream := &sliceStream{quotes: sessionQuotes[:2]}
	strat := &scriptedStrategy{targets: map[int]types.Position{11: types.Long}}

	trader := newTestTrader(t, strat, stream, paper, log, WithQuoteObserver(paper))
	require.NoError(t, trader.Run(context.Background()))

	assert.Equal(t, types.Flat, trader.Session().CurrentPosition)
	require.Len(t, log.events, 2)
	assert.Equal(t, events.EventTypeFlatten, log.events[1].Type)
	assert.Equal(t, "-100000", log.events[1].Receipt.Units.String())

	units, _ := paper.Position("EUR_USD")
	assert.True(t, units.IsZero())
}

func TestTraderRetriesFailedTransitionOnNextBar(t *testing.T) {
	exec := &recordingExecutor{failNext: 1, err: errors.New("timeout")}
	stream := &sliceStream{quotes: sessionQuotes[:3]}
	strat := &scriptedStrategy{targets: map[int]types.Position{11: types.Long, 12: types.Long}}

	trader := newTestTrader(t, strat, stream, exec, nil)
	require.NoError(t, trader.Run(context.Background()))

	assert.Equal(t, []string{"100000", "-100000"}, exec.submitted())
}

func TestTraderFlattensAfterCancel(t *testing.T) {
	exec := &recordingExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &sliceStream{quotes: sessionQuotes, after: map[int]func(){2: cancel}}
	strat := &scriptedStrategy{targets: map[int]types.Position{11: types.Long, 12: types.Long}}

	trader := newTestTrader(t, strat, stream, exec, nil)
	err := trader.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"100000", "-100000"}, exec.submitted())
	assert.Equal(t, types.Flat, trader.Session().CurrentPosition)
	assert.True(t, stream.closed)
}

func TestTraderFlattensAfterPanic(t *testing.T) {
	exec := &recordingExecutor{}
	stream := &sliceStream{quotes: sessionQuotes}
	strat := &scriptedStrategy{targets: map[int]types.Position{11: types.Short}, panicAt: 12}

	trader := newTestTrader(t, strat, stream, exec, nil)
	err := trader.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session panic")

	assert.Equal(t, []string{"-100000", "100000"}, exec.submitted())
	assert.True(t, stream.closed)
}

func TestTraderReportsFlattenFailure(t *testing.T) {
	exec := &recordingExecutor{}
	stream := &sliceStream{quotes: sessionQuotes[:2]}
	strat := &scriptedStrategy{targets: map[int]types.Position{11: types.Long}}
	trader := newTestTrader(t, strat, stream, exec, nil)

	stream.after = map[int]func(){2: func() {
		exec.mu.Lock()
		exec.failNext, exec.err = 1, errors.New("venue down")
		exec.mu.Unlock()
	}}

	err := trader.Run(context.Background())
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.Flat, terr.Transition.To)
	assert.Equal(t, types.Long, trader.Session().CurrentPosition)
}

func TestTraderBackfillFailure(t *testing.T) {
	history := &scriptedFetcher{responses: []fetchResponse{{err: errors.New("unauthorized")}}}
	trader, err := NewTrader(zap.NewNop(), testConfig(), &scriptedStrategy{}, history,
		&sliceSubscriber{stream: &sliceStream{}}, &recordingExecutor{}, nil)
	require.NoError(t, err)

	err = trader.Run(context.Background())
	assert.ErrorIs(t, err, ErrBackfillStale)
}
