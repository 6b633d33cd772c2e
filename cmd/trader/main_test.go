package main

import (
	"testing"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/broker"
	"github.com/atlas-desktop/signal-trader/internal/config"
	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLiveConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Live.Backfill.RetryDelay = 500 * time.Millisecond

	lc := liveConfig(cfg)
	require.NoError(t, lc.Validate())
	assert.Equal(t, "EUR_USD", lc.Instrument)
	assert.Equal(t, time.Minute, lc.BarLength)
	assert.Equal(t, "100000", lc.Units.String())
	assert.Equal(t, "S5", lc.Backfill.Granularity)
	assert.Equal(t, 500*time.Millisecond, lc.Backfill.InitialDelay)
	assert.Equal(t, 500*time.Millisecond, lc.Backfill.MaxDelay)
	assert.Equal(t, 30, lc.Backfill.MaxAttempts)
}

func TestTickSource(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	logger := zap.NewNop()
	client := broker.NewClient(logger, cfg.Broker)

	assert.Same(t, client, tickSource(logger, cfg, client))

	cfg.Live.Feed = "websocket"
	cfg.Live.WebSocket.URL = "ws://localhost:9000/quotes"
	_, ok := tickSource(logger, cfg, client).(*data.WSFeed)
	assert.True(t, ok)
}
