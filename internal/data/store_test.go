// Package data_test provides tests for the data store.
package data_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func day(d int) time.Time {
	return time.Date(2020, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestStoreSaveAndFetch(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)

	series := types.TimeSeries{Symbol: "EURUSD=X", Bars: []types.PriceBar{
		{Timestamp: day(1), Price: 1.12},
		{Timestamp: day(2), Price: 1.13},
		{Timestamp: day(3), Price: 1.11},
	}}
	require.NoError(t, store.Save(series))

	got, err := store.Fetch(context.Background(), "EURUSD=X", day(2), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []types.PriceBar{series.Bars[1], series.Bars[2]}, got.Bars)

	// a fresh store reads the file and metadata back from disk
	reopened, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"EURUSD=X"}, reopened.Symbols())
	assert.Equal(t, 0, reopened.CacheSize())

	got, err = reopened.Fetch(context.Background(), "EURUSD=X", time.Time{}, day(2))
	require.NoError(t, err)
	assert.Equal(t, series.Bars[:2], got.Bars)
	assert.Equal(t, 1, reopened.CacheSize())

	start, end, err := reopened.DataRange("EURUSD=X")
	require.NoError(t, err)
	assert.Equal(t, day(1), start)
	assert.Equal(t, day(3), end)

	reopened.ClearCache()
	assert.Equal(t, 0, reopened.CacheSize())
}

func TestStoreUnknownSymbol(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), "GBPUSD", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, data.ErrSymbolNotFound)

	_, _, err = store.DataRange("GBPUSD")
	assert.ErrorIs(t, err, data.ErrSymbolNotFound)
}

func TestStoreRejectsInvalidSeries(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.Save(types.TimeSeries{Bars: []types.PriceBar{{Timestamp: day(1), Price: 1}}}))
	assert.Error(t, store.Save(types.TimeSeries{Symbol: "X", Bars: []types.PriceBar{
		{Timestamp: day(2), Price: 1},
		{Timestamp: day(1), Price: 1},
	}}))
	assert.Error(t, store.Save(types.TimeSeries{Symbol: "X", Bars: []types.PriceBar{{Timestamp: day(1), Price: 0}}}))
}

func TestImportDailyCSV(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	csv := "Date,EURUSD=X,GBPUSD=X\n" +
		"2020-01-01,1.1220,1.3250\n" +
		"2020-01-02,1.1217,\n" +
		"2020-01-03,NaN,1.3090\n"

	symbols, err := store.ImportCSV(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, []string{"EURUSD=X", "GBPUSD=X"}, symbols)
	assert.Equal(t, []string{"EURUSD=X", "GBPUSD=X"}, store.Symbols())

	eur, err := store.Fetch(context.Background(), "EURUSD=X", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []types.PriceBar{
		{Timestamp: day(1), Price: 1.1220},
		{Timestamp: day(2), Price: 1.1217},
	}, eur.Bars)

	gbp, err := store.Fetch(context.Background(), "GBPUSD=X", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, gbp.Len())
	assert.Equal(t, day(3), gbp.Bars[1].Timestamp)
}

func TestImportIntradayCSV(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	csv := "time,EURUSD,GBPUSD\n" +
		"2018-01-01 22:00:00+00:00,1.20101,1.35060\n" +
		"2018-01-01 23:00:00+00:00,1.20124,1.35161\n"

	_, err = store.ImportCSV(strings.NewReader(csv))
	require.NoError(t, err)

	eur, err := store.Fetch(context.Background(), "EURUSD", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, eur.Len())
	assert.Equal(t, time.Date(2018, 1, 1, 23, 0, 0, 0, time.UTC), eur.Bars[1].Timestamp)
	assert.Equal(t, 1.20124, eur.Bars[1].Price)
}

func TestImportCSVErrors(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, err = store.ImportCSV(strings.NewReader("when,EURUSD\n2020-01-01,1.1\n"))
	assert.Error(t, err)

	_, err = store.ImportCSV(strings.NewReader("Date,EURUSD\nyesterday,1.1\n"))
	assert.Error(t, err)

	_, err = store.ImportCSV(strings.NewReader("Date,EURUSD\n2020-01-01,abc\n"))
	assert.Error(t, err)
}

func TestFetchHonoursCancelledContext(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Fetch(ctx, "EURUSD", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
}
