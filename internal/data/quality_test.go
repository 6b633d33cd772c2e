package data_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dailySeries(prices ...float64) types.TimeSeries {
	s := types.TimeSeries{Symbol: "EURUSD=X"}
	t0 := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range prices {
		s.Bars = append(s.Bars, types.PriceBar{Timestamp: t0.AddDate(0, 0, i), Price: p})
	}
	return s
}

func TestCheckQualityClean(t *testing.T) {
	report := data.CheckQuality(dailySeries(1.10, 1.11, 1.12, 1.11, 1.13), data.DefaultQualityConfig())
	assert.Empty(t, report.Issues)
	assert.Equal(t, 100, report.Score)
	assert.Equal(t, 5, report.Bars)
}

func TestCheckQualityFindsIssues(t *testing.T) {
	s := dailySeries(1.10, 1.11, 1.12, 1.50, 1.12, 1.12, 1.12, 1.12)
	// Move the last bar 30 days out.
	s.Bars[7].Timestamp = s.Bars[6].Timestamp.AddDate(0, 0, 30)

	report := data.CheckQuality(s, data.QualityConfig{MaxMove: 0.1, MaxStaleBars: 3})

	kinds := map[string]int{}
	for _, is := range report.Issues {
		kinds[is.Type]++
	}
	assert.Equal(t, 2, kinds[data.IssueExtremeMove]) // up to 1.50 and back
	assert.Equal(t, 1, kinds[data.IssueStalePrice])
	require.Equal(t, 1, kinds[data.IssueGap])

	for _, is := range report.Issues {
		if is.Type == data.IssueGap {
			assert.Equal(t, 6, is.BarIndex)
			assert.Equal(t, "critical", is.Severity)
		}
		if is.Type == data.IssueStalePrice {
			assert.Equal(t, 4, is.BarIndex)
		}
	}
	assert.Less(t, report.Score, 100)
}

func TestCheckQualityEmpty(t *testing.T) {
	report := data.CheckQuality(types.TimeSeries{Symbol: "X"}, data.DefaultQualityConfig())
	assert.Empty(t, report.Issues)
	assert.Zero(t, report.Score)
}
