package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/signal-trader/pkg/types"
	"go.uber.org/zap"
)

// Issue kinds reported by the quality checker.
const (
	IssueGap         = "GAP_DETECTED"
	IssueExtremeMove = "EXTREME_MOVE"
	IssueStalePrice  = "STALE_PRICE"
)

// QualityConfig holds the thresholds of the checker.
type QualityConfig struct {
	// MaxMove is the largest plausible absolute bar-to-bar change as a
	// fraction of the previous price.
	MaxMove float64
	// MaxStaleBars is the longest run of identical prices before the run is
	// reported.
	MaxStaleBars int
}

// DefaultQualityConfig suits daily or intraday FX closes.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{MaxMove: 0.1, MaxStaleBars: 10}
}

// Issue is one data quality problem.
type Issue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	BarIndex  int       `json:"bar_index"`
	Message   string    `json:"message"`
}

// QualityReport summarises the checks over one series.
type QualityReport struct {
	Symbol string  `json:"symbol"`
	Bars   int     `json:"bars"`
	Issues []Issue `json:"issues"`
	Score  int     `json:"score"` // 0-100
}

// CheckQuality scans series for gaps in the timestamps, implausible price
// moves and runs of repeated prices.
func CheckQuality(series types.TimeSeries, config QualityConfig) QualityReport {
	report := QualityReport{Symbol: series.Symbol, Bars: series.Len()}
	report.Issues = append(report.Issues, checkGaps(series.Bars)...)
	report.Issues = append(report.Issues, checkMoves(series.Bars, config.MaxMove)...)
	report.Issues = append(report.Issues, checkStale(series.Bars, config.MaxStaleBars)...)
	report.Score = qualityScore(report.Bars, report.Issues)
	return report
}

// checkGaps flags spacings far above the median of the first ten intervals.
func checkGaps(bars []types.PriceBar) []Issue {
	if len(bars) < 2 {
		return nil
	}

	intervals := make([]time.Duration, 0, 10)
	for i := 1; i < len(bars) && i <= 10; i++ {
		intervals = append(intervals, bars[i].Timestamp.Sub(bars[i-1].Timestamp))
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	expected := intervals[len(intervals)/2]
	limit := expected + expected/2

	var issues []Issue
	for i := 1; i < len(bars); i++ {
		actual := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if actual <= limit*3 {
			continue
		}
		severity := "high"
		if actual > limit*10 {
			severity = "critical"
		}
		issues = append(issues, Issue{
			Type:      IssueGap,
			Severity:  severity,
			Timestamp: bars[i-1].Timestamp,
			BarIndex:  i - 1,
			Message:   fmt.Sprintf("gap of %s (expected ~%s)", actual, expected),
		})
	}
	return issues
}

func checkMoves(bars []types.PriceBar, maxMove float64) []Issue {
	if maxMove <= 0 {
		return nil
	}
	var issues []Issue
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Price
		if prev <= 0 {
			continue
		}
		move := math.Abs(bars[i].Price/prev - 1)
		if move > maxMove {
			issues = append(issues, Issue{
				Type:      IssueExtremeMove,
				Severity:  "high",
				Timestamp: bars[i].Timestamp,
				BarIndex:  i,
				Message:   fmt.Sprintf("price moved %.2f%%", move*100),
			})
		}
	}
	return issues
}

func checkStale(bars []types.PriceBar, maxRun int) []Issue {
	if maxRun <= 0 {
		return nil
	}
	var issues []Issue
	runStart := 0
	flush := func(end int) {
		if n := end - runStart; n > maxRun {
			issues = append(issues, Issue{
				Type:      IssueStalePrice,
				Severity:  "medium",
				Timestamp: bars[runStart].Timestamp,
				BarIndex:  runStart,
				Message:   fmt.Sprintf("price %v repeated for %d bars", bars[runStart].Price, n),
			})
		}
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Price != bars[runStart].Price {
			flush(i)
			runStart = i
		}
	}
	if len(bars) > 0 {
		flush(len(bars))
	}
	return issues
}

func qualityScore(bars int, issues []Issue) int {
	if bars == 0 {
		return 0
	}
	penalty := 0.0
	for _, is := range issues {
		switch is.Severity {
		case "critical":
			penalty += 20
		case "high":
			penalty += 5
		default:
			penalty += 1
		}
	}
	return int(math.Max(0, 100-penalty))
}

// LogQuality writes a summary of report and each issue at warn level.
func LogQuality(logger *zap.Logger, report QualityReport) {
	if len(report.Issues) == 0 {
		logger.Debug("series passed quality checks", zap.String("symbol", report.Symbol), zap.Int("bars", report.Bars))
		return
	}
	logger.Warn("series has quality issues",
		zap.String("symbol", report.Symbol),
		zap.Int("bars", report.Bars),
		zap.Int("issues", len(report.Issues)),
		zap.Int("score", report.Score),
	)
	for _, is := range report.Issues {
		logger.Warn(is.Message,
			zap.String("symbol", report.Symbol),
			zap.String("type", is.Type),
			zap.String("severity", is.Severity),
			zap.Time("timestamp", is.Timestamp),
		)
	}
}
