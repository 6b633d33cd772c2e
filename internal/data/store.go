// Package data provides historical price storage and loading.
package data

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-trader/pkg/types"
	"go.uber.org/zap"
)

// ErrSymbolNotFound is returned when no series is stored for a symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// HistoricalSource loads a closed price series for a symbol. Zero start or
// end bounds are open.
type HistoricalSource interface {
	Fetch(ctx context.Context, symbol string, start, end time.Time) (types.TimeSeries, error)
}

// timeColumns are the header names recognised as the timestamp column of an
// imported CSV.
var timeColumns = []string{"Date", "date", "time", "Time", "timestamp"}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Store keeps one JSON series file per symbol under a data directory.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string]types.TimeSeries
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger.Named("store"),
		dataDir:  dataDir,
		cache:    make(map[string]types.TimeSeries),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// Fetch implements HistoricalSource.
func (s *Store) Fetch(ctx context.Context, symbol string, start, end time.Time) (types.TimeSeries, error) {
	if err := ctx.Err(); err != nil {
		return types.TimeSeries{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[symbol]; ok {
		return cached.Between(start, end), nil
	}

	raw, err := os.ReadFile(s.seriesPath(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return types.TimeSeries{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return types.TimeSeries{}, fmt.Errorf("failed to read data file: %w", err)
	}

	var series types.TimeSeries
	if err := json.Unmarshal(raw, &series); err != nil {
		return types.TimeSeries{}, fmt.Errorf("failed to parse data: %w", err)
	}
	series.Symbol = symbol

	sort.Slice(series.Bars, func(i, j int) bool {
		return series.Bars[i].Timestamp.Before(series.Bars[j].Timestamp)
	})
	if err := series.Validate(); err != nil {
		return types.TimeSeries{}, err
	}

	s.cache[symbol] = series
	return series.Between(start, end), nil
}

// Save writes a series to disk, replacing any stored series for the symbol.
func (s *Store) Save(series types.TimeSeries) error {
	if series.Symbol == "" {
		return fmt.Errorf("series has no symbol")
	}
	if err := series.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(series, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(s.seriesPath(series.Symbol), raw, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[series.Symbol] = series
	if n := series.Len(); n > 0 {
		s.metadata[series.Symbol] = &SymbolMetadata{
			Symbol:    series.Symbol,
			StartDate: series.Bars[0].Timestamp,
			EndDate:   series.Bars[n-1].Timestamp,
			BarCount:  n,
		}
	}

	return s.saveMetadata()
}

// ImportCSV reads a wide CSV with one timestamp column and one price column per
// symbol, and saves every symbol as its own series. Empty and NaN cells are
// skipped. It returns the imported symbols.
func (s *Store) ImportCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	timeIdx := -1
	for i, name := range header {
		for _, tc := range timeColumns {
			if strings.TrimSpace(name) == tc {
				timeIdx = i
				break
			}
		}
		if timeIdx >= 0 {
			break
		}
	}
	if timeIdx < 0 {
		return nil, fmt.Errorf("csv has no time column (want one of %s)", strings.Join(timeColumns, ", "))
	}

	series := make(map[int]*types.TimeSeries)
	var symbols []string
	for i, name := range header {
		if i == timeIdx {
			continue
		}
		sym := strings.TrimSpace(name)
		series[i] = &types.TimeSeries{Symbol: sym}
		symbols = append(symbols, sym)
	}

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}

		ts, err := parseTime(record[timeIdx])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		for i, ser := range series {
			cell := strings.TrimSpace(record[i])
			if cell == "" || strings.EqualFold(cell, "nan") {
				continue
			}
			price, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %s: %w", line, ser.Symbol, err)
			}
			ser.Bars = append(ser.Bars, types.PriceBar{Timestamp: ts, Price: price})
		}
	}

	for _, ser := range series {
		sort.Slice(ser.Bars, func(i, j int) bool {
			return ser.Bars[i].Timestamp.Before(ser.Bars[j].Timestamp)
		})
		if err := s.Save(*ser); err != nil {
			return nil, fmt.Errorf("import %s: %w", ser.Symbol, err)
		}
	}

	s.logger.Info("imported csv", zap.Strings("symbols", symbols), zap.Int("rows", line-1))
	return symbols, nil
}

// ImportCSVFile imports a CSV file from disk.
func (s *Store) ImportCSVFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.ImportCSV(f)
}

// Symbols returns all stored symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for sym := range s.metadata {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// DataRange returns the available data range for a symbol
func (s *Store) DataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]types.TimeSeries)
}

// CacheSize returns the number of cached series
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *Store) seriesPath(symbol string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(symbol)
	return filepath.Join(s.dataDir, safe+".json")
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0644)
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}
