package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/jackc/pgx/v5"
)

// PriceStore reads and writes price series in the price_bars table.
type PriceStore struct {
	pool *Pool
}

// NewPriceStore creates a new PriceStore.
func NewPriceStore(pool *Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

var _ data.HistoricalSource = (*PriceStore)(nil)

// SaveSeries upserts every bar of the series in one transaction.
func (s *PriceStore) SaveSeries(ctx context.Context, series types.TimeSeries) error {
	if series.Symbol == "" {
		return fmt.Errorf("series has no symbol")
	}
	if err := series.Validate(); err != nil {
		return err
	}
	if series.Len() == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO price_bars (symbol, ts, price)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, ts) DO UPDATE SET price = EXCLUDED.price
	`

	batch := &pgx.Batch{}
	for _, bar := range series.Bars {
		batch.Queue(query, series.Symbol, bar.Timestamp.UTC(), bar.Price)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert price bars: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Fetch implements data.HistoricalSource. Zero bounds are open.
func (s *PriceStore) Fetch(ctx context.Context, symbol string, start, end time.Time) (types.TimeSeries, error) {
	query := `
		SELECT ts, price
		FROM price_bars
		WHERE symbol = $1
		  AND ($2::timestamptz IS NULL OR ts >= $2)
		  AND ($3::timestamptz IS NULL OR ts <= $3)
		ORDER BY ts ASC
	`

	rows, err := s.pool.Query(ctx, query, symbol, nullTime(start), nullTime(end))
	if err != nil {
		return types.TimeSeries{}, fmt.Errorf("query price bars: %w", err)
	}
	defer rows.Close()

	series := types.TimeSeries{Symbol: symbol}
	for rows.Next() {
		var bar types.PriceBar
		if err := rows.Scan(&bar.Timestamp, &bar.Price); err != nil {
			return types.TimeSeries{}, fmt.Errorf("scan price bar: %w", err)
		}
		bar.Timestamp = bar.Timestamp.UTC()
		series.Bars = append(series.Bars, bar)
	}
	if err := rows.Err(); err != nil {
		return types.TimeSeries{}, fmt.Errorf("iterate price bars: %w", err)
	}

	if series.Len() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM price_bars WHERE symbol = $1)`, symbol).Scan(&exists); err != nil {
			return types.TimeSeries{}, fmt.Errorf("check symbol: %w", err)
		}
		if !exists {
			return types.TimeSeries{}, fmt.Errorf("%w: %s", data.ErrSymbolNotFound, symbol)
		}
	}
	return series, nil
}

// Symbols returns every stored symbol in sorted order.
func (s *PriceStore) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT symbol FROM price_bars ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	symbols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect symbols: %w", err)
	}
	return symbols, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
