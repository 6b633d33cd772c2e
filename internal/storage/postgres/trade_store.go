package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlas-desktop/signal-trader/internal/events"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrTradeNotFound is returned by Get for an unknown trade ID.
var ErrTradeNotFound = errors.New("trade not found")

// TradeStore persists executed trades. It implements events.Reporter so it
// can subscribe to the live event bus.
type TradeStore struct {
	pool   *Pool
	logger *zap.Logger
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool, logger *zap.Logger) *TradeStore {
	return &TradeStore{pool: pool, logger: logger.Named("trade_store")}
}

var _ events.Reporter = (*TradeStore)(nil)

const tradeColumns = `
	id, event_type, instrument, bar_time, label, from_position, to_position,
	order_id, filled_at, units, fill_price, realized_pl, cumulative_pl
`

// Insert adds one trade. Re-inserting an existing ID is a no-op.
func (s *TradeStore) Insert(ctx context.Context, ev events.TradeEvent) error {
	query := `
		INSERT INTO trades (` + tradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		ev.ID, string(ev.Type), ev.Instrument, ev.BarTime.UTC(), ev.Label,
		int16(ev.Transition.From), int16(ev.Transition.To),
		ev.Receipt.ID, ev.Receipt.Time.UTC(),
		ev.Receipt.Units, ev.Receipt.FillPrice, ev.Receipt.RealizedPL, ev.CumulativePL,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Report implements events.Reporter. Storage failures are logged and do not
// interrupt trading.
func (s *TradeStore) Report(ctx context.Context, ev events.TradeEvent) {
	if err := s.Insert(ctx, ev); err != nil {
		s.logger.Error("Failed to store trade", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// Get retrieves a trade by ID.
func (s *TradeStore) Get(ctx context.Context, id string) (events.TradeEvent, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`

	ev, err := scanTrade(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return events.TradeEvent{}, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
		}
		return events.TradeEvent{}, fmt.Errorf("get trade: %w", err)
	}
	return ev, nil
}

// List returns the trades of one instrument in fill order. A non-positive
// limit returns all of them.
func (s *TradeStore) List(ctx context.Context, instrument string, limit int) ([]events.TradeEvent, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE instrument = $1
		ORDER BY filled_at ASC, id ASC
	`
	args := []any{instrument}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []events.TradeEvent
	for rows.Next() {
		ev, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return trades, nil
}

func scanTrade(row pgx.Row) (events.TradeEvent, error) {
	var (
		ev        events.TradeEvent
		eventType string
		from, to  int16
	)
	err := row.Scan(
		&ev.ID, &eventType, &ev.Instrument, &ev.BarTime, &ev.Label, &from, &to,
		&ev.Receipt.ID, &ev.Receipt.Time,
		&ev.Receipt.Units, &ev.Receipt.FillPrice, &ev.Receipt.RealizedPL, &ev.CumulativePL,
	)
	if err != nil {
		return events.TradeEvent{}, err
	}

	ev.Type = events.EventType(eventType)
	ev.Transition = types.Transition{From: types.Position(from), To: types.Position(to)}
	ev.BarTime = ev.BarTime.UTC()
	ev.Receipt.Time = ev.Receipt.Time.UTC()
	ev.Receipt.Instrument = ev.Instrument
	return ev, nil
}
