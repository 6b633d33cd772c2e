package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/live"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuoteMessage is a top-of-book update pushed by a websocket quote feed.
type QuoteMessage struct {
	Type       string          `json:"type"`
	Instrument string          `json:"instrument"`
	Time       time.Time       `json:"time"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// WSFeedConfig configures the websocket quote feed.
type WSFeedConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	BufferSize       int           `mapstructure:"buffer_size"`
}

// WSFeed subscribes to quotes over a websocket. It implements live.TickSubscriber.
type WSFeed struct {
	logger *zap.Logger
	config WSFeedConfig
	dialer *websocket.Dialer
}

// NewWSFeed creates a websocket quote feed.
func NewWSFeed(logger *zap.Logger, config WSFeedConfig) *WSFeed {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	return &WSFeed{
		logger: logger.Named("ws_feed"),
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}
}

// Subscribe dials the feed and subscribes to one instrument.
func (f *WSFeed) Subscribe(ctx context.Context, instrument string, maxTicks int) (live.TickStream, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to quote feed: %w", err)
	}

	msg := subscribeMessage{
		Method: "SUBSCRIBE",
		Params: []string{instrument},
		ID:     time.Now().UnixNano(),
	}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", instrument, err)
	}

	s := &wsStream{
		logger:     f.logger.With(zap.String("instrument", instrument)),
		conn:       conn,
		instrument: instrument,
		quotes:     make(chan types.Quote, f.config.BufferSize),
		done:       make(chan struct{}),
		maxTicks:   maxTicks,
	}
	go s.readLoop()

	f.logger.Info("Subscribed to quote feed", zap.String("instrument", instrument), zap.Int("max_ticks", maxTicks))
	return s, nil
}

type wsStream struct {
	logger     *zap.Logger
	conn       *websocket.Conn
	instrument string
	quotes     chan types.Quote
	done       chan struct{}
	maxTicks   int
	received   int

	// err is set before quotes is closed
	err       error
	closeOnce sync.Once
}

func (s *wsStream) readLoop() {
	defer close(s.quotes)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = io.EOF
				return
			}
			select {
			case <-s.done:
				s.err = io.EOF
			default:
				s.logger.Error("WebSocket read error", zap.Error(err))
				s.err = err
			}
			return
		}

		var msg QuoteMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("Skipping undecodable message", zap.Error(err))
			continue
		}
		if msg.Type != "quote" || msg.Instrument != s.instrument {
			continue
		}

		q := types.Quote{
			Time: msg.Time.UTC(),
			Bid:  msg.Bid.InexactFloat64(),
			Ask:  msg.Ask.InexactFloat64(),
		}
		select {
		case s.quotes <- q:
		case <-s.done:
			s.err = io.EOF
			return
		}
	}
}

// Recv returns the next quote, or io.EOF once the feed closes or maxTicks
// quotes have been delivered.
func (s *wsStream) Recv(ctx context.Context) (types.Quote, error) {
	if s.maxTicks > 0 && s.received >= s.maxTicks {
		return types.Quote{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return types.Quote{}, ctx.Err()
	case q, ok := <-s.quotes:
		if !ok {
			return types.Quote{}, s.err
		}
		s.received++
		return q, nil
	}
}

// Close sends a close frame and releases the connection.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil {
			s.logger.Debug("Close frame not sent", zap.Error(werr))
		}
		err = s.conn.Close()
	})
	return err
}
