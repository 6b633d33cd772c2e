package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type priceLevel struct {
	Price decimal.Decimal `json:"price"`
}

// priceMessage is one line of the chunked pricing stream.
type priceMessage struct {
	Type       string       `json:"type"`
	Time       time.Time    `json:"time"`
	Instrument string       `json:"instrument"`
	Bids       []priceLevel `json:"bids"`
	Asks       []priceLevel `json:"asks"`
}

// priceStream reads quotes from a newline-delimited JSON response body.
// Heartbeats and malformed lines are skipped.
type priceStream struct {
	logger   *zap.Logger
	body     io.ReadCloser
	cancel   context.CancelFunc
	quotes   chan types.Quote
	maxTicks int
	received int

	// err is set before quotes is closed
	err       error
	closeOnce sync.Once
}

func newPriceStream(ctx context.Context, logger *zap.Logger, body io.ReadCloser, cancel context.CancelFunc, maxTicks int) *priceStream {
	s := &priceStream{
		logger:   logger.Named("stream"),
		body:     body,
		cancel:   cancel,
		quotes:   make(chan types.Quote, 64),
		maxTicks: maxTicks,
	}
	go s.pump(ctx)
	return s
}

func (s *priceStream) pump(ctx context.Context) {
	defer close(s.quotes)

	scanner := bufio.NewScanner(s.body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg priceMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("skipping malformed stream message", zap.Error(err))
			continue
		}
		if msg.Type != "PRICE" || len(msg.Bids) == 0 || len(msg.Asks) == 0 {
			continue
		}

		q := types.Quote{
			Time: msg.Time.UTC(),
			Bid:  msg.Bids[0].Price.InexactFloat64(),
			Ask:  msg.Asks[0].Price.InexactFloat64(),
		}
		select {
		case s.quotes <- q:
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}

	s.err = scanner.Err()
	if s.err == nil {
		s.err = io.EOF
	}
}

// Recv returns the next quote, or io.EOF once the stream ends or maxTicks
// quotes have been delivered.
func (s *priceStream) Recv(ctx context.Context) (types.Quote, error) {
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

// Close stops the stream and releases the connection.
func (s *priceStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
