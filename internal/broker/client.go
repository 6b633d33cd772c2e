// Package broker implements a REST client for an OANDA v20 style FX broker:
// historical candles, market orders and the streaming price feed.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/live"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	PracticeURL       = "https://api-fxpractice.oanda.com"
	PracticeStreamURL = "https://stream-fxpractice.oanda.com"

	// maxCandles is the largest candle count the API returns per request.
	maxCandles = 5000
)

var (
	// ErrOrderNotFilled is returned when a market order is cancelled instead of filled.
	ErrOrderNotFilled = errors.New("order not filled")
	// ErrUnknownGranularity is returned for a candle granularity the API does not define.
	ErrUnknownGranularity = errors.New("unknown granularity")
)

var granularities = map[string]time.Duration{
	"S5": 5 * time.Second, "S10": 10 * time.Second, "S15": 15 * time.Second, "S30": 30 * time.Second,
	"M1": time.Minute, "M2": 2 * time.Minute, "M4": 4 * time.Minute, "M5": 5 * time.Minute,
	"M10": 10 * time.Minute, "M15": 15 * time.Minute, "M30": 30 * time.Minute,
	"H1": time.Hour, "H2": 2 * time.Hour, "H3": 3 * time.Hour, "H4": 4 * time.Hour,
	"H6": 6 * time.Hour, "H8": 8 * time.Hour, "H12": 12 * time.Hour, "D": 24 * time.Hour,
}

// GranularityDuration returns the bar length of a granularity code.
func GranularityDuration(g string) (time.Duration, error) {
	d, ok := granularities[g]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownGranularity, g)
	}
	return d, nil
}

// Config contains broker client configuration.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	StreamURL string        `mapstructure:"stream_url"`
	AccountID string        `mapstructure:"account_id"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retry     RetryConfig   `mapstructure:"retry"`
}

// RetryConfig bounds retries of idempotent requests.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// DefaultRetryConfig retries three times with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// APIError is a non-2xx response from the broker.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the broker REST and streaming endpoints. It implements
// live.HistoryFetcher, live.TickSubscriber and execution.OrderExecutor.
type Client struct {
	logger     *zap.Logger
	config     Config
	httpClient *http.Client
	streamHTTP *http.Client
}

// NewClient creates a broker client.
func NewClient(logger *zap.Logger, config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = PracticeURL
	}
	if config.StreamURL == "" {
		config.StreamURL = PracticeStreamURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryConfig()
	}

	return &Client{
		logger:     logger.Named("broker"),
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		// the price stream stays open indefinitely
		streamHTTP: &http.Client{},
	}
}

type candleResponse struct {
	Instrument string   `json:"instrument"`
	Candles    []candle `json:"candles"`
}

type candle struct {
	Time     time.Time `json:"time"`
	Complete bool      `json:"complete"`
	Mid      *ohlc     `json:"mid"`
	Bid      *ohlc     `json:"bid"`
	Ask      *ohlc     `json:"ask"`
}

type ohlc struct {
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
}

func (c candle) close(priceSide string) (decimal.Decimal, bool) {
	var p *ohlc
	switch priceSide {
	case "B":
		p = c.Bid
	case "A":
		p = c.Ask
	default:
		p = c.Mid
	}
	if p == nil {
		return decimal.Zero, false
	}
	return p.C, true
}

// FetchRecentBars returns candle closes for [start, end], paging through the
// window in chunks the API accepts.
func (c *Client) FetchRecentBars(ctx context.Context, instrument string, start, end time.Time, granularity, priceSide string) (types.TimeSeries, error) {
	step, err := GranularityDuration(granularity)
	if err != nil {
		return types.TimeSeries{}, err
	}
	if priceSide == "" {
		priceSide = "M"
	}

	series := types.TimeSeries{Symbol: instrument}
	chunk := step * maxCandles
	for from := start; from.Before(end); from = from.Add(chunk) {
		to := from.Add(chunk)
		if to.After(end) {
			to = end
		}

		params := url.Values{}
		params.Set("from", from.UTC().Format(time.RFC3339))
		params.Set("to", to.UTC().Format(time.RFC3339))
		params.Set("granularity", granularity)
		params.Set("price", priceSide)

		var resp candleResponse
		path := fmt.Sprintf("/v3/instruments/%s/candles", url.PathEscape(instrument))
		if err := c.getJSON(ctx, path, params, &resp); err != nil {
			return types.TimeSeries{}, fmt.Errorf("candles %s %s: %w", instrument, from.Format(time.RFC3339), err)
		}

		for _, cd := range resp.Candles {
			price, ok := cd.close(priceSide)
			if !ok || !price.IsPositive() {
				continue
			}
			ts := cd.Time.UTC()
			if n := len(series.Bars); n > 0 && !ts.After(series.Bars[n-1].Timestamp) {
				continue
			}
			series.Bars = append(series.Bars, types.PriceBar{Timestamp: ts, Price: price.InexactFloat64()})
		}
	}

	c.logger.Debug("fetched candles",
		zap.String("instrument", instrument),
		zap.String("granularity", granularity),
		zap.Int("bars", series.Len()),
	)
	return series, nil
}

type orderRequest struct {
	Order marketOrder `json:"order"`
}

type marketOrder struct {
	Type         string          `json:"type"`
	Instrument   string          `json:"instrument"`
	Units        decimal.Decimal `json:"units"`
	TimeInForce  string          `json:"timeInForce"`
	PositionFill string          `json:"positionFill"`
}

type orderResponse struct {
	OrderFillTransaction *struct {
		ID    string          `json:"id"`
		Time  time.Time       `json:"time"`
		Units decimal.Decimal `json:"units"`
		Price decimal.Decimal `json:"price"`
		PL    decimal.Decimal `json:"pl"`
	} `json:"orderFillTransaction"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction"`
	ErrorMessage string `json:"errorMessage"`
}

// Submit places a fill-or-kill market order. Orders are never retried.
func (c *Client) Submit(ctx context.Context, instrument string, units decimal.Decimal) (*types.OrderReceipt, error) {
	body, err := json.Marshal(orderRequest{Order: marketOrder{
		Type:         "MARKET",
		Instrument:   instrument,
		Units:        units,
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}})
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v3/accounts/%s/orders", url.PathEscape(c.config.AccountID))
	req, err := c.newRequest(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read order response: %w", err)
	}

	var out orderResponse
	if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := out.ErrorMessage
		if msg == "" {
			msg = string(raw)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	fill := out.OrderFillTransaction
	if fill == nil {
		reason := "no fill transaction"
		if out.OrderCancelTransaction != nil {
			reason = out.OrderCancelTransaction.Reason
		}
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFilled, reason)
	}

	c.logger.Info("order filled",
		zap.String("instrument", instrument),
		zap.String("id", fill.ID),
		zap.String("units", fill.Units.String()),
		zap.String("price", fill.Price.String()),
		zap.String("pl", fill.PL.String()),
	)
	return &types.OrderReceipt{
		ID:         fill.ID,
		Instrument: instrument,
		Time:       fill.Time.UTC(),
		Units:      fill.Units,
		FillPrice:  fill.Price,
		RealizedPL: fill.PL,
	}, nil
}

// Subscribe opens the price stream for one instrument.
func (c *Client) Subscribe(ctx context.Context, instrument string, maxTicks int) (live.TickStream, error) {
	params := url.Values{}
	params.Set("instruments", instrument)
	path := fmt.Sprintf("/v3/accounts/%s/pricing/stream", url.PathEscape(c.config.AccountID))

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(streamCtx, http.MethodGet, c.config.StreamURL+path+"?"+params.Encode(), nil)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open price stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	c.logger.Info("price stream opened", zap.String("instrument", instrument), zap.Int("max_ticks", maxTicks))
	return newPriceStream(streamCtx, c.logger, resp.Body, cancel, maxTicks), nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// getJSON performs a GET with retries on transport errors and 5xx responses.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	target := c.config.BaseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	op := func() error {
		req, err := c.newRequest(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(resp.Body)
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying",
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, c.config.Retry.backOff(ctx), notify)
}
