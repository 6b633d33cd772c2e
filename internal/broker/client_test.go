package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(zap.NewNop(), Config{
		BaseURL:   srv.URL,
		StreamURL: srv.URL,
		AccountID: "101-001-1",
		Token:     "secret",
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	})
}

func candleJSON(ts time.Time, c string) map[string]any {
	return map[string]any{
		"time":     ts.Format(time.RFC3339Nano),
		"complete": true,
		"mid":      map[string]string{"o": c, "h": c, "l": c, "c": c},
	}
}

func TestFetchRecentBars(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/instruments/EUR_USD/candles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "S5", r.URL.Query().Get("granularity"))
		assert.Equal(t, "M", r.URL.Query().Get("price"))
		assert.Equal(t, t0.Format(time.RFC3339), r.URL.Query().Get("from"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"instrument": "EUR_USD",
			"candles": []any{
				candleJSON(t0, "1.10010"),
				map[string]any{"time": t0.Add(5 * time.Second).Format(time.RFC3339Nano), "complete": true},
				candleJSON(t0.Add(10*time.Second), "1.10030"),
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	series, err := newTestClient(srv).FetchRecentBars(context.Background(), "EUR_USD", t0, t0.Add(time.Minute), "S5", "M")
	require.NoError(t, err)

	require.Equal(t, 2, series.Len())
	assert.Equal(t, "EUR_USD", series.Symbol)
	assert.Equal(t, t0, series.Bars[0].Timestamp)
	assert.InDelta(t, 1.1001, series.Bars[0].Price, 1e-12)
	assert.InDelta(t, 1.1003, series.Bars[1].Price, 1e-12)
}

func TestFetchRecentBarsPagesLongWindows(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/instruments/EUR_USD/candles", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		assert.NoError(t, err)
		to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		assert.NoError(t, err)

		// both ends inclusive so consecutive pages overlap by one candle
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candles": []any{candleJSON(from, "1.1"), candleJSON(to, "1.2")},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	end := t0.Add(6000 * time.Minute)
	series, err := newTestClient(srv).FetchRecentBars(context.Background(), "EUR_USD", t0, end, "M1", "M")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	require.Equal(t, 3, series.Len())
	assert.Equal(t, t0, series.Bars[0].Timestamp)
	assert.Equal(t, t0.Add(5000*time.Minute), series.Bars[1].Timestamp)
	assert.Equal(t, end, series.Bars[2].Timestamp)
	require.NoError(t, series.Validate())
}

func TestFetchRecentBarsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"candles": []any{candleJSON(t0, "1.1")}})
	}))
	defer srv.Close()

	series, err := newTestClient(srv).FetchRecentBars(context.Background(), "EUR_USD", t0, t0.Add(time.Minute), "S5", "M")
	require.NoError(t, err)
	assert.Equal(t, 1, series.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchRecentBarsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"errorMessage":"Insufficient authorization"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchRecentBars(context.Background(), "EUR_USD", t0, t0.Add(time.Minute), "S5", "M")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchRecentBarsUnknownGranularity(t *testing.T) {
	c := NewClient(zap.NewNop(), Config{})
	_, err := c.FetchRecentBars(context.Background(), "EUR_USD", t0, t0.Add(time.Hour), "S7", "M")
	assert.ErrorIs(t, err, ErrUnknownGranularity)
}

func TestSubmitMarketOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/101-001-1/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Order map[string]string `json:"order"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "MARKET", body.Order["type"])
		assert.Equal(t, "EUR_USD", body.Order["instrument"])
		assert.Equal(t, "-200000", body.Order["units"])
		assert.Equal(t, "FOK", body.Order["timeInForce"])

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"orderFillTransaction":{"id":"6372","time":%q,"units":"-200000","price":"1.10512","pl":"48.0000"}}`,
			t0.Format(time.RFC3339Nano))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	receipt, err := newTestClient(srv).Submit(context.Background(), "EUR_USD", decimal.NewFromInt(-200000))
	require.NoError(t, err)
	assert.Equal(t, "6372", receipt.ID)
	assert.Equal(t, "EUR_USD", receipt.Instrument)
	assert.Equal(t, t0, receipt.Time)
	assert.True(t, receipt.Units.Equal(decimal.NewFromInt(-200000)))
	assert.True(t, receipt.FillPrice.Equal(decimal.RequireFromString("1.10512")))
	assert.True(t, receipt.RealizedPL.Equal(decimal.NewFromInt(48)))
}

func TestSubmitCancelledOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"orderCancelTransaction":{"reason":"MARKET_HALTED"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Submit(context.Background(), "EUR_USD", decimal.NewFromInt(100000))
	require.ErrorIs(t, err, ErrOrderNotFilled)
	assert.Contains(t, err.Error(), "MARKET_HALTED")
}

func TestSubmitRejectedOrder(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"errorMessage":"Order units specified are invalid"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Submit(context.Background(), "EUR_USD", decimal.NewFromInt(100000))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Order units specified are invalid", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func priceLine(ts time.Time, bid, ask string) string {
	return fmt.Sprintf(`{"type":"PRICE","instrument":"EUR_USD","time":%q,"bids":[{"price":%q}],"asks":[{"price":%q}]}`+"\n",
		ts.Format(time.RFC3339Nano), bid, ask)
}

func streamServer(t *testing.T, lines ...string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/101-001-1/pricing/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "EUR_USD", r.URL.Query().Get("instruments"))
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			_, _ = io.WriteString(w, l)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestSubscribeStreamsQuotes(t *testing.T) {
	srv := streamServer(t,
		`{"type":"HEARTBEAT","time":"2024-03-01T10:00:00.000000000Z"}`+"\n",
		priceLine(t0.Add(time.Second), "1.10000", "1.10020"),
		"not json\n",
		priceLine(t0.Add(2*time.Second), "1.10010", "1.10030"),
	)
	defer srv.Close()

	ctx := context.Background()
	stream, err := newTestClient(srv).Subscribe(ctx, "EUR_USD", 0)
	require.NoError(t, err)
	defer stream.Close()

	q, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), q.Time)
	assert.InDelta(t, 1.1001, q.Mid(), 1e-12)

	q, err = stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Second), q.Time)

	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscribeStopsAtMaxTicks(t *testing.T) {
	srv := streamServer(t,
		priceLine(t0.Add(time.Second), "1.1", "1.1"),
		priceLine(t0.Add(2*time.Second), "1.1", "1.1"),
		priceLine(t0.Add(3*time.Second), "1.1", "1.1"),
	)
	defer srv.Close()

	ctx := context.Background()
	stream, err := newTestClient(srv).Subscribe(ctx, "EUR_USD", 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := stream.Recv(ctx)
		require.NoError(t, err)
	}
	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}

func TestSubscribeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Subscribe(context.Background(), "EUR_USD", 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
