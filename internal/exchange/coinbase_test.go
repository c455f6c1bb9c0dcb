package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
)

const (
	btcUSDPair    = "BTC-USD"
	testTimestamp = int64(1640995200) // 2022-01-01 00:00:00 UTC
)

var testStart = time.Unix(testTimestamp, 0).UTC()

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := responses[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"NOT_FOUND","message":"route not found"}`))
	}))
}

func createTestAdapter(serverURL string) *CoinbaseAdapter {
	return NewCoinbaseAdapter(config.ExchangeConfig{
		Type:      "coinbase",
		BaseURL:   serverURL,
		RateLimit: 1000,
		Timeout:   "5s",
	}, createTestLogger())
}

func candlesPath(symbol string) string {
	return fmt.Sprintf("/api/v3/brokerage/products/%s/candles", symbol)
}

func tickerPath(symbol string) string {
	return fmt.Sprintf("/api/v3/brokerage/products/%s/ticker", symbol)
}

// minuteCandles answers a candles request with one candle per minute in [start, end],
// newest first, skipping the minutes listed in missing.
func minuteCandles(t *testing.T, missing map[int64]bool) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, oneMinuteGranularity, query.Get("granularity"))
		start, err := strconv.ParseInt(query.Get("start"), 10, 64)
		require.NoError(t, err)
		end, err := strconv.ParseInt(query.Get("end"), 10, 64)
		require.NoError(t, err)

		var resp struct {
			Candles []coinbaseCandle `json:"candles"`
		}
		for ts := end; ts >= start; ts -= 60 {
			if missing[ts] {
				continue
			}
			minute := (ts - testTimestamp) / 60
			resp.Candles = append(resp.Candles, coinbaseCandle{
				Start:  strconv.FormatInt(ts, 10),
				Open:   "47000.00",
				High:   "47500.00",
				Low:    "46500.00",
				Close:  fmt.Sprintf("%d.50", 47000+minute),
				Volume: "1.23456789",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestNewCoinbaseAdapter(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		adapter := NewCoinbaseAdapter(config.ExchangeConfig{}, nil)

		assert.Equal(t, coinbaseBaseURL, adapter.baseURL)
		assert.Equal(t, requestTimeout, adapter.httpClient.Timeout)
		assert.NotNil(t, adapter.rateLimiter)
		assert.NotNil(t, adapter.logger)
	})

	t.Run("uses configuration", func(t *testing.T) {
		adapter := createTestAdapter("http://localhost:1234")

		assert.Equal(t, "http://localhost:1234", adapter.baseURL)
		assert.Equal(t, 5*time.Second, adapter.httpClient.Timeout)
	})
}

func TestCoinbaseAdapter_GetHistorical(t *testing.T) {
	ctx := context.Background()

	t.Run("returns close prices in ascending order", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			candlesPath(btcUSDPair): minuteCandles(t, map[int64]bool{testTimestamp + 120: true}),
		})
		defer server.Close()

		adapter := createTestAdapter(server.URL)
		ticks, err := adapter.GetHistorical(ctx, btcUSDPair, testStart, testStart.Add(5*time.Minute))
		require.NoError(t, err)

		// minute 2 has no candle, minute 5 is outside [from, to)
		require.Len(t, ticks, 4)
		wantMinutes := []int{0, 1, 3, 4}
		for i, tick := range ticks {
			assert.True(t, tick.Time.Equal(testStart.Add(time.Duration(wantMinutes[i])*time.Minute)), "tick %d at %s", i, tick.Time)
			assert.True(t, tick.Price.Equal(decimal.RequireFromString(fmt.Sprintf("%d.50", 47000+wantMinutes[i]))))
			assert.False(t, tick.Interpolated)
			assert.Equal(t, time.UTC, tick.Time.Location())
		}
	})

	t.Run("splits long ranges into chunks", func(t *testing.T) {
		var calls atomic.Int32
		handler := minuteCandles(t, nil)
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			candlesPath(btcUSDPair): func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				handler(w, r)
			},
		})
		defer server.Close()

		adapter := createTestAdapter(server.URL)
		ticks, err := adapter.GetHistorical(ctx, btcUSDPair, testStart, testStart.Add(400*time.Minute))
		require.NoError(t, err)

		assert.Equal(t, int32(2), calls.Load())
		require.Len(t, ticks, 400)
		for i := 1; i < len(ticks); i++ {
			assert.True(t, ticks[i-1].Time.Before(ticks[i].Time))
		}
	})

	t.Run("empty range makes no request", func(t *testing.T) {
		adapter := createTestAdapter("http://127.0.0.1:1")
		ticks, err := adapter.GetHistorical(ctx, btcUSDPair, testStart, testStart)
		require.NoError(t, err)
		assert.Empty(t, ticks)
	})

	t.Run("skips malformed candles", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			candlesPath(btcUSDPair): func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(fmt.Sprintf(`{"candles":[
					{"start":"%d","close":"not-a-number"},
					{"start":"%d","close":"-5"},
					{"start":"%d","close":"47001"}]}`,
					testTimestamp, testTimestamp+60, testTimestamp+120)))
			},
		})
		defer server.Close()

		ticks, err := createTestAdapter(server.URL).GetHistorical(ctx, btcUSDPair, testStart, testStart.Add(3*time.Minute))
		require.NoError(t, err)
		require.Len(t, ticks, 1)
		assert.True(t, ticks[0].Price.Equal(decimal.NewFromInt(47001)))
	})
}

func TestCoinbaseAdapter_GetTicker(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the latest trade", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			tickerPath(btcUSDPair): func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "1", r.URL.Query().Get("limit"))
				w.Write([]byte(`{"trades":[{"trade_id":"1","product_id":"BTC-USD","price":"47123.45","size":"0.1",
					"time":"2022-01-01T00:00:42.123Z","side":"BUY"}],"best_bid":"47123.00","best_ask":"47124.00"}`))
			},
		})
		defer server.Close()

		tick, err := createTestAdapter(server.URL).GetTicker(ctx, btcUSDPair)
		require.NoError(t, err)
		require.NotNil(t, tick)
		assert.True(t, tick.Price.Equal(decimal.RequireFromString("47123.45")))
		assert.True(t, tick.Time.Equal(testStart.Add(42123*time.Millisecond)))
	})

	t.Run("no trades yields nil", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			tickerPath(btcUSDPair): func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"trades":[]}`))
			},
		})
		defer server.Close()

		tick, err := createTestAdapter(server.URL).GetTicker(ctx, btcUSDPair)
		require.NoError(t, err)
		assert.Nil(t, tick)
	})

	t.Run("malformed body is a source failure", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			tickerPath(btcUSDPair): func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"trades":`))
			},
		})
		defer server.Close()

		_, err := createTestAdapter(server.URL).GetTicker(ctx, btcUSDPair)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrSourceUnavailable)
	})
}

func TestCoinbaseAdapter_ErrorClassification(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		status    int
		wantType  apperrors.ErrorType
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, apperrors.ErrorTypeRateLimit, true},
		{"server error", http.StatusInternalServerError, apperrors.ErrorTypeServerError, true},
		{"bad gateway", http.StatusBadGateway, apperrors.ErrorTypeServerError, true},
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrorTypeBadRequest, false},
		{"bad request", http.StatusBadRequest, apperrors.ErrorTypeBadRequest, false},
		{"unknown product", http.StatusNotFound, apperrors.ErrorTypeBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
				candlesPath(btcUSDPair): func(w http.ResponseWriter, r *http.Request) {
					if tt.status == http.StatusTooManyRequests {
						w.Header().Set("Retry-After", "0")
					}
					w.WriteHeader(tt.status)
					w.Write([]byte(`{"error":"failure"}`))
				},
			})
			defer server.Close()

			_, err := createTestAdapter(server.URL).GetHistorical(ctx, btcUSDPair, testStart, testStart.Add(time.Minute))
			require.Error(t, err)

			classified := apperrors.Classify(err, "coinbase", "get_historical")
			assert.Equal(t, tt.wantType, classified.Type)
			assert.Equal(t, tt.retryable, classified.Retryable)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			if tt.status == http.StatusNotFound {
				assert.ErrorIs(t, err, apperrors.ErrNotFound)
			} else {
				assert.ErrorIs(t, err, apperrors.ErrSourceUnavailable)
			}
		})
	}

	t.Run("unreachable host is a network failure", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := createTestAdapter(url).GetTicker(ctx, btcUSDPair)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrSourceUnavailable)
		assert.True(t, apperrors.IsRetryable(err))
	})
}

func TestCoinbaseAdapter_RetriedByRetrier(t *testing.T) {
	var calls atomic.Int32
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		tickerPath(btcUSDPair): func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"trades":[{"price":"100","time":"2022-01-01T00:00:00Z"}]}`))
		},
	})
	defer server.Close()

	adapter := createTestAdapter(server.URL)
	retrier := apperrors.NewRetrier(config.RetryPolicyConfig{MaxAttempts: 3, InitialDelay: "1ms", MaxDelay: "2ms", Multiplier: 2}, createTestLogger())

	err := retrier.Do(context.Background(), "coinbase", "get_ticker", func(ctx context.Context) error {
		tick, err := adapter.GetTicker(ctx, btcUSDPair)
		if err == nil {
			assert.NotNil(t, tick)
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCoinbaseAdapter_HealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			productsEndpoint: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"products":[]}`))
			},
		})
		defer server.Close()

		assert.NoError(t, createTestAdapter(server.URL).HealthCheck(ctx))
	})

	t.Run("unhealthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		err := createTestAdapter(server.URL).HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 503")
	})
}

func TestCoinbaseAdapter_RateLimit(t *testing.T) {
	adapter := NewCoinbaseAdapter(config.ExchangeConfig{RateLimit: 1}, createTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, adapter.WaitForLimit(ctx))
	// the single burst token is spent; the next one arrives after a second
	assert.Error(t, adapter.WaitForLimit(ctx))
}

func TestCalculateChunks(t *testing.T) {
	tests := []struct {
		name   string
		span   time.Duration
		chunks int
	}{
		{"single minute", time.Minute, 1},
		{"exactly one request", 300 * time.Minute, 1},
		{"one over", 301 * time.Minute, 2},
		{"one day", 24 * time.Hour, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := calculateChunks(testStart, testStart.Add(tt.span))
			require.Len(t, chunks, tt.chunks)
			assert.True(t, chunks[0].start.Equal(testStart))
			assert.True(t, chunks[len(chunks)-1].end.Equal(testStart.Add(tt.span)))
			for i := 1; i < len(chunks); i++ {
				assert.True(t, chunks[i].start.Equal(chunks[i-1].end))
				assert.LessOrEqual(t, chunks[i-1].end.Sub(chunks[i-1].start), maxCandlesPerRequest*time.Minute)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"2", 2 * time.Second},
		{"3600", maxRetryAfter},
		{"-1", 0},
		{"garbage", 0},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.header))
		})
	}
}
