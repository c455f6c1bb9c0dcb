// Package exchange provides the Coinbase Advanced Trade adapter used as the backfill
// source and live price feed of the history store.
//
// The adapter makes one attempt per call. Retrying belongs to the caller, which
// classifies failures by the HTTP status carried in APIError: 429 and 5xx responses
// and transport failures are retryable, other 4xx responses are permanent.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"github.com/johnayoung/go-ohlcv-history/internal/contracts"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

const (
	// Coinbase Advanced Trade API base URL
	coinbaseBaseURL = "https://api.coinbase.com"

	// API endpoints
	productsEndpoint = "/api/v3/brokerage/products"
	candlesEndpoint  = "/api/v3/brokerage/products/%s/candles"
	tickerEndpoint   = "/api/v3/brokerage/products/%s/ticker"

	// Rate limiting configuration
	defaultRequestsPerSecond = 10
	rateLimitBurst           = 1

	// Request configuration
	maxCandlesPerRequest = 300
	oneMinuteGranularity = "ONE_MINUTE"
	candleWidth          = time.Minute
	requestTimeout       = 30 * time.Second
	maxRetryAfter        = 30 * time.Second

	// Health check configuration
	healthCheckTimeout = 5 * time.Second

	sourceName = "coinbase"
)

var _ contracts.BackfillClient = (*CoinbaseAdapter)(nil)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode >= 500 {
		return fmt.Sprintf("coinbase server error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("coinbase client error %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus exposes the status code to error classification.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// CoinbaseAdapter implements contracts.BackfillClient for the Coinbase Advanced Trade API.
type CoinbaseAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger
}

// NewCoinbaseAdapter creates an adapter from the exchange configuration.
func NewCoinbaseAdapter(cfg config.ExchangeConfig, logger *slog.Logger) *CoinbaseAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = coinbaseBaseURL
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	return &CoinbaseAdapter{
		httpClient: &http.Client{
			Timeout: config.DurationOr(cfg.Timeout, requestTimeout),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(rps), rateLimitBurst),
		baseURL:     baseURL,
		logger:      logger.With("component", "coinbase_adapter"),
	}
}

// GetTicker returns the most recent trade as a tick. It returns nil, nil when the
// product has no trades.
func (c *CoinbaseAdapter) GetTicker(ctx context.Context, symbol string) (*models.Tick, error) {
	params := url.Values{}
	params.Set("limit", "1")
	requestURL := fmt.Sprintf(c.baseURL+tickerEndpoint, url.PathEscape(symbol)) + "?" + params.Encode()

	body, err := c.get(ctx, "get_ticker", symbol, requestURL)
	if err != nil {
		return nil, err
	}

	var resp tickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewSourceUnavailable(sourceName, "get_ticker", fmt.Errorf("malformed ticker response: %w", err))
	}
	if len(resp.Trades) == 0 {
		c.logger.Debug("no trades for product", "symbol", symbol)
		return nil, nil
	}

	trade := resp.Trades[0]
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return nil, apperrors.NewSourceUnavailable(sourceName, "get_ticker", fmt.Errorf("invalid trade price %q: %w", trade.Price, err))
	}
	tick, err := models.NewTick(trade.Time, price)
	if err != nil {
		return nil, apperrors.NewSourceUnavailable(sourceName, "get_ticker", err)
	}
	return &tick, nil
}

// GetHistorical returns one tick per minute candle in [from, to), priced at the candle
// close, in ascending time order. Minutes without trades have no candle and therefore
// no tick. Ranges longer than one request allows are fetched in chunks.
func (c *CoinbaseAdapter) GetHistorical(ctx context.Context, symbol string, from, to time.Time) ([]models.Tick, error) {
	if !from.Before(to) {
		return nil, nil
	}

	c.logger.Debug("fetching candles from Coinbase",
		"symbol", symbol,
		"start", from,
		"end", to)

	var ticks []models.Tick
	for _, chunk := range calculateChunks(from, to) {
		candles, err := c.fetchCandleChunk(ctx, symbol, chunk.start, chunk.end)
		if err != nil {
			return nil, err
		}
		for _, candle := range candles {
			tick, err := candleToTick(candle)
			if err != nil {
				c.logger.Warn("failed to convert candle, skipping", "error", err, "candle", candle)
				continue
			}
			if tick.Time.Before(from) || !tick.Time.Before(to) {
				continue
			}
			ticks = append(ticks, tick)
		}
	}

	// the API returns newest first
	slices.SortFunc(ticks, func(a, b models.Tick) int { return a.Time.Compare(b.Time) })
	ticks = slices.CompactFunc(ticks, func(a, b models.Tick) bool { return a.Time.Equal(b.Time) })

	c.logger.Debug("fetched candles", "symbol", symbol, "count", len(ticks))
	return ticks, nil
}

// WaitForLimit blocks until the rate limiter admits a request.
func (c *CoinbaseAdapter) WaitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// HealthCheck verifies the API is reachable.
func (c *CoinbaseAdapter) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, c.baseURL+productsEndpoint+"?limit=1", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

type timeChunk struct {
	start time.Time
	end   time.Time
}

// calculateChunks splits [start, end) into ranges of at most maxCandlesPerRequest minutes.
func calculateChunks(start, end time.Time) []timeChunk {
	chunkDuration := maxCandlesPerRequest * candleWidth

	var chunks []timeChunk
	for current := start; current.Before(end); {
		chunkEnd := current.Add(chunkDuration)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, timeChunk{start: current, end: chunkEnd})
		current = chunkEnd
	}
	return chunks
}

func (c *CoinbaseAdapter) fetchCandleChunk(ctx context.Context, symbol string, start, end time.Time) ([]coinbaseCandle, error) {
	params := url.Values{}
	params.Add("start", strconv.FormatInt(start.Unix(), 10))
	params.Add("end", strconv.FormatInt(end.Unix(), 10))
	params.Add("granularity", oneMinuteGranularity)
	requestURL := fmt.Sprintf(c.baseURL+candlesEndpoint, url.PathEscape(symbol)) + "?" + params.Encode()

	body, err := c.get(ctx, "get_historical", symbol, requestURL)
	if err != nil {
		return nil, err
	}

	var apiResponse struct {
		Candles []coinbaseCandle `json:"candles"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, apperrors.NewSourceUnavailable(sourceName, "get_historical", fmt.Errorf("malformed candles response: %w", err))
	}
	return apiResponse.Candles, nil
}

// get performs one rate-limited GET. Every failure is a SourceUnavailableError; an
// unknown product is a NotFoundError.
func (c *CoinbaseAdapter) get(ctx context.Context, operation, symbol, requestURL string) ([]byte, error) {
	if err := c.WaitForLimit(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-ohlcv-history/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewSourceUnavailable(sourceName, operation, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewSourceUnavailable(sourceName, operation, fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NewNotFound("product", symbol, &APIError{StatusCode: resp.StatusCode, Body: string(body)})
	case resp.StatusCode == http.StatusTooManyRequests:
		if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			c.logger.Warn("rate limited, waiting", "retry_after", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, apperrors.NewSourceUnavailable(sourceName, operation, &APIError{StatusCode: resp.StatusCode, Body: string(body)})
	case resp.StatusCode >= 400:
		return nil, apperrors.NewSourceUnavailable(sourceName, operation, &APIError{StatusCode: resp.StatusCode, Body: string(body)})
	}
	return body, nil
}

// parseRetryAfter reads seconds or an HTTP date, capped at maxRetryAfter.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(header); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(header); err == nil {
		d = time.Until(t)
	}

	if d < 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

func candleToTick(candle coinbaseCandle) (models.Tick, error) {
	start, err := strconv.ParseInt(candle.Start, 10, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("invalid candle start %q: %w", candle.Start, err)
	}
	price, err := decimal.NewFromString(candle.Close)
	if err != nil {
		return models.Tick{}, fmt.Errorf("invalid close price %q: %w", candle.Close, err)
	}
	return models.NewTick(time.Unix(start, 0).UTC(), price)
}

// API response structures

type coinbaseCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

type coinbaseTrade struct {
	TradeID   string    `json:"trade_id"`
	ProductID string    `json:"product_id"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	Time      time.Time `json:"time"`
	Side      string    `json:"side"`
}

type tickerResponse struct {
	Trades  []coinbaseTrade `json:"trades"`
	BestBid string          `json:"best_bid"`
	BestAsk string          `json:"best_ask"`
}
