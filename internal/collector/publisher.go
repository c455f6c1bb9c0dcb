package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

const (
	defaultPublishTTL = 5 * time.Minute
	defaultChannel    = "ohlcv:prices"
	defaultKeyPrefix  = "ohlcv:latest:"
)

// PriceMessage is the JSON document stored and published for each bucket.
type PriceMessage struct {
	Symbol       string    `json:"symbol"`
	Level        string    `json:"level"`
	Start        time.Time `json:"start"`
	Open         string    `json:"open"`
	High         string    `json:"high"`
	Low          string    `json:"low"`
	Close        string    `json:"close"`
	Children     int       `json:"children"`
	Expected     int       `json:"expected"`
	Interpolated int       `json:"interpolated,omitempty"`
	Provisional  bool      `json:"provisional"`
}

// NewPriceMessage converts a bucket into its published form.
func NewPriceMessage(symbol string, b models.Bucket) PriceMessage {
	return PriceMessage{
		Symbol:       symbol,
		Level:        b.Level,
		Start:        b.Start.UTC(),
		Open:         b.Open.String(),
		High:         b.High.String(),
		Low:          b.Low.String(),
		Close:        b.Close.String(),
		Children:     b.Children,
		Expected:     b.Expected,
		Interpolated: b.Interpolated,
		Provisional:  b.Provisional,
	}
}

// RedisPublisher stores the latest bucket under a per-symbol key with a TTL and
// publishes every bucket on a pub/sub channel.
type RedisPublisher struct {
	rdb       *redis.Client
	symbol    string
	channel   string
	keyPrefix string
	ttl       time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.PublisherConfig, logger *slog.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		logger.Error("redis connection failed", "address", cfg.Addr, "error", err)
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("redis connection successful", "address", cfg.Addr)
	return rdb, nil
}

// NewRedisPublisher creates a publisher for symbol. Empty settings fall back to
// defaults.
func NewRedisPublisher(rdb *redis.Client, cfg config.PublisherConfig, symbol string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &RedisPublisher{
		rdb:       rdb,
		symbol:    symbol,
		channel:   cfg.Channel,
		keyPrefix: cfg.KeyPrefix,
		ttl:       config.DurationOr(cfg.TTL, defaultPublishTTL),
		logger:    logger.With("component", "redis_publisher"),
	}
	if p.channel == "" {
		p.channel = defaultChannel
	}
	if p.keyPrefix == "" {
		p.keyPrefix = defaultKeyPrefix
	}
	if p.ttl <= 0 {
		p.ttl = defaultPublishTTL
	}
	return p
}

// WithMetrics attaches metrics.
func (p *RedisPublisher) WithMetrics(m *metrics.Metrics) *RedisPublisher {
	p.metrics = m
	return p
}

// Key returns the key holding the latest bucket of the symbol.
func (p *RedisPublisher) Key() string {
	return p.keyPrefix + safeKey(p.symbol)
}

// ProcessPrice stores and publishes the bucket.
func (p *RedisPublisher) ProcessPrice(ctx context.Context, b models.Bucket) error {
	data, err := json.Marshal(NewPriceMessage(p.symbol, b))
	if err != nil {
		return fmt.Errorf("failed to encode price message: %w", err)
	}
	payload := string(data)

	if err := p.rdb.Set(ctx, p.Key(), payload, p.ttl).Err(); err != nil {
		p.metrics.PublishFailed()
		return fmt.Errorf("failed to store latest price in %s: %w", p.Key(), err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.metrics.PublishFailed()
		return fmt.Errorf("failed to publish price on %s: %w", p.channel, err)
	}

	p.logger.DebugContext(ctx, "price published", "key", p.Key(), "channel", p.channel, "start", b.Start)
	return nil
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// safeKey escapes characters that are problematic for Redis keys.
func safeKey(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ReplaceAll(s, ":", "_")
}
