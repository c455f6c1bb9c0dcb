package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// Consumer receives every bucket the poll loop derives. Buckets may be provisional;
// the consumer decides whether to act on partial data.
type Consumer interface {
	ProcessPrice(ctx context.Context, bucket models.Bucket) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, bucket models.Bucket) error

// ProcessPrice calls f.
func (f ConsumerFunc) ProcessPrice(ctx context.Context, bucket models.Bucket) error {
	return f(ctx, bucket)
}

// MultiConsumer fans a bucket out to every consumer. All consumers run even when one
// fails; the errors are joined.
type MultiConsumer []Consumer

// ProcessPrice hands the bucket to each consumer in order.
func (mc MultiConsumer) ProcessPrice(ctx context.Context, bucket models.Bucket) error {
	var errs []error
	for _, c := range mc {
		if err := c.ProcessPrice(ctx, bucket); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogConsumer logs the current price of every bucket.
type LogConsumer struct {
	logger *slog.Logger
}

// NewLogConsumer creates a consumer that logs through logger.
func NewLogConsumer(logger *slog.Logger) *LogConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogConsumer{logger: logger.With("component", "price_log")}
}

// ProcessPrice logs the bucket close as the current price.
func (c *LogConsumer) ProcessPrice(ctx context.Context, b models.Bucket) error {
	c.logger.InfoContext(ctx, "current price",
		"price", b.Price().String(),
		"level", b.Level,
		"start", b.Start,
		"provisional", b.Provisional,
		"range", b.Range().String(),
		"typical", b.TypicalPrice().Round(8).String(),
		"bullish", b.IsBullish())
	return nil
}

// PrintConsumer writes one compact line per bucket, for interactive sessions.
type PrintConsumer struct {
	w      io.Writer
	symbol string
}

// NewPrintConsumer creates a consumer writing to w.
func NewPrintConsumer(w io.Writer, symbol string) *PrintConsumer {
	return &PrintConsumer{w: w, symbol: symbol}
}

// ProcessPrice prints the bucket.
func (c *PrintConsumer) ProcessPrice(_ context.Context, b models.Bucket) error {
	marker := ""
	if b.Provisional {
		marker = fmt.Sprintf(" (%d/%d)", b.Children, b.Expected)
	}
	_, err := fmt.Fprintf(c.w, "%s %s %-6s O %s H %s L %s C %s%s\n",
		b.Start.Format(time.DateTime),
		c.symbol,
		b.Level,
		b.Open, b.High, b.Low, b.Close,
		marker)
	return err
}
