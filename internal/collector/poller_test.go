package collector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/history"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

const symbol = "BTC-USD"

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func minute(m int) time.Time {
	return base.Add(time.Duration(m) * time.Minute)
}

func tickAt(m int, price string) *models.Tick {
	return &models.Tick{Time: minute(m).Add(20 * time.Second), Price: decimal.RequireFromString(price)}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sourceFunc adapts a function to contracts.TickerFetcher.
type sourceFunc func(ctx context.Context, symbol string) (*models.Tick, error)

func (f sourceFunc) GetTicker(ctx context.Context, symbol string) (*models.Tick, error) {
	return f(ctx, symbol)
}

// scripted returns the queued results in order, then nil ticks.
func scripted(results ...any) sourceFunc {
	i := 0
	return func(ctx context.Context, symbol string) (*models.Tick, error) {
		if i >= len(results) {
			return nil, nil
		}
		r := results[i]
		i++
		switch v := r.(type) {
		case error:
			return nil, v
		case *models.Tick:
			return v, nil
		}
		return nil, nil
	}
}

// recorder collects the buckets handed to it.
type recorder struct {
	buckets []models.Bucket
	err     error
}

func (r *recorder) ProcessPrice(_ context.Context, b models.Bucket) error {
	r.buckets = append(r.buckets, b)
	return r.err
}

func newMarket(t *testing.T) *history.Market {
	t.Helper()
	m, err := history.New(history.Options{
		Symbol: symbol,
		Path:   filepath.Join(t.TempDir(), "btcusd.dat"),
	}, nil, nil, quietLogger())
	require.NoError(t, err)
	return m
}

func newPoller(store PriceStore, source sourceFunc, consumer Consumer, every int) *Poller {
	cfg := PollerConfig{Interval: 5 * time.Millisecond, CheckpointEvery: every, Level: models.LevelMin5}
	return NewPoller(cfg, store, source, consumer, quietLogger())
}

func TestRunOnce_HandsBucketToConsumer(t *testing.T) {
	ctx := context.Background()
	market := newMarket(t)
	rec := &recorder{}
	m := metrics.New("test")

	p := newPoller(market, scripted(tickAt(0, "100"), tickAt(1, "102"), tickAt(2, "99")), rec, 0).WithMetrics(m)

	for i := 0; i < 3; i++ {
		assert.True(t, p.RunOnce(ctx))
	}

	require.Len(t, rec.buckets, 3)
	last := rec.buckets[2]
	assert.Equal(t, models.LevelMin5, last.Level)
	assert.True(t, last.Start.Equal(minute(0)))
	assert.True(t, last.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, last.High.Equal(decimal.NewFromInt(102)))
	assert.True(t, last.Low.Equal(decimal.NewFromInt(99)))
	assert.True(t, last.Close.Equal(decimal.NewFromInt(99)))
	assert.True(t, last.Provisional)
	assert.Equal(t, 3, last.Children)

	stats := p.GetStats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.True(t, stats.LastTickTime.Equal(minute(2)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TicksPushed.WithLabelValues("live")))
}

func TestRunOnce_SkipsFailures(t *testing.T) {
	ctx := context.Background()
	market := newMarket(t)
	rec := &recorder{}

	p := newPoller(market, scripted(
		errors.New("connection reset"),
		nil,
		tickAt(5, "100"),
		tickAt(1, "90"), // before the earliest retained slot
		&models.Tick{Time: minute(6), Price: decimal.Zero},
	), rec, 0)

	// source failure
	assert.False(t, p.RunOnce(ctx))
	// no ticker yet
	assert.False(t, p.RunOnce(ctx))
	assert.True(t, p.RunOnce(ctx))
	// out of order
	assert.False(t, p.RunOnce(ctx))
	// invalid price
	assert.False(t, p.RunOnce(ctx))

	assert.Len(t, rec.buckets, 1)
	assert.Equal(t, 1, market.Series().Len())

	stats := p.GetStats()
	assert.Equal(t, int64(5), stats.Iterations)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(3), stats.Errors)
}

// absentStore stores ticks but never has a bucket for them.
type absentStore struct {
	pushed int
}

func (s *absentStore) Symbol() string { return symbol }

func (s *absentStore) PushLowestAndRecalculateParents(t models.Tick) (models.Tick, error) {
	s.pushed++
	return t, nil
}

func (s *absentStore) GetInterval(t time.Time, level string) (models.Bucket, error) {
	return models.Bucket{}, apperrors.NewNotFound("bucket", level, nil)
}

func (s *absentStore) Checkpoint(ctx context.Context) error { return nil }

func TestRunOnce_AbsentBucketNotHandedOver(t *testing.T) {
	store := &absentStore{}
	rec := &recorder{}
	p := newPoller(store, scripted(tickAt(0, "100")), rec, 0)

	assert.False(t, p.RunOnce(context.Background()))
	assert.Equal(t, 1, store.pushed)
	assert.Empty(t, rec.buckets)
}

func TestRunOnce_ConsumerErrorKeepsLoopAlive(t *testing.T) {
	market := newMarket(t)
	rec := &recorder{err: errors.New("strategy blew up")}
	p := newPoller(market, scripted(tickAt(0, "100"), tickAt(1, "101")), rec, 0)

	assert.True(t, p.RunOnce(context.Background()))
	assert.True(t, p.RunOnce(context.Background()))
	assert.Len(t, rec.buckets, 2)
	assert.Equal(t, int64(2), p.GetStats().Errors)
}

func TestRunOnce_Checkpoints(t *testing.T) {
	market := newMarket(t)
	p := newPoller(market, scripted(tickAt(0, "100"), tickAt(1, "101"), tickAt(2, "102")), nil, 2)

	p.RunOnce(context.Background())
	_, err := os.Stat(market.Path())
	assert.True(t, os.IsNotExist(err))

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())
	assert.Equal(t, int64(1), p.GetStats().Checkpoints)
	_, err = os.Stat(market.Path())
	assert.NoError(t, err)
}

func TestRun_StopsBetweenIterations(t *testing.T) {
	market := newMarket(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received []models.Bucket
	consumer := ConsumerFunc(func(_ context.Context, b models.Bucket) error {
		received = append(received, b)
		if len(received) == 3 {
			cancel()
		}
		return nil
	})

	p := newPoller(market, scripted(tickAt(0, "100"), tickAt(1, "101"), tickAt(2, "102"), tickAt(3, "103")), consumer, 0)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not stop")
	}

	assert.Len(t, received, 3)
	assert.Equal(t, 3, market.Series().Len(), "the tick being processed at cancellation is fully stored")
	assert.False(t, p.IsRunning())

	// final checkpoint
	assert.Equal(t, int64(1), p.GetStats().Checkpoints)
	reloaded := newMarket(t)
	require.NoError(t, reloaded.ReadFromFile(market.Path()))
	assert.True(t, market.Series().Equal(reloaded.Series()))
}

func TestRun_RejectsConcurrentStart(t *testing.T) {
	market := newMarket(t)
	ctx, cancel := context.WithCancel(context.Background())

	p := NewPoller(PollerConfig{Interval: time.Hour}, market, scripted(), nil, quietLogger())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, p.IsRunning, time.Second, time.Millisecond)
	assert.Error(t, p.Run(ctx))

	cancel()
	assert.NoError(t, <-done)
}

func TestPollerConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Poller.Interval = "3s"
	cfg.Poller.CheckpointEvery = 7
	cfg.History.PriceLevel = models.LevelHour1

	pc := PollerConfigFrom(cfg)
	assert.Equal(t, 3*time.Second, pc.Interval)
	assert.Equal(t, 7, pc.CheckpointEvery)
	assert.Equal(t, models.LevelHour1, pc.Level)
}

func TestConsumers(t *testing.T) {
	bucket := models.Bucket{
		Level:       models.LevelMin5,
		Start:       minute(0),
		Open:        decimal.NewFromInt(100),
		High:        decimal.NewFromInt(103),
		Low:         decimal.NewFromInt(99),
		Close:       decimal.NewFromInt(103),
		Children:    4,
		Expected:    5,
		Provisional: true,
	}

	t.Run("print", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewPrintConsumer(&buf, symbol).ProcessPrice(context.Background(), bucket))
		assert.Equal(t, "2024-03-01 08:00:00 BTC-USD MIN5   O 100 H 103 L 99 C 103 (4/5)\n", buf.String())
	})

	t.Run("log", func(t *testing.T) {
		var buf bytes.Buffer
		c := NewLogConsumer(slog.New(slog.NewTextHandler(&buf, nil)))
		require.NoError(t, c.ProcessPrice(context.Background(), bucket))
		assert.Contains(t, buf.String(), `msg="current price"`)
		assert.Contains(t, buf.String(), "price=103")
		assert.Contains(t, buf.String(), "range=4")
		assert.Contains(t, buf.String(), "typical=101.66666667")
		assert.Contains(t, buf.String(), "bullish=true")
	})

	t.Run("multi runs every consumer", func(t *testing.T) {
		first := &recorder{err: errors.New("first failed")}
		second := &recorder{}
		err := MultiConsumer{first, second}.ProcessPrice(context.Background(), bucket)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "first failed")
		assert.Len(t, first.buckets, 1)
		assert.Len(t, second.buckets, 1)
	})
}
