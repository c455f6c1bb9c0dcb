// Package collector runs the live poll loop: fetch the current tick, push it through
// the market history, hand the derived bucket to the consumers and wait for the next
// cycle. The loop is a single cooperative flow; no two ticks are processed at once.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"github.com/johnayoung/go-ohlcv-history/internal/contracts"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

const shutdownCheckpointTimeout = 30 * time.Second

// PriceStore is the part of the market history the poll loop drives.
type PriceStore interface {
	Symbol() string
	PushLowestAndRecalculateParents(tick models.Tick) (models.Tick, error)
	GetInterval(t time.Time, level string) (models.Bucket, error)
	Checkpoint(ctx context.Context) error
}

// PollerConfig configures the poll loop.
type PollerConfig struct {
	// Interval is the delay between iterations.
	Interval time.Duration
	// CheckpointEvery writes a checkpoint after this many processed ticks; 0 disables.
	CheckpointEvery int
	// Level is the level whose bucket is handed to consumers.
	Level string
}

// DefaultPollerConfig polls every ten seconds and hands MIN5 buckets to consumers.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:        10 * time.Second,
		CheckpointEvery: 60,
		Level:           models.LevelMin5,
	}
}

// PollerConfigFrom builds the loop configuration from the application configuration.
func PollerConfigFrom(cfg *config.AppConfig) PollerConfig {
	pc := DefaultPollerConfig()
	pc.Interval = config.DurationOr(cfg.Poller.Interval, pc.Interval)
	pc.CheckpointEvery = cfg.Poller.CheckpointEvery
	if cfg.History.PriceLevel != "" {
		pc.Level = cfg.History.PriceLevel
	}
	return pc
}

// PollerStats reports loop activity.
type PollerStats struct {
	Iterations    int64
	Processed     int64
	Skipped       int64
	Errors        int64
	Checkpoints   int64
	LastTickTime  time.Time
	UptimeSeconds int64
	MemoryUsageMB float64
}

// Poller drives a PriceStore from a live ticker source.
type Poller struct {
	config   PollerConfig
	store    PriceStore
	source   contracts.TickerFetcher
	consumer Consumer
	metrics  *metrics.Metrics
	logger   *slog.Logger

	iterations  atomic.Int64
	processed   atomic.Int64
	skipped     atomic.Int64
	failures    atomic.Int64
	checkpoints atomic.Int64
	lastTick    atomic.Int64
	startTime   time.Time
	running     atomic.Bool
}

// NewPoller creates a poll loop. consumer may be nil.
func NewPoller(cfg PollerConfig, store PriceStore, source contracts.TickerFetcher, consumer Consumer, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig().Interval
	}
	if cfg.Level == "" {
		cfg.Level = DefaultPollerConfig().Level
	}
	if consumer == nil {
		consumer = MultiConsumer{}
	}
	return &Poller{
		config:   cfg,
		store:    store,
		source:   source,
		consumer: consumer,
		logger:   logger.With("component", "poller", "symbol", store.Symbol()),
	}
}

// WithMetrics attaches metrics.
func (p *Poller) WithMetrics(m *metrics.Metrics) *Poller {
	p.metrics = m
	return p
}

// Run polls until ctx is canceled. Cancellation is honored between iterations only,
// so a pushed tick is always propagated to every level first. A final checkpoint is
// written on the way out.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("poller is already running")
	}
	defer p.running.Store(false)

	p.startTime = time.Now()
	p.logger.InfoContext(ctx, "starting poll loop",
		"interval", p.config.Interval,
		"level", p.config.Level,
		"checkpoint_every", p.config.CheckpointEvery)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poll loop stopping", "processed", p.processed.Load())
			return p.shutdownCheckpoint(ctx)
		case <-timer.C:
		}

		p.RunOnce(ctx)
		timer.Reset(p.config.Interval)
	}
}

// RunOnce performs a single iteration and reports whether a bucket reached the
// consumers.
func (p *Poller) RunOnce(ctx context.Context) bool {
	start := time.Now()
	p.iterations.Add(1)
	defer func() { p.metrics.ObservePoll(time.Since(start)) }()

	tick, err := p.source.GetTicker(ctx, p.store.Symbol())
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.fail("fetch", "failed to fetch ticker, retrying next cycle", err)
		return false
	}
	if tick == nil {
		p.skipped.Add(1)
		p.logger.DebugContext(ctx, "no ticker yet")
		return false
	}

	stored, err := p.store.PushLowestAndRecalculateParents(*tick)
	if err != nil {
		stage := "invalid_tick"
		if errors.Is(err, apperrors.ErrOutOfOrder) {
			stage = "out_of_order"
		}
		p.metrics.TickRejected(stage)
		p.fail(stage, "tick skipped", err, "tick", tick.String())
		return false
	}
	p.metrics.TickPushed("live")
	p.metrics.ObserveLiveTick(stored.Time, stored.Price.InexactFloat64())
	p.lastTick.Store(stored.Time.Unix())

	bucket, err := p.store.GetInterval(stored.Time, p.config.Level)
	if err != nil {
		// absent buckets never reach the consumers
		p.skipped.Add(1)
		p.logger.DebugContext(ctx, "no bucket for tick", "tick", stored.String(), "error", err)
		return false
	}

	if err := p.consumer.ProcessPrice(ctx, bucket); err != nil {
		p.fail("consumer", "consumer failed", err, "bucket", bucket.String())
	}

	n := p.processed.Add(1)
	if p.config.CheckpointEvery > 0 && n%int64(p.config.CheckpointEvery) == 0 {
		p.checkpoint(ctx)
	}
	return true
}

func (p *Poller) checkpoint(ctx context.Context) {
	if err := p.store.Checkpoint(ctx); err != nil {
		p.fail("checkpoint", "checkpoint failed", err)
		return
	}
	p.checkpoints.Add(1)
}

func (p *Poller) shutdownCheckpoint(ctx context.Context) error {
	if p.processed.Load() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownCheckpointTimeout)
	defer cancel()

	if err := p.store.Checkpoint(ctx); err != nil {
		p.metrics.PollError("checkpoint")
		return fmt.Errorf("final checkpoint failed: %w", err)
	}
	p.checkpoints.Add(1)
	return nil
}

func (p *Poller) fail(stage, msg string, err error, args ...any) {
	p.failures.Add(1)
	p.metrics.PollError(stage)
	p.logger.Warn(msg, append([]any{"stage", stage, "error", err}, args...)...)
}

// IsRunning reports whether Run is active.
func (p *Poller) IsRunning() bool {
	return p.running.Load()
}

// GetStats returns current loop statistics.
func (p *Poller) GetStats() PollerStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := PollerStats{
		Iterations:    p.iterations.Load(),
		Processed:     p.processed.Load(),
		Skipped:       p.skipped.Load(),
		Errors:        p.failures.Load(),
		Checkpoints:   p.checkpoints.Load(),
		MemoryUsageMB: float64(memStats.Alloc) / (1024 * 1024),
	}
	if ts := p.lastTick.Load(); ts != 0 {
		stats.LastTickTime = time.Unix(ts, 0).UTC()
	}
	if !p.startTime.IsZero() {
		stats.UptimeSeconds = int64(time.Since(p.startTime).Seconds())
	}
	return stats
}
