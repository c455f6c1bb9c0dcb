// Package history wires the series, its derived levels, gap repair, integrity checks
// and persistence into one explicitly constructed market context. The process entry
// point owns the Market and hands it to the poll loop; nothing in here is global.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/aggregate"
	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"github.com/johnayoung/go-ohlcv-history/internal/contracts"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/gaps"
	"github.com/johnayoung/go-ohlcv-history/internal/logger"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/johnayoung/go-ohlcv-history/internal/series"
	"github.com/johnayoung/go-ohlcv-history/internal/storage"
	"github.com/johnayoung/go-ohlcv-history/internal/validator"
)

// Options describes one market history.
type Options struct {
	Symbol string
	Path   string
	Levels models.Levels
	Policy gaps.Policy

	// ValidityWindow bounds the gap check; zero checks the whole series.
	ValidityWindow time.Duration

	// Retention drops ticks older than now-Retention on Prepare and every
	// checkpoint. Zero keeps everything.
	Retention time.Duration

	// KeepCSV keeps writing the legacy CSV format after Prepare.
	KeepCSV bool
}

// OptionsFromConfig builds market options from the application configuration.
func OptionsFromConfig(cfg config.HistoryConfig, symbol, path string) (Options, error) {
	levels, err := cfg.BuildLevels()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Symbol: symbol,
		Path:   path,
		Levels: levels,
		Policy: gaps.Policy{
			RecentWindow:   config.DurationOr(cfg.RecentWindow, gaps.DefaultPolicy().RecentWindow),
			InitialHistory: config.DurationOr(cfg.InitialHistory, gaps.DefaultPolicy().InitialHistory),
			Method:         gaps.Method(cfg.InterpolationMethod),
		},
		ValidityWindow: config.DurationOr(cfg.ValidityWindow, 0),
		Retention:      config.DurationOr(cfg.Retention, 0),
		KeepCSV:        cfg.CSV,
	}, nil
}

// PrepareResult summarizes the startup sequence.
type PrepareResult struct {
	Loaded     int
	Backfilled int
	Recent     gaps.FillResult
	Older      gaps.FillResult
	Trimmed    int
	Report     *validator.Report
	Duration   time.Duration
}

// Market is the price history of one symbol.
type Market struct {
	opts    Options
	codec   *storage.Codec
	client  contracts.BackfillClient
	retrier *apperrors.Retrier
	archive storage.SeriesArchive
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	agg     *aggregate.Aggregator
	filler  *gaps.Filler
	checker *validator.IntegrityChecker
}

// New creates a market over an empty series. client may be nil for offline use
// (FillOlderGaps, integrity checks and persistence only).
func New(opts Options, client contracts.BackfillClient, retrier *apperrors.Retrier, log *slog.Logger) (*Market, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(opts.Levels) == 0 {
		opts.Levels = models.DefaultLevels()
	}
	if opts.Policy == (gaps.Policy{}) {
		opts.Policy = gaps.DefaultPolicy()
	}

	m := &Market{
		opts:    opts,
		codec:   storage.NewCodec(true, log),
		client:  client,
		retrier: retrier,
		logger:  log.With("component", "market", "symbol", opts.Symbol),
		now:     time.Now,
	}
	if err := m.setSeries(series.New(opts.Levels.Raw().Duration)); err != nil {
		return nil, err
	}
	return m, nil
}

// WithArchive makes checkpoints also snapshot the series into a.
func (m *Market) WithArchive(a storage.SeriesArchive) *Market {
	m.archive = a
	return m
}

// WithMetrics attaches metrics.
func (m *Market) WithMetrics(mt *metrics.Metrics) *Market {
	m.metrics = mt
	m.filler.WithMetrics(mt)
	return m
}

// WithClock overrides the time source of gap filling and integrity checks.
func (m *Market) WithClock(now func() time.Time) *Market {
	m.now = now
	m.filler.WithClock(now)
	m.checker.WithClock(now)
	return m
}

// setSeries replaces the series and rebuilds everything derived from it.
func (m *Market) setSeries(s *series.Series) error {
	agg, err := aggregate.New(s, m.opts.Levels)
	if err != nil {
		return fmt.Errorf("failed to build levels: %w", err)
	}
	m.agg = agg
	m.filler = gaps.NewFiller(agg, m.client, m.retrier, m.opts.Policy, m.logger).
		WithMetrics(m.metrics).
		WithClock(m.now)
	m.checker = validator.NewIntegrityChecker(agg, m.opts.ValidityWindow, m.logger).
		WithClock(m.now)
	m.metrics.SetSeriesLength(s.Len())
	return nil
}

// Symbol returns the market symbol.
func (m *Market) Symbol() string {
	return m.opts.Symbol
}

// Path returns the series file path.
func (m *Market) Path() string {
	return m.opts.Path
}

// Series returns the RAW series.
func (m *Market) Series() *series.Series {
	return m.agg.Series()
}

// Levels returns the level hierarchy.
func (m *Market) Levels() models.Levels {
	return m.opts.Levels
}

// ReadFromFile replaces the series with the contents of path.
func (m *Market) ReadFromFile(path string) error {
	s, err := m.codec.ReadFromFile(path, m.opts.Levels.Raw().Duration)
	if err != nil {
		return err
	}
	return m.setSeries(s)
}

// WriteToFile stores the series at path.
func (m *Market) WriteToFile(path string) error {
	return m.codec.WriteToFile(path, m.agg.Series())
}

// DisableCSV switches file writes to the binary format for the rest of the session.
func (m *Market) DisableCSV() {
	m.codec.DisableCSV()
}

// FulfilTillNow backfills from the last stored slot up to now.
func (m *Market) FulfilTillNow(ctx context.Context) (int, error) {
	n, err := m.filler.FulfilTillNow(ctx, m.opts.Symbol)
	m.metrics.SetSeriesLength(m.agg.Series().Len())
	return n, err
}

// FillGaps repairs gaps inside the recent window from the source.
func (m *Market) FillGaps(ctx context.Context) (gaps.FillResult, error) {
	result, err := m.filler.FillGaps(ctx, m.opts.Symbol)
	m.metrics.SetSeriesLength(m.agg.Series().Len())
	return result, err
}

// FillOlderGaps interpolates gaps older than the recent window.
func (m *Market) FillOlderGaps(ctx context.Context) (gaps.FillResult, error) {
	result, err := m.filler.FillOlderGaps(ctx)
	m.metrics.SetSeriesLength(m.agg.Series().Len())
	return result, err
}

// CheckIntegrity returns the full integrity report.
func (m *Market) CheckIntegrity() *validator.Report {
	report := m.checker.Check()
	m.metrics.SetIntegrity(report.OK())
	return report
}

// IsIntegrityOk reports whether the dataset can be trusted.
func (m *Market) IsIntegrityOk() bool {
	return m.CheckIntegrity().OK()
}

// VerifyIntegrity returns an IntegrityViolation when the dataset cannot be trusted.
func (m *Market) VerifyIntegrity() error {
	err := m.checker.Verify()
	m.metrics.SetIntegrity(err == nil)
	return err
}

// PushLowestAndRecalculateParents stores a live tick and refreshes its bucket chain.
func (m *Market) PushLowestAndRecalculateParents(tick models.Tick) (models.Tick, error) {
	stored, err := m.agg.PushLowestAndRecalculateParents(tick)
	if err != nil {
		return models.Tick{}, err
	}
	m.metrics.SetSeriesLength(m.agg.Series().Len())
	return stored, nil
}

// TrimBefore drops ticks older than t and the derived buckets that only covered
// them. It returns the number of dropped ticks.
func (m *Market) TrimBefore(t time.Time) int {
	n := m.agg.TrimBefore(t)
	m.metrics.SetSeriesLength(m.agg.Series().Len())
	return n
}

func (m *Market) applyRetention(ctx context.Context) int {
	if m.opts.Retention <= 0 {
		return 0
	}
	cut := m.now().Add(-m.opts.Retention)
	n := m.TrimBefore(cut)
	if n > 0 {
		m.logger.InfoContext(ctx, "history trimmed", "before", m.agg.Series().Align(cut), "dropped", n)
	}
	return n
}

// GetPriceAt returns the RAW bucket containing t.
func (m *Market) GetPriceAt(t time.Time) (models.Bucket, error) {
	return m.agg.GetPriceAt(t)
}

// GetInterval returns the bucket of level containing t, possibly provisional.
func (m *Market) GetInterval(t time.Time, level string) (models.Bucket, error) {
	return m.agg.GetInterval(t, level)
}

// Checkpoint applies retention, then writes the series file and, when an archive is
// attached, a snapshot.
func (m *Market) Checkpoint(ctx context.Context) error {
	start := time.Now()
	err := m.checkpoint(ctx)
	m.metrics.ObserveCheckpoint(time.Since(start), err)
	if err != nil {
		return err
	}
	m.logger.DebugContext(ctx, "checkpoint written",
		"path", m.opts.Path,
		"ticks", m.agg.Series().Len(),
		"duration", time.Since(start))
	return nil
}

func (m *Market) checkpoint(ctx context.Context) error {
	m.applyRetention(ctx)
	if m.opts.Path != "" {
		if err := m.WriteToFile(m.opts.Path); err != nil {
			return fmt.Errorf("failed to write %s: %w", m.opts.Path, err)
		}
	}
	if m.archive != nil {
		if _, err := m.archive.Snapshot(ctx, m.opts.Symbol, m.agg.Series()); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", m.opts.Symbol, err)
		}
	}
	return nil
}

// Prepare runs the startup sequence: load the file (a missing file is a first run),
// backfill till now, fill recent gaps from the source, interpolate older gaps, apply
// retention and verify integrity. Any error other than unfillable recent gaps is fatal; those
// surface through the integrity check.
func (m *Market) Prepare(ctx context.Context) (*PrepareResult, error) {
	start := time.Now()
	result := &PrepareResult{}
	log := m.logger.With("trace_id", logger.GetTraceID(ctx))

	err := logger.TimedOperation(log, "load", func() error {
		if m.opts.Path == "" {
			return nil
		}
		err := m.ReadFromFile(m.opts.Path)
		if errors.Is(err, apperrors.ErrNotFound) {
			log.InfoContext(ctx, "no history file, starting empty", "path", m.opts.Path)
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	result.Loaded = m.agg.Series().Len()
	if !m.opts.KeepCSV {
		m.DisableCSV()
	}

	log.InfoContext(ctx, "getting prices till now from the source")
	if result.Backfilled, err = m.FulfilTillNow(ctx); err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "filling recent gaps", "window", m.opts.Policy.RecentWindow)
	if result.Recent, err = m.FillGaps(ctx); err != nil {
		return nil, err
	}
	if gapErr := result.Recent.Err(); gapErr != nil {
		log.WarnContext(ctx, "some recent gaps could not be filled", "error", gapErr)
	}

	log.InfoContext(ctx, "filling older gaps", "method", m.opts.Policy.Method)
	if result.Older, err = m.FillOlderGaps(ctx); err != nil {
		return nil, err
	}
	result.Trimmed = m.applyRetention(ctx)

	result.Report = m.CheckIntegrity()
	result.Duration = time.Since(start)
	if !result.Report.OK() {
		return result, &apperrors.IntegrityViolation{
			Violations: len(result.Report.Violations),
			Summary:    result.Report.Summary(),
		}
	}

	log.InfoContext(ctx, "integrity is ok",
		"loaded", result.Loaded,
		"backfilled", result.Backfilled,
		"recent_slots", result.Recent.SlotsFilled(),
		"older_slots", result.Older.SlotsFilled(),
		"length", m.agg.Series().Len(),
		"duration", result.Duration)
	return result, nil
}
