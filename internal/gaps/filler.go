package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-history/internal/aggregate"
	"github.com/johnayoung/go-ohlcv-history/internal/contracts"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

const component = "gap_filler"

// Method selects how slots without source data are synthesized.
type Method string

const (
	CarryForward Method = "carry_forward"
	Linear       Method = "linear"
)

// Policy controls which gaps are re-fetched and how the rest are interpolated.
type Policy struct {
	// RecentWindow: gap parts newer than now-RecentWindow are re-fetched from the source.
	RecentWindow time.Duration
	// InitialHistory is how far back FulfilTillNow starts on an empty series.
	InitialHistory time.Duration
	Method         Method
}

// DefaultPolicy re-fetches two weeks and carries prices forward beyond that.
func DefaultPolicy() Policy {
	return Policy{
		RecentWindow:   14 * 24 * time.Hour,
		InitialHistory: 24 * time.Hour,
		Method:         CarryForward,
	}
}

// FillResult summarizes one fill pass.
type FillResult struct {
	GapsFound         int
	GapsFilled        int
	SlotsFetched      int
	SlotsInterpolated int
	Errors            []error
}

// SlotsFilled is the number of RAW slots written by the pass.
func (r FillResult) SlotsFilled() int {
	return r.SlotsFetched + r.SlotsInterpolated
}

// Err joins the per-gap errors.
func (r FillResult) Err() error {
	return errors.Join(r.Errors...)
}

// Filler repairs the series behind an aggregator. Every tick it writes goes through
// the aggregator so derived levels stay current.
type Filler struct {
	agg     *aggregate.Aggregator
	client  contracts.BackfillClient
	retrier *apperrors.Retrier
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewFiller creates a filler. client may be nil when only FillOlderGaps is used.
func NewFiller(agg *aggregate.Aggregator, client contracts.BackfillClient, retrier *apperrors.Retrier, policy Policy, logger *slog.Logger) *Filler {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Method == "" {
		policy.Method = CarryForward
	}
	return &Filler{
		agg:     agg,
		client:  client,
		retrier: retrier,
		policy:  policy,
		logger:  logger.With("component", component),
		now:     time.Now,
	}
}

// WithMetrics attaches metrics to the filler.
func (f *Filler) WithMetrics(m *metrics.Metrics) *Filler {
	f.metrics = m
	return f
}

// WithClock overrides the time source.
func (f *Filler) WithClock(now func() time.Time) *Filler {
	f.now = now
	return f
}

// Policy returns the active policy.
func (f *Filler) Policy() Policy {
	return f.policy
}

// Cutoff is the boundary between recent and older gaps.
func (f *Filler) Cutoff() time.Time {
	return f.agg.Series().Align(f.now().Add(-f.policy.RecentWindow))
}

// FulfilTillNow brings the series up to the present: the history after the last
// stored slot (or InitialHistory back for an empty series) followed by the current
// ticker. Each fetch is retried; when retries run out a SourceUnavailableError is
// returned since the timeline cannot be trusted without it.
func (f *Filler) FulfilTillNow(ctx context.Context, symbol string) (int, error) {
	s := f.agg.Series()
	now := f.now().UTC()

	from := s.Align(now.Add(-f.policy.InitialHistory))
	if last, ok := s.Last(); ok {
		from = last.Time.Add(s.Width())
	}

	pushed := 0
	if from.Before(now) {
		var ticks []models.Tick
		err := f.fetch(ctx, "get_historical", func(ctx context.Context) error {
			var err error
			ticks, err = f.client.GetHistorical(ctx, symbol, from, now)
			return err
		})
		if err != nil {
			return 0, err
		}
		pushed = f.pushAll(ticks, "backfill")
	}

	var current *models.Tick
	err := f.fetch(ctx, "get_ticker", func(ctx context.Context) error {
		var err error
		current, err = f.client.GetTicker(ctx, symbol)
		return err
	})
	if err != nil {
		return pushed, err
	}
	if current != nil && f.push(*current, "backfill") {
		pushed++
	}

	f.logger.InfoContext(ctx, "series fulfilled till now",
		"symbol", symbol,
		"from", from,
		"to", now,
		"ticks", pushed,
		"length", s.Len())
	return pushed, nil
}

// FillGaps re-fetches the recent part of every gap and inserts the authoritative
// ticks that fall inside it. Slots the source has no data for are then interpolated so
// a repeated call finds nothing to do. A gap whose fetch fails is left open and
// reported in the result.
func (f *Filler) FillGaps(ctx context.Context, symbol string) (FillResult, error) {
	var result FillResult
	s := f.agg.Series()
	cutoff := f.Cutoff()

	for _, g := range Detect(s, cutoff, time.Time{}) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, _, recent, ok := g.Split(cutoff)
		if !ok {
			continue
		}
		result.GapsFound++

		var ticks []models.Tick
		err := f.fetch(ctx, "get_historical", func(ctx context.Context) error {
			var err error
			ticks, err = f.client.GetHistorical(ctx, symbol, recent.Start, recent.End)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			f.logger.ErrorContext(ctx, "gap left open", "gap", recent.String(), "error", err)
			f.metrics.GapFailed("recent")
			result.Errors = append(result.Errors, fmt.Errorf("fill %s: %w", recent, err))
			continue
		}

		var inside []models.Tick
		for _, t := range ticks {
			if recent.Contains(s.Align(t.Time)) {
				inside = append(inside, t)
			}
		}
		fetched := f.pushAll(inside, "gap_fetch")

		interpolated := 0
		for _, hole := range Detect(s, recent.Start, recent.End) {
			interpolated += f.interpolate(hole, clip(hole, recent.Start, recent.End))
		}

		result.GapsFilled++
		result.SlotsFetched += fetched
		result.SlotsInterpolated += interpolated
		f.metrics.GapFilled("recent")
		f.metrics.SlotsWritten("fetched", fetched)
		f.metrics.SlotsWritten(string(f.policy.Method), interpolated)
		f.logger.InfoContext(ctx, "recent gap filled",
			"gap", recent.String(),
			"fetched", fetched,
			"interpolated", interpolated)
	}
	return result, nil
}

// FillOlderGaps interpolates every gap part older than the recent window without
// touching the source.
func (f *Filler) FillOlderGaps(ctx context.Context) (FillResult, error) {
	var result FillResult
	s := f.agg.Series()
	cutoff := f.Cutoff()

	for _, g := range Detect(s, time.Time{}, cutoff) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		older, ok, _, _ := g.Split(cutoff)
		if !ok {
			continue
		}
		result.GapsFound++

		n := f.interpolate(g, older)
		result.GapsFilled++
		result.SlotsInterpolated += n
		f.metrics.GapFilled("older")
		f.metrics.SlotsWritten(string(f.policy.Method), n)
		f.logger.DebugContext(ctx, "older gap interpolated", "gap", older.String(), "slots", n)
	}

	if result.GapsFound > 0 {
		f.logger.InfoContext(ctx, "older gaps filled",
			"gaps", result.GapsFilled,
			"slots", result.SlotsInterpolated,
			"method", f.policy.Method)
	}
	return result, nil
}

// interpolate fills the slots of target, which lies inside the whole gap g, from
// the ticks bounding g.
func (f *Filler) interpolate(g, target models.Gap) int {
	s := f.agg.Series()
	width := s.Width()

	prev, okPrev := s.At(g.Start.Add(-width))
	next, okNext := s.At(g.End)
	if !okPrev || !okNext {
		return 0
	}

	var ticks []models.Tick
	for t := s.Align(target.Start); t.Before(target.End); t = t.Add(width) {
		if _, exists := s.At(t); exists {
			continue
		}
		ticks = append(ticks, models.Tick{
			Time:         t,
			Price:        Interpolate(f.policy.Method, prev, next, t),
			Interpolated: true,
		})
	}
	return f.pushAll(ticks, "interpolated")
}

// Interpolate returns the price for slot t between prev and next. Linear results are
// rounded to the finer scale of the two bounds, so they never leave [min, max].
func Interpolate(method Method, prev, next models.Tick, t time.Time) decimal.Decimal {
	if method != Linear {
		return prev.Price
	}
	span := next.Time.Sub(prev.Time)
	if span <= 0 {
		return prev.Price
	}

	frac := decimal.NewFromInt(int64(t.Sub(prev.Time))).Div(decimal.NewFromInt(int64(span)))
	price := prev.Price.Add(next.Price.Sub(prev.Price).Mul(frac))

	scale := -prev.Price.Exponent()
	if s := -next.Price.Exponent(); s > scale {
		scale = s
	}
	if scale < 0 {
		scale = 0
	}
	return price.Round(scale)
}

func (f *Filler) push(t models.Tick, source string) bool {
	if _, err := f.agg.PushLowestAndRecalculateParents(t); err != nil {
		f.reject(t, source, err)
		return false
	}
	f.metrics.TickPushed(source)
	return true
}

// pushAll writes ticks through one aggregator batch. Ticks the series would refuse
// are rejected one by one first, so a single bad tick does not sink the batch.
func (f *Filler) pushAll(ticks []models.Tick, source string) int {
	if len(ticks) == 0 {
		return 0
	}
	s := f.agg.Series()
	minimum := s.Minimum()

	accepted := make([]models.Tick, 0, len(ticks))
	for _, t := range ticks {
		var err error
		if err = t.Validate(); err == nil && !minimum.IsZero() && s.Align(t.Time).Before(minimum) {
			err = &apperrors.OutOfOrderError{Time: s.Align(t.Time), Minimum: minimum}
		}
		if err != nil {
			f.reject(t, source, err)
			continue
		}
		accepted = append(accepted, t)
	}

	stored, err := f.agg.PushBatch(accepted)
	if err != nil {
		f.logger.Warn("batch push failed, pushing one by one", "source", source, "error", err)
		n := 0
		for _, t := range accepted {
			if f.push(t, source) {
				n++
			}
		}
		return n
	}
	f.metrics.TickBatchPushed(source, len(stored))
	return len(stored)
}

func (f *Filler) reject(t models.Tick, source string, err error) {
	reason := "invalid"
	if errors.Is(err, apperrors.ErrOutOfOrder) {
		reason = "out_of_order"
	}
	f.metrics.TickRejected(reason)
	f.logger.Warn("tick rejected", "source", source, "tick", t.String(), "error", err)
}

// fetch runs a source call through the retrier and turns exhaustion into a
// SourceUnavailableError.
func (f *Filler) fetch(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if f.client == nil {
		return apperrors.NewSourceUnavailable("backfill", operation, fmt.Errorf("no backfill client configured"))
	}

	var err error
	if f.retrier != nil {
		err = f.retrier.Do(ctx, component, operation, fn)
	} else {
		err = fn(ctx)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	attempts := 1
	var ce *apperrors.ClassifiedError
	if errors.As(err, &ce) && ce.Attempts > 0 {
		attempts = ce.Attempts
	}
	return &apperrors.SourceUnavailableError{Source: "backfill", Operation: operation, Attempts: attempts, Err: err}
}
