// Package validator verifies the structural integrity of a price history before it is
// used: the RAW series must be aligned, strictly increasing and free of gaps inside the
// validity window, and every cached derived bucket must match a fresh reduction of its
// children.
//
// The checker is read-only. It reports what it finds and leaves repair to the gap
// filler or a rebuild of the aggregator.
package validator

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/aggregate"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/gaps"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// ViolationKind names one class of integrity problem.
type ViolationKind string

const (
	KindMisaligned    ViolationKind = "misaligned"
	KindNonMonotonic  ViolationKind = "non_monotonic"
	KindInvalidTick   ViolationKind = "invalid_tick"
	KindGap           ViolationKind = "gap"
	KindDrift         ViolationKind = "drift"
	KindMissingBucket ViolationKind = "missing_bucket"
	KindOrphanBucket  ViolationKind = "orphan_bucket"
)

// Violation is a single finding. Level is empty for RAW series problems.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Level   string        `json:"level,omitempty"`
	Time    time.Time     `json:"time"`
	Message string        `json:"message"`
}

func (v Violation) String() string {
	if v.Level != "" {
		return fmt.Sprintf("%s %s@%s: %s", v.Kind, v.Level, v.Time.Format(time.RFC3339), v.Message)
	}
	return fmt.Sprintf("%s @%s: %s", v.Kind, v.Time.Format(time.RFC3339), v.Message)
}

// Report is the outcome of one check.
type Report struct {
	CheckedAt   time.Time    `json:"checked_at"`
	WindowStart time.Time    `json:"window_start,omitempty"`
	Ticks       int          `json:"ticks"`
	Buckets     int          `json:"buckets"`
	Gaps        []models.Gap `json:"gaps,omitempty"`
	Violations  []Violation  `json:"violations,omitempty"`
}

// OK reports whether no violation was found.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

// Count returns the number of violations of the given kind.
func (r *Report) Count(kind ViolationKind) int {
	n := 0
	for _, v := range r.Violations {
		if v.Kind == kind {
			n++
		}
	}
	return n
}

// Summary lists the violation counts per kind, with the first few violations spelled out.
func (r *Report) Summary() string {
	if r.OK() {
		return "ok"
	}
	counts := make(map[ViolationKind]int)
	var order []ViolationKind
	for _, v := range r.Violations {
		if counts[v.Kind] == 0 {
			order = append(order, v.Kind)
		}
		counts[v.Kind]++
	}

	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	summary := strings.Join(parts, " ")

	const shown = 3
	for i, v := range r.Violations {
		if i == shown {
			summary += "; ..."
			break
		}
		summary += "; " + v.String()
	}
	return summary
}

// IntegrityChecker checks the series and cache of an aggregator.
type IntegrityChecker struct {
	agg    *aggregate.Aggregator
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewIntegrityChecker creates a checker. Gaps are only reported inside the last window
// of time; a zero window checks the whole series.
func NewIntegrityChecker(agg *aggregate.Aggregator, window time.Duration, logger *slog.Logger) *IntegrityChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityChecker{
		agg:    agg,
		window: window,
		logger: logger.With("component", "integrity_checker"),
		now:    time.Now,
	}
}

// WithClock overrides the time source used for the validity window.
func (c *IntegrityChecker) WithClock(now func() time.Time) *IntegrityChecker {
	c.now = now
	return c
}

// Check runs every check and returns the report.
func (c *IntegrityChecker) Check() *Report {
	s := c.agg.Series()
	report := &Report{CheckedAt: c.now().UTC()}

	var from time.Time
	if c.window > 0 {
		from = s.Align(report.CheckedAt.Add(-c.window))
		report.WindowStart = from
	}

	report.Ticks, report.Violations = checkTicks(s.All(), s.Width())

	for _, g := range gaps.Detect(s, from, time.Time{}) {
		report.Gaps = append(report.Gaps, g)
		report.Violations = append(report.Violations, Violation{
			Kind:    KindGap,
			Time:    g.Start,
			Message: fmt.Sprintf("%d missing slots until %s", g.Slots(s.Width()), g.End.Format(time.RFC3339)),
		})
	}

	buckets, violations := c.checkBuckets()
	report.Buckets = buckets
	report.Violations = append(report.Violations, violations...)

	if report.OK() {
		c.logger.Debug("integrity check passed", "ticks", report.Ticks, "buckets", report.Buckets)
	} else {
		c.logger.Warn("integrity check failed",
			"violations", len(report.Violations),
			"gaps", len(report.Gaps),
			"summary", report.Summary())
	}
	return report
}

// IsIntegrityOk reports whether the dataset passes every check.
func (c *IntegrityChecker) IsIntegrityOk() bool {
	return c.Check().OK()
}

// Verify returns an IntegrityViolation when the check fails.
func (c *IntegrityChecker) Verify() error {
	report := c.Check()
	if report.OK() {
		return nil
	}
	return &apperrors.IntegrityViolation{Violations: len(report.Violations), Summary: report.Summary()}
}

// checkTicks validates each stored tick and the ordering of consecutive keys.
func checkTicks(ticks iter.Seq[models.Tick], width time.Duration) (int, []Violation) {
	var (
		violations []Violation
		prev       time.Time
		n          int
	)
	for t := range ticks {
		n++
		if err := t.Validate(); err != nil {
			violations = append(violations, Violation{Kind: KindInvalidTick, Time: t.Time, Message: err.Error()})
		}
		if !models.IsAligned(t.Time, width) {
			violations = append(violations, Violation{
				Kind:    KindMisaligned,
				Time:    t.Time,
				Message: fmt.Sprintf("not aligned to %s", width),
			})
		}
		if n > 1 && !t.Time.After(prev) {
			violations = append(violations, Violation{
				Kind:    KindNonMonotonic,
				Time:    t.Time,
				Message: fmt.Sprintf("follows %s", prev.Format(time.RFC3339)),
			})
		}
		prev = t.Time
	}
	return n, violations
}

// checkBuckets compares every derived level's cache with fresh reductions. The set of
// buckets that should exist is derived from the RAW keys, since a derived bucket has
// children exactly when some RAW tick falls in its span.
func (c *IntegrityChecker) checkBuckets() (int, []Violation) {
	s := c.agg.Series()
	levels := c.agg.Levels()

	var (
		violations []Violation
		checked    int
	)
	for i := 1; i < len(levels); i++ {
		l := levels[i]

		expected := make(map[int64]time.Time)
		for t := range s.All() {
			start := l.Align(t.Time)
			expected[start.Unix()] = start
		}

		for _, start := range sortedStarts(expected) {
			checked++
			cached, ok := c.agg.Cached(i, start)
			if !ok {
				violations = append(violations, Violation{
					Kind:    KindMissingBucket,
					Level:   l.Name,
					Time:    start,
					Message: "bucket has children but is not cached",
				})
				continue
			}
			fresh, ok := c.agg.Compute(i, start)
			if !ok || !fresh.Equal(cached) {
				violations = append(violations, Violation{
					Kind:    KindDrift,
					Level:   l.Name,
					Time:    start,
					Message: fmt.Sprintf("cached %s, recomputed %s", cached, fresh),
				})
			}
		}

		for _, b := range c.agg.Buckets(i) {
			if _, ok := expected[b.Start.Unix()]; !ok {
				violations = append(violations, Violation{
					Kind:    KindOrphanBucket,
					Level:   l.Name,
					Time:    b.Start,
					Message: "cached bucket has no children",
				})
			}
		}
	}
	return checked, violations
}

func sortedStarts(m map[int64]time.Time) []time.Time {
	out := make([]time.Time, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	slices.SortFunc(out, time.Time.Compare)
	return out
}
