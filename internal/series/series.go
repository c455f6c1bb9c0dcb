// Package series holds the RAW price timeline: an ordered set of ticks keyed by their
// bucket-aligned time. It is the single source of truth for every derived level and
// is not safe for concurrent mutation.
package series

import (
	"iter"
	"slices"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// DefaultWidth is the RAW bucket width used when none is given.
const DefaultWidth = time.Minute

// Series stores ticks sorted by aligned time, at most one per slot.
type Series struct {
	width time.Duration
	ticks []models.Tick

	// watermark is the minimum retained time after a trim.
	watermark time.Time
}

// New creates an empty series with the given RAW width.
func New(width time.Duration) *Series {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Series{width: width}
}

// Width returns the RAW bucket width.
func (s *Series) Width() time.Duration {
	return s.width
}

// Align truncates t to the start of its RAW slot.
func (s *Series) Align(t time.Time) time.Time {
	return models.AlignEpoch(t, s.width)
}

// Len returns the number of stored ticks.
func (s *Series) Len() int {
	return len(s.ticks)
}

// First returns the earliest tick.
func (s *Series) First() (models.Tick, bool) {
	if len(s.ticks) == 0 {
		return models.Tick{}, false
	}
	return s.ticks[0], true
}

// Last returns the latest tick.
func (s *Series) Last() (models.Tick, bool) {
	if len(s.ticks) == 0 {
		return models.Tick{}, false
	}
	return s.ticks[len(s.ticks)-1], true
}

// Minimum returns the earliest time a push may target. It is zero for an empty,
// never-trimmed series.
func (s *Series) Minimum() time.Time {
	if len(s.ticks) == 0 {
		return s.watermark
	}
	if s.watermark.After(s.ticks[0].Time) {
		return s.watermark
	}
	return s.ticks[0].Time
}

// Push aligns the tick to its RAW slot and stores it, overwriting any tick already in
// that slot. A tick earlier than Minimum is rejected with an OutOfOrderError and the
// series is left unchanged. The stored tick is returned.
func (s *Series) Push(tick models.Tick) (models.Tick, error) {
	if err := tick.Validate(); err != nil {
		return models.Tick{}, err
	}
	tick.Time = s.Align(tick.Time)

	if minimum := s.Minimum(); !minimum.IsZero() && tick.Time.Before(minimum) {
		return models.Tick{}, &apperrors.OutOfOrderError{Time: tick.Time, Minimum: minimum}
	}

	// Live ticks land at or after the tail, so check that first.
	if n := len(s.ticks); n == 0 || s.ticks[n-1].Time.Before(tick.Time) {
		s.ticks = append(s.ticks, tick)
		return tick, nil
	}

	i, found := s.search(tick.Time)
	if found {
		s.ticks[i] = tick
	} else {
		s.ticks = slices.Insert(s.ticks, i, tick)
	}
	return tick, nil
}

// PushBatch aligns and stores many ticks with a single merge, so repairing a long gap
// costs one pass over the series instead of one insert per slot. Within the batch the
// later tick for a slot wins, and batch ticks overwrite stored ones. The batch is
// validated as a whole: on any invalid or out-of-order tick the series is left
// unchanged. The stored ticks are returned in ascending order.
func (s *Series) PushBatch(ticks []models.Tick) ([]models.Tick, error) {
	if len(ticks) == 0 {
		return nil, nil
	}

	minimum := s.Minimum()
	batch := make([]models.Tick, len(ticks))
	for i, tick := range ticks {
		if err := tick.Validate(); err != nil {
			return nil, err
		}
		tick.Time = s.Align(tick.Time)
		if !minimum.IsZero() && tick.Time.Before(minimum) {
			return nil, &apperrors.OutOfOrderError{Time: tick.Time, Minimum: minimum}
		}
		batch[i] = tick
	}

	slices.SortStableFunc(batch, func(a, b models.Tick) int {
		return a.Time.Compare(b.Time)
	})
	batch = dedupLast(batch)

	// Appending past the tail is the common case for backfill.
	if n := len(s.ticks); n == 0 || s.ticks[n-1].Time.Before(batch[0].Time) {
		s.ticks = append(s.ticks, batch...)
		return batch, nil
	}

	merged := make([]models.Tick, 0, len(s.ticks)+len(batch))
	i, j := 0, 0
	for i < len(s.ticks) && j < len(batch) {
		switch s.ticks[i].Time.Compare(batch[j].Time) {
		case -1:
			merged = append(merged, s.ticks[i])
			i++
		case 1:
			merged = append(merged, batch[j])
			j++
		default:
			merged = append(merged, batch[j])
			i++
			j++
		}
	}
	merged = append(merged, s.ticks[i:]...)
	merged = append(merged, batch[j:]...)
	s.ticks = merged
	return batch, nil
}

// dedupLast keeps the last tick of every run of equal times in a sorted slice.
func dedupLast(ticks []models.Tick) []models.Tick {
	out := ticks[:0]
	for i, t := range ticks {
		if i+1 < len(ticks) && ticks[i+1].Time.Equal(t.Time) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// At returns the tick whose slot contains t.
func (s *Series) At(t time.Time) (models.Tick, bool) {
	i, found := s.search(s.Align(t))
	if !found {
		return models.Tick{}, false
	}
	return s.ticks[i], true
}

// Range yields the ticks with from <= Time < to in ascending order. The sequence
// reads the series when iterated, so it can be ranged over more than once.
func (s *Series) Range(from, to time.Time) iter.Seq[models.Tick] {
	return func(yield func(models.Tick) bool) {
		i, _ := s.search(from)
		for ; i < len(s.ticks); i++ {
			if !s.ticks[i].Time.Before(to) {
				return
			}
			if !yield(s.ticks[i]) {
				return
			}
		}
	}
}

// All yields every tick in ascending order.
func (s *Series) All() iter.Seq[models.Tick] {
	return func(yield func(models.Tick) bool) {
		for _, t := range s.ticks {
			if !yield(t) {
				return
			}
		}
	}
}

// Count returns the number of ticks in [from, to).
func (s *Series) Count(from, to time.Time) int {
	lo, _ := s.search(from)
	hi, _ := s.search(to)
	if hi < lo {
		return 0
	}
	return hi - lo
}

// TrimBefore drops every tick earlier than t and raises the minimum retained time to
// the aligned t. It returns the number of dropped ticks. Derived levels are not
// touched; use Aggregator.TrimBefore when an aggregator sits on the series.
func (s *Series) TrimBefore(t time.Time) int {
	t = s.Align(t)
	i, _ := s.search(t)
	s.ticks = slices.Delete(s.ticks, 0, i)
	if t.After(s.watermark) {
		s.watermark = t
	}
	return i
}

// Clone returns an independent copy of the series.
func (s *Series) Clone() *Series {
	return &Series{
		width:     s.width,
		ticks:     slices.Clone(s.ticks),
		watermark: s.watermark,
	}
}

// Equal reports whether both series hold the same ticks at the same width.
func (s *Series) Equal(o *Series) bool {
	return s.width == o.width && slices.EqualFunc(s.ticks, o.ticks, models.Tick.Equal)
}

func (s *Series) search(t time.Time) (int, bool) {
	return slices.BinarySearchFunc(s.ticks, t, func(tick models.Tick, target time.Time) int {
		return tick.Time.Compare(target)
	})
}
