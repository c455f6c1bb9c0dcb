// Package aggregate maintains the derived candle levels on top of the RAW series.
//
// Each derived level caches its buckets keyed by aligned start. A live push touches
// one bucket per level: the chain of buckets containing the new tick, recomputed in
// ascending level order so every level reduces an already up-to-date parent. The cache
// is never the source of truth; Rebuild recomputes it from the series at any time.
package aggregate

import (
	"fmt"
	"math"
	"slices"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/johnayoung/go-ohlcv-history/internal/series"
)

// Aggregator owns the derived bucket cache of one series.
type Aggregator struct {
	series *series.Series
	levels models.Levels

	// cache[i] holds the buckets of level i keyed by start unix seconds. cache[0] is
	// unused: RAW buckets are read straight from the series.
	cache []map[int64]models.Bucket
}

// New creates an aggregator over s and builds every derived level from it. The RAW
// level width must match the series width.
func New(s *series.Series, levels models.Levels) (*Aggregator, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("aggregator requires at least one level")
	}
	if levels.Raw().Duration != s.Width() {
		return nil, fmt.Errorf("raw level width %s does not match series width %s", levels.Raw().Duration, s.Width())
	}

	a := &Aggregator{
		series: s,
		levels: levels,
	}
	a.Rebuild()
	return a, nil
}

// Series returns the underlying RAW series.
func (a *Aggregator) Series() *series.Series {
	return a.series
}

// Levels returns the level hierarchy.
func (a *Aggregator) Levels() models.Levels {
	return a.levels
}

// PushLowestAndRecalculateParents stores the tick in the series and recomputes the
// bucket containing it at every derived level. It returns the tick as stored.
func (a *Aggregator) PushLowestAndRecalculateParents(tick models.Tick) (models.Tick, error) {
	stored, err := a.series.Push(tick)
	if err != nil {
		return models.Tick{}, err
	}
	a.Recalculate(stored.Time)
	return stored, nil
}

// PushBatch stores the ticks in the series with one merge and recomputes every
// derived bucket they touch exactly once, lowest level first. Nothing is stored when
// any tick is rejected. It returns the ticks as stored.
func (a *Aggregator) PushBatch(ticks []models.Tick) ([]models.Tick, error) {
	stored, err := a.series.PushBatch(ticks)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return stored, nil
	}

	for i := 1; i < len(a.levels); i++ {
		l := a.levels[i]
		last := int64(math.MinInt64)
		// stored is sorted, so equal starts are adjacent
		for _, tick := range stored {
			start := l.Align(tick.Time)
			if start.Unix() == last {
				continue
			}
			last = start.Unix()
			a.refresh(i, start)
		}
	}
	return stored, nil
}

// TrimBefore drops every tick earlier than t from the series and brings the derived
// levels in line: buckets that end at or before the aligned cut are dropped, the
// ones straddling it are recomputed from what is left. It returns the number of
// dropped ticks.
func (a *Aggregator) TrimBefore(t time.Time) int {
	cut := a.series.Align(t)
	n := a.series.TrimBefore(cut)

	for i := 1; i < len(a.levels); i++ {
		d := a.levels[i].Duration
		var straddling []time.Time
		for key, b := range a.cache[i] {
			switch {
			case !b.Start.Add(d).After(cut):
				delete(a.cache[i], key)
			case b.Start.Before(cut):
				straddling = append(straddling, b.Start)
			}
		}
		for _, start := range straddling {
			a.refresh(i, start)
		}
	}
	return n
}

// Recalculate recomputes the chain of buckets containing t, lowest level first.
func (a *Aggregator) Recalculate(t time.Time) {
	for i := 1; i < len(a.levels); i++ {
		a.refresh(i, a.levels[i].Align(t))
	}
}

func (a *Aggregator) refresh(level int, start time.Time) {
	key := start.Unix()
	if b, ok := a.Compute(level, start); ok {
		a.cache[level][key] = b
	} else {
		delete(a.cache[level], key)
	}
}

// Compute reduces the children of the level bucket starting at the aligned start.
// Children are RAW ticks when the parent is RAW and cached parent buckets otherwise.
// It reports false when the span holds no data.
func (a *Aggregator) Compute(level int, start time.Time) (models.Bucket, bool) {
	l := a.levels[level]
	start = l.Align(start)
	end := start.Add(l.Duration)
	expected := a.levels.Fanout(level)

	var children []models.Bucket
	if l.Parent == 0 {
		raw := a.levels.Raw().Name
		for tick := range a.series.Range(start, end) {
			children = append(children, models.BucketFromTick(raw, tick))
		}
	} else {
		parentCache := a.cache[l.Parent]
		step := a.levels[l.Parent].Duration
		for t := start; t.Before(end); t = t.Add(step) {
			if b, ok := parentCache[t.Unix()]; ok {
				children = append(children, b)
			}
		}
	}
	return models.Reduce(l.Name, start, expected, children)
}

// Rebuild discards the cache and recomputes every derived level from the series.
func (a *Aggregator) Rebuild() {
	a.cache = make([]map[int64]models.Bucket, len(a.levels))
	for i := range a.levels {
		a.cache[i] = make(map[int64]models.Bucket)
	}

	for i := 1; i < len(a.levels); i++ {
		l := a.levels[i]
		seen := make(map[int64]bool)
		for _, start := range a.parentStarts(l.Parent) {
			aligned := l.Align(start)
			if seen[aligned.Unix()] {
				continue
			}
			seen[aligned.Unix()] = true
			a.refresh(i, aligned)
		}
	}
}

func (a *Aggregator) parentStarts(parent int) []time.Time {
	if parent == 0 {
		starts := make([]time.Time, 0, a.series.Len())
		for tick := range a.series.All() {
			starts = append(starts, tick.Time)
		}
		return starts
	}
	starts := make([]time.Time, 0, len(a.cache[parent]))
	for _, b := range a.cache[parent] {
		starts = append(starts, b.Start)
	}
	return starts
}

// Cached returns the cached bucket of a derived level without recomputing it.
func (a *Aggregator) Cached(level int, start time.Time) (models.Bucket, bool) {
	if level <= 0 || level >= len(a.cache) {
		return models.Bucket{}, false
	}
	b, ok := a.cache[level][a.levels[level].Align(start).Unix()]
	return b, ok
}

// Buckets returns the buckets of a level ordered by start. For RAW they are built
// from the series.
func (a *Aggregator) Buckets(level int) []models.Bucket {
	if level < 0 || level >= len(a.levels) {
		return nil
	}
	if level == 0 {
		out := make([]models.Bucket, 0, a.series.Len())
		for tick := range a.series.All() {
			out = append(out, models.BucketFromTick(a.levels[0].Name, tick))
		}
		return out
	}

	out := make([]models.Bucket, 0, len(a.cache[level]))
	for _, b := range a.cache[level] {
		out = append(out, b)
	}
	slices.SortFunc(out, func(x, y models.Bucket) int {
		return x.Start.Compare(y.Start)
	})
	return out
}

// GetPriceAt returns the RAW bucket containing t.
func (a *Aggregator) GetPriceAt(t time.Time) (models.Bucket, error) {
	tick, ok := a.series.At(t)
	if !ok {
		return models.Bucket{}, apperrors.NewNotFound("bucket", bucketKey(a.levels[0].Name, a.series.Align(t)), nil)
	}
	return models.BucketFromTick(a.levels[0].Name, tick), nil
}

// GetInterval returns the bucket of the named level containing t. Provisional buckets
// are returned with their flag set; a span without data is a NotFoundError.
func (a *Aggregator) GetInterval(t time.Time, level string) (models.Bucket, error) {
	i, ok := a.levels.Index(level)
	if !ok {
		return models.Bucket{}, apperrors.NewNotFound("level", level, nil)
	}
	if i == 0 {
		return a.GetPriceAt(t)
	}

	start := a.levels[i].Align(t)
	b, ok := a.cache[i][start.Unix()]
	if !ok {
		return models.Bucket{}, apperrors.NewNotFound("bucket", bucketKey(a.levels[i].Name, start), nil)
	}
	return b, nil
}

func bucketKey(level string, start time.Time) string {
	return level + "@" + start.Format(time.RFC3339)
}
