// Package gaps detects missing RAW slots and repairs them: recent gaps from the
// backfill source, older gaps by interpolation.
package gaps

import (
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/johnayoung/go-ohlcv-history/internal/series"
)

// Detect scans consecutive keys of s and returns every gap [prev+width, next) that
// intersects [from, to). Gaps are returned whole, not clipped to the window, so their
// bounding ticks are always the slots just before Start and at End. A zero from or to
// leaves that side unbounded.
func Detect(s *series.Series, from, to time.Time) []models.Gap {
	width := s.Width()

	var (
		gaps []models.Gap
		prev time.Time
	)
	for tick := range s.All() {
		if !prev.IsZero() && tick.Time.Sub(prev) > width {
			g := models.Gap{Start: prev.Add(width), End: tick.Time}
			if intersects(g, from, to) {
				gaps = append(gaps, g)
			}
		}
		if !to.IsZero() && !tick.Time.Before(to) {
			break
		}
		prev = tick.Time
	}
	return gaps
}

// MissingSlots counts the RAW slots missing inside [from, to).
func MissingSlots(s *series.Series, from, to time.Time) int {
	total := 0
	for _, g := range Detect(s, from, to) {
		total += clip(g, from, to).Slots(s.Width())
	}
	return total
}

func intersects(g models.Gap, from, to time.Time) bool {
	if !from.IsZero() && !g.End.After(from) {
		return false
	}
	if !to.IsZero() && !g.Start.Before(to) {
		return false
	}
	return true
}

func clip(g models.Gap, from, to time.Time) models.Gap {
	if !from.IsZero() && g.Start.Before(from) {
		g.Start = from
	}
	if !to.IsZero() && g.End.After(to) {
		g.End = to
	}
	return g
}
