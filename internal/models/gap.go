package models

import (
	"fmt"
	"time"
)

// Gap is a maximal run of missing RAW slots, half-open [Start, End). Gaps exist only
// between detection and filling; nothing persists them.
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Slots returns how many RAW slots of the given width the gap spans.
func (g Gap) Slots(width time.Duration) int {
	if width <= 0 || !g.End.After(g.Start) {
		return 0
	}
	return int(g.End.Sub(g.Start) / width)
}

// Duration returns the length of the gap.
func (g Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// Split divides the gap at cutoff into the part before it and the part at or after it.
// Either result may be empty (ok flag false).
func (g Gap) Split(cutoff time.Time) (older Gap, olderOK bool, recent Gap, recentOK bool) {
	switch {
	case !cutoff.After(g.Start):
		return Gap{}, false, g, true
	case !cutoff.Before(g.End):
		return g, true, Gap{}, false
	default:
		return Gap{Start: g.Start, End: cutoff}, true, Gap{Start: cutoff, End: g.End}, true
	}
}

// Contains reports whether t falls inside the gap.
func (g Gap) Contains(t time.Time) bool {
	return !t.Before(g.Start) && t.Before(g.End)
}

// String returns a human-readable representation of the gap.
func (g Gap) String() string {
	return fmt.Sprintf("Gap[%s, %s)", g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339))
}
