package models

import (
	"fmt"
	"strings"
	"time"
)

// Level names for the default hierarchy.
const (
	LevelRaw   = "RAW"
	LevelMin5  = "MIN5"
	LevelMin15 = "MIN15"
	LevelHour1 = "HOUR1"
	LevelHour4 = "HOUR4"
	LevelDay1  = "DAY1"
)

// Level describes one granularity of the aggregation hierarchy. Parent is the index
// of the level whose buckets are reduced into this one; the RAW level has Parent -1.
type Level struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Parent   int           `json:"parent"`
}

// Align returns the start of the bucket at this level containing t.
func (l Level) Align(t time.Time) time.Time {
	return AlignEpoch(t, l.Duration)
}

// AlignEpoch returns the start of the d-wide slot containing t, with slots counted
// from the Unix epoch in UTC. Sub-second parts of d are ignored.
func AlignEpoch(t time.Time, d time.Duration) time.Time {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return t.UTC().Truncate(d)
	}
	u := t.Unix()
	rem := u % secs
	if rem < 0 {
		rem += secs
	}
	return time.Unix(u-rem, 0).UTC()
}

// IsAligned reports whether t starts a d-wide epoch slot.
func IsAligned(t time.Time, d time.Duration) bool {
	return AlignEpoch(t, d).Equal(t)
}

// Levels is the ordered list of level descriptors. Index 0 is always RAW.
type Levels []Level

// DefaultLevels returns RAW(1m) -> MIN5 -> MIN15 -> HOUR1 -> HOUR4 -> DAY1.
func DefaultLevels() Levels {
	return Levels{
		{Name: LevelRaw, Duration: time.Minute, Parent: -1},
		{Name: LevelMin5, Duration: 5 * time.Minute, Parent: 0},
		{Name: LevelMin15, Duration: 15 * time.Minute, Parent: 1},
		{Name: LevelHour1, Duration: time.Hour, Parent: 2},
		{Name: LevelHour4, Duration: 4 * time.Hour, Parent: 3},
		{Name: LevelDay1, Duration: 24 * time.Hour, Parent: 4},
	}
}

// NewLevels validates a level list. Every derived level must reference an earlier
// level as parent and its duration must be a strict multiple of the parent's.
func NewLevels(levels ...Level) (Levels, error) {
	if len(levels) == 0 {
		return nil, &ValidationError{Field: "levels", Message: "at least the RAW level is required"}
	}
	seen := make(map[string]bool, len(levels))
	for i, l := range levels {
		if l.Name == "" {
			return nil, &ValidationError{Field: "levels", Message: fmt.Sprintf("level %d has no name", i)}
		}
		key := strings.ToUpper(l.Name)
		if seen[key] {
			return nil, &ValidationError{Field: "levels", Message: fmt.Sprintf("duplicate level %s", l.Name)}
		}
		seen[key] = true

		if l.Duration <= 0 || l.Duration%time.Second != 0 {
			return nil, &ValidationError{Field: "levels", Message: fmt.Sprintf("level %s must have a whole-second positive duration", l.Name)}
		}
		if i == 0 {
			if l.Parent != -1 {
				return nil, &ValidationError{Field: "levels", Message: "first level must be RAW with parent -1"}
			}
			continue
		}
		if l.Parent < 0 || l.Parent >= i {
			return nil, &ValidationError{Field: "levels", Message: fmt.Sprintf("level %s must reference an earlier parent, got %d", l.Name, l.Parent)}
		}
		parent := levels[l.Parent]
		if l.Duration <= parent.Duration || l.Duration%parent.Duration != 0 {
			return nil, &ValidationError{
				Field:   "levels",
				Message: fmt.Sprintf("level %s (%s) must be a strict multiple of %s (%s)", l.Name, l.Duration, parent.Name, parent.Duration),
			}
		}
	}
	out := make(Levels, len(levels))
	copy(out, levels)
	return out, nil
}

// Raw returns the finest level.
func (ls Levels) Raw() Level {
	return ls[0]
}

// Index returns the position of the named level (case-insensitive).
func (ls Levels) Index(name string) (int, bool) {
	for i, l := range ls {
		if strings.EqualFold(l.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// Fanout is the number of parent slots spanned by one bucket at index i.
func (ls Levels) Fanout(i int) int {
	l := ls[i]
	return int(l.Duration / ls[l.Parent].Duration)
}

// Names lists the level names in order.
func (ls Levels) Names() []string {
	names := make([]string, len(ls))
	for i, l := range ls {
		names[i] = l.Name
	}
	return names
}
