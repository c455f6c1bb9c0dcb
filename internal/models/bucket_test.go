package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rawBucket(minute int, price string) Bucket {
	return BucketFromTick(LevelRaw, Tick{Time: testTime.Add(time.Duration(minute) * time.Minute), Price: d(price)})
}

func TestNewTick_Validation(t *testing.T) {
	tests := []struct {
		name    string
		time    time.Time
		price   string
		field   string
		wantErr bool
	}{
		{name: "valid", time: testTime, price: "100.50"},
		{name: "zero_time", time: time.Time{}, price: "100", field: "time", wantErr: true},
		{name: "zero_price", time: testTime, price: "0", field: "price", wantErr: true},
		{name: "negative_price", time: testTime, price: "-1.5", field: "price", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, err := NewTick(tt.time, d(tt.price))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.True(t, tick.Price.Equal(d(tt.price)))
				assert.Equal(t, time.UTC, tick.Time.Location())
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestReduce_OHLC(t *testing.T) {
	children := []Bucket{
		rawBucket(0, "100"),
		rawBucket(1, "101"),
		rawBucket(2, "99"),
		rawBucket(3, "99"),
		rawBucket(4, "103"),
	}
	children[3].Interpolated = 1

	b, ok := Reduce(LevelMin5, testTime, 5, children)
	require.True(t, ok)

	assert.True(t, b.Open.Equal(d("100")))
	assert.True(t, b.High.Equal(d("103")))
	assert.True(t, b.Low.Equal(d("99")))
	assert.True(t, b.Close.Equal(d("103")))
	assert.Equal(t, 5, b.Children)
	assert.Equal(t, 1, b.Interpolated)
	assert.False(t, b.Provisional)
	assert.NoError(t, b.Validate())
}

func TestReduce_Provisional(t *testing.T) {
	t.Run("missing_children", func(t *testing.T) {
		b, ok := Reduce(LevelMin5, testTime, 5, []Bucket{rawBucket(0, "10"), rawBucket(1, "11")})
		require.True(t, ok)
		assert.True(t, b.Provisional)
		assert.Equal(t, 2, b.Children)
		assert.Equal(t, 5, b.Expected)
	})

	t.Run("provisional_child_propagates", func(t *testing.T) {
		child, _ := Reduce(LevelMin5, testTime, 5, []Bucket{rawBucket(0, "10")})
		full := make([]Bucket, 3)
		for i := range full {
			full[i] = Bucket{Level: LevelMin5, Start: testTime, Open: d("10"), High: d("10"), Low: d("10"), Close: d("10"), Children: 5, Expected: 5}
		}
		full[2] = child

		b, ok := Reduce(LevelMin15, testTime, 3, full)
		require.True(t, ok)
		assert.True(t, b.Provisional)
	})

	t.Run("no_children_is_absent", func(t *testing.T) {
		_, ok := Reduce(LevelMin5, testTime, 5, nil)
		assert.False(t, ok)
	})
}

func TestBucket_Validate(t *testing.T) {
	b := Bucket{Level: LevelMin5, Start: testTime, Open: d("10"), High: d("9"), Low: d("8"), Close: d("9.5")}
	err := b.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "high", verr.Field)
}

func TestBucket_DerivedValues(t *testing.T) {
	b := Bucket{Level: LevelMin5, Start: testTime, Open: d("100"), High: d("106"), Low: d("97"), Close: d("104")}

	assert.True(t, b.Range().Equal(d("9")))
	assert.True(t, b.TypicalPrice().Equal(d("102.3333333333333333")))
	assert.True(t, b.IsBullish())
	assert.True(t, b.Price().Equal(d("104")))
	assert.Equal(t, testTime.Add(5*time.Minute), b.End(5*time.Minute))
	assert.Contains(t, b.String(), "MIN5")
}

func TestNewLevels(t *testing.T) {
	t.Run("default_levels_are_valid", func(t *testing.T) {
		levels, err := NewLevels(DefaultLevels()...)
		require.NoError(t, err)
		assert.Equal(t, []string{"RAW", "MIN5", "MIN15", "HOUR1", "HOUR4", "DAY1"}, levels.Names())
		assert.Equal(t, 5, levels.Fanout(1))
		assert.Equal(t, 3, levels.Fanout(2))
		assert.Equal(t, 6, levels.Fanout(5))

		idx, ok := levels.Index("min15")
		assert.True(t, ok)
		assert.Equal(t, 2, idx)
	})

	tests := []struct {
		name   string
		levels []Level
	}{
		{name: "empty", levels: nil},
		{name: "raw_with_parent", levels: []Level{{Name: "RAW", Duration: time.Minute, Parent: 0}}},
		{name: "not_multiple", levels: []Level{
			{Name: "RAW", Duration: time.Minute, Parent: -1},
			{Name: "MIN7", Duration: 90 * time.Second, Parent: 0},
		}},
		{name: "forward_parent", levels: []Level{
			{Name: "RAW", Duration: time.Minute, Parent: -1},
			{Name: "MIN5", Duration: 5 * time.Minute, Parent: 1},
		}},
		{name: "duplicate", levels: []Level{
			{Name: "RAW", Duration: time.Minute, Parent: -1},
			{Name: "raw", Duration: 5 * time.Minute, Parent: 0},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLevels(tt.levels...)
			assert.Error(t, err)
		})
	}
}

func TestLevel_Align(t *testing.T) {
	l := Level{Name: LevelMin5, Duration: 5 * time.Minute}
	got := l.Align(time.Date(2024, 1, 1, 12, 7, 42, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC), got)

	day := Level{Name: LevelDay1, Duration: 24 * time.Hour}
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), day.Align(testTime))

	// weeks count from Thursday 1970-01-01, not from the Monday of year 1
	week := Level{Name: "WEEK1", Duration: 7 * 24 * time.Hour}
	wednesday := time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2023, 12, 28, 0, 0, 0, 0, time.UTC), week.Align(wednesday))
	assert.NotEqual(t, wednesday.Truncate(week.Duration), week.Align(wednesday))
}

func TestAlignEpoch(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		d    time.Duration
		want time.Time
	}{
		{"minute", time.Unix(90, 0), time.Minute, time.Unix(60, 0)},
		{"before epoch", time.Unix(-30, 0), time.Minute, time.Unix(-60, 0)},
		{"aligned stays", time.Unix(3600, 0), time.Hour, time.Unix(3600, 0)},
		{"non-utc input", time.Date(2024, 1, 1, 2, 7, 0, 0, time.FixedZone("X", 3600)), 5 * time.Minute,
			time.Date(2024, 1, 1, 1, 5, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AlignEpoch(tt.t, tt.d)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
			assert.True(t, IsAligned(got, tt.d))
		})
	}

	assert.False(t, IsAligned(time.Unix(90, 0), time.Minute))
	assert.False(t, IsAligned(time.Unix(60, 5), time.Minute))
}

func TestGap_Split(t *testing.T) {
	g := Gap{Start: testTime, End: testTime.Add(10 * time.Minute)}
	assert.Equal(t, 10, g.Slots(time.Minute))

	older, okOld, recent, okRecent := g.Split(testTime.Add(4 * time.Minute))
	require.True(t, okOld)
	require.True(t, okRecent)
	assert.Equal(t, 4, older.Slots(time.Minute))
	assert.Equal(t, 6, recent.Slots(time.Minute))

	_, okOld, recent, okRecent = g.Split(testTime.Add(-time.Hour))
	assert.False(t, okOld)
	assert.True(t, okRecent)
	assert.Equal(t, g, recent)

	older, okOld, _, okRecent = g.Split(testTime.Add(time.Hour))
	assert.True(t, okOld)
	assert.False(t, okRecent)
	assert.Equal(t, g, older)

	assert.True(t, g.Contains(testTime))
	assert.False(t, g.Contains(g.End))
}
