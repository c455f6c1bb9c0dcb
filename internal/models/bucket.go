package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bucket is an OHLC summary of one time-aligned slot at a given level. RAW buckets
// wrap a single tick; derived buckets reduce the buckets of their parent level.
type Bucket struct {
	Level string    `json:"level"`
	Start time.Time `json:"start"`

	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`

	// Children is the number of child slots that hold data, Expected the number
	// of child slots spanned by the bucket.
	Children int `json:"children"`
	Expected int `json:"expected"`

	// Interpolated counts the interpolated RAW ticks underneath this bucket.
	Interpolated int `json:"interpolated"`

	// Provisional is set while the child range is not fully populated.
	Provisional bool `json:"provisional"`
}

// BucketFromTick builds the RAW bucket for a stored tick.
func BucketFromTick(level string, t Tick) Bucket {
	interpolated := 0
	if t.Interpolated {
		interpolated = 1
	}
	return Bucket{
		Level:        level,
		Start:        t.Time,
		Open:         t.Price,
		High:         t.Price,
		Low:          t.Price,
		Close:        t.Price,
		Children:     1,
		Expected:     1,
		Interpolated: interpolated,
	}
}

// Reduce folds time-ordered children into one bucket: open of the first, close of
// the last, extrema for high and low. It returns false when there are no children,
// since an empty span is absent rather than zero-valued.
func Reduce(level string, start time.Time, expected int, children []Bucket) (Bucket, bool) {
	if len(children) == 0 {
		return Bucket{}, false
	}

	b := Bucket{
		Level:    level,
		Start:    start,
		Open:     children[0].Open,
		High:     children[0].High,
		Low:      children[0].Low,
		Close:    children[len(children)-1].Close,
		Children: len(children),
		Expected: expected,
	}
	for _, c := range children {
		b.High = decimal.Max(b.High, c.High)
		b.Low = decimal.Min(b.Low, c.Low)
		b.Interpolated += c.Interpolated
		if c.Provisional {
			b.Provisional = true
		}
	}
	if b.Children < b.Expected {
		b.Provisional = true
	}
	return b, true
}

// Price returns the latest price in the bucket.
func (b Bucket) Price() decimal.Decimal {
	return b.Close
}

// End returns the exclusive end of the bucket span.
func (b Bucket) End(d time.Duration) time.Time {
	return b.Start.Add(d)
}

// Equal compares all fields, using decimal equality for prices.
func (b Bucket) Equal(o Bucket) bool {
	return b.Level == o.Level &&
		b.Start.Equal(o.Start) &&
		b.Open.Equal(o.Open) &&
		b.High.Equal(o.High) &&
		b.Low.Equal(o.Low) &&
		b.Close.Equal(o.Close) &&
		b.Children == o.Children &&
		b.Expected == o.Expected &&
		b.Interpolated == o.Interpolated &&
		b.Provisional == o.Provisional
}

// Validate checks the OHLC relationships: low <= min(open, close) and
// high >= max(open, close), all prices positive.
func (b Bucket) Validate() error {
	if b.Start.IsZero() {
		return &ValidationError{Field: "start", Message: "start cannot be zero"}
	}
	if !b.Low.IsPositive() {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if maxOC := decimal.Max(b.Open, b.Close); b.High.LessThan(maxOC) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", b.High, maxOC),
		}
	}
	if minOC := decimal.Min(b.Open, b.Close); b.Low.GreaterThan(minOC) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", b.Low, minOC),
		}
	}
	return nil
}

// TypicalPrice is (High + Low + Close) / 3.
func (b Bucket) TypicalPrice() decimal.Decimal {
	return b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
}

// Range is High - Low.
func (b Bucket) Range() decimal.Decimal {
	return b.High.Sub(b.Low)
}

// IsBullish returns true if the close price is greater than the open price.
func (b Bucket) IsBullish() bool {
	return b.Close.GreaterThan(b.Open)
}

// String returns a human-readable representation of the bucket.
func (b Bucket) String() string {
	flag := ""
	if b.Provisional {
		flag = " provisional"
	}
	return fmt.Sprintf("Bucket{%s %s O: %s, H: %s, L: %s, C: %s, %d/%d%s}",
		b.Level, b.Start.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Children, b.Expected, flag)
}
