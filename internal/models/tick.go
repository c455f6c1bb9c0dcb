// Package models provides the data structures shared by the price history store:
// ticks, interval levels, derived buckets and transient gaps.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single timestamped price observation. Once stored in a series its Time
// is aligned to the RAW bucket width and the value is never mutated.
type Tick struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`

	// Interpolated marks ticks synthesized by gap filling rather than observed.
	Interpolated bool `json:"interpolated,omitempty"`
}

// ValidationError represents a tick or bucket validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewTick creates a validated observed tick.
func NewTick(t time.Time, price decimal.Decimal) (Tick, error) {
	tick := Tick{Time: t.UTC(), Price: price}
	if err := tick.Validate(); err != nil {
		return Tick{}, fmt.Errorf("failed to create tick: %w", err)
	}
	return tick, nil
}

// Validate checks that the tick has a time and a strictly positive price.
func (t Tick) Validate() error {
	if t.Time.IsZero() {
		return &ValidationError{Field: "time", Message: "time cannot be zero"}
	}
	if !t.Price.IsPositive() {
		return &ValidationError{Field: "price", Message: fmt.Sprintf("price must be greater than 0, got %s", t.Price)}
	}
	return nil
}

// Equal reports whether two ticks hold the same slot, price and marker.
func (t Tick) Equal(o Tick) bool {
	return t.Time.Equal(o.Time) && t.Price.Equal(o.Price) && t.Interpolated == o.Interpolated
}

// String returns a compact representation used in logs.
func (t Tick) String() string {
	marker := ""
	if t.Interpolated {
		marker = "*"
	}
	return fmt.Sprintf("Tick{%s %s%s}", t.Time.Format(time.RFC3339), t.Price, marker)
}
