// Package models provides the value types shared by the ingestion pipeline:
// series identity, candles, request chunks, gaps and skipped chunks.
package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/granularity"
	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one interval of a series.
// Prices keep the exact decimal literal received from upstream.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// ValidationError represents a candle validation error with specific field context.
// It provides structured error information including the field name that failed
// validation and a descriptive error message.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the invariants every stored candle must hold: a non-zero
// timestamp aligned to g and a non-negative volume.
func (c *Candle) Validate(g granularity.Granularity) error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be null or zero"}
	}

	if !g.Aligned(c.Timestamp) {
		return &ValidationError{
			Field:   "timestamp",
			Message: fmt.Sprintf("timestamp %s is not aligned to %s", c.Timestamp.Format(time.RFC3339), g),
		}
	}

	if c.Volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	return nil
}

// OHLCViolations lists the price relationships the candle breaks. Upstream data
// is stored as received, so these are reported rather than rejected.
func (c *Candle) OHLCViolations() []string {
	var violations []string

	if c.High.LessThan(decimal.Max(c.Open, c.Close)) {
		violations = append(violations,
			fmt.Sprintf("high (%s) below max(open, close) (%s)", c.High, decimal.Max(c.Open, c.Close)))
	}

	if c.Low.GreaterThan(decimal.Min(c.Open, c.Close)) {
		violations = append(violations,
			fmt.Sprintf("low (%s) above min(open, close) (%s)", c.Low, decimal.Min(c.Open, c.Close)))
	}

	if c.High.LessThan(c.Low) {
		violations = append(violations, fmt.Sprintf("high (%s) below low (%s)", c.High, c.Low))
	}

	return violations
}

// Equal reports whether two candles carry the same timestamp and values.
func (c Candle) Equal(other Candle) bool {
	return c.Timestamp.Equal(other.Timestamp) &&
		c.Open.Equal(other.Open) &&
		c.High.Equal(other.High) &&
		c.Low.Equal(other.Low) &&
		c.Close.Equal(other.Close) &&
		c.Volume.Equal(other.Volume)
}

// String returns a human-readable representation of the candle.
func (c Candle) String() string {
	return fmt.Sprintf("Candle{Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// SortCandles orders candles by ascending timestamp in place.
func SortCandles(candles []Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
}

// MaxTimestamp returns the latest timestamp in candles and false when empty.
func MaxTimestamp(candles []Candle) (time.Time, bool) {
	if len(candles) == 0 {
		return time.Time{}, false
	}
	latest := candles[0].Timestamp
	for _, c := range candles[1:] {
		if c.Timestamp.After(latest) {
			latest = c.Timestamp
		}
	}
	return latest, true
}
