package models

import (
	"fmt"
	"strings"

	"github.com/johnayoung/go-ohlcv-ingest/internal/granularity"
)

// SeriesID identifies one candle series: an upstream product and the interval
// of its candles. It is built once at the edge and passed through every layer;
// storage names and cursor keys are always derived from it, never parsed back.
type SeriesID struct {
	// Symbol is the upstream product id in BASE-QUOTE form, e.g. "BTC-USD"
	Symbol string `json:"symbol"`

	// Granularity is the candle duration
	Granularity granularity.Granularity `json:"granularity"`
}

// NewSeriesID validates and normalizes a symbol and pairs it with a granularity.
// Symbols are upper-cased; they must contain exactly one '-' separating two
// non-empty alphanumeric parts.
func NewSeriesID(symbol string, g granularity.Granularity) (SeriesID, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if err := validateSymbol(normalized); err != nil {
		return SeriesID{}, err
	}
	if err := g.Validate(); err != nil {
		return SeriesID{}, err
	}
	return SeriesID{Symbol: normalized, Granularity: g}, nil
}

// ParseSeries parses the "SYMBOL:label" notation used on the command line and
// in configuration, e.g. "BTC-USD:1m".
func ParseSeries(s string) (SeriesID, error) {
	symbol, label, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return SeriesID{}, fmt.Errorf("invalid series %q: expected SYMBOL:interval", s)
	}
	g, err := granularity.Resolve(label)
	if err != nil {
		return SeriesID{}, err
	}
	return NewSeriesID(symbol, g)
}

// Base returns the base currency, e.g. "BTC" for "BTC-USD".
func (s SeriesID) Base() string {
	base, _, _ := strings.Cut(s.Symbol, "-")
	return base
}

// Quote returns the quote currency, e.g. "USD" for "BTC-USD".
func (s SeriesID) Quote() string {
	_, quote, _ := strings.Cut(s.Symbol, "-")
	return quote
}

// Key returns the record key used for cursors, files and leases, e.g. "BTCUSD-1m".
func (s SeriesID) Key() string {
	return s.Base() + s.Quote() + "-" + s.Granularity.Label()
}

// TableName returns the SQL table name for the series, e.g. "btcusd_1m".
func (s SeriesID) TableName() string {
	return strings.ToLower(s.Base()+s.Quote()) + "_" + s.Granularity.Label()
}

// String implements fmt.Stringer using the "SYMBOL:label" notation.
func (s SeriesID) String() string {
	return s.Symbol + ":" + s.Granularity.Label()
}

// IsZero reports whether the series id is unset.
func (s SeriesID) IsZero() bool {
	return s.Symbol == "" && s.Granularity == 0
}

func validateSymbol(symbol string) error {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return &ValidationError{Field: "symbol", Message: fmt.Sprintf("symbol %q must have the form BASE-QUOTE", symbol)}
	}
	for _, r := range base + quote {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return &ValidationError{Field: "symbol", Message: fmt.Sprintf("symbol %q contains invalid character %q", symbol, r)}
		}
	}
	return nil
}
