// Package granularity resolves human interval labels ("1m", "6h", "1d") into
// the fixed candle durations used by the upstream API and by storage naming.
package granularity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
)

// Unit sizes in seconds
const (
	Minute int64 = 60
	Hour   int64 = 3600
	Day    int64 = 86400
)

// MaxSeconds is the largest granularity whose Duration fits in a time.Duration.
const MaxSeconds = math.MaxInt64 / int64(time.Second)

// Granularity is the duration one candle represents, in whole seconds.
type Granularity int64

// Common granularities supported by the Coinbase Exchange candles endpoint
const (
	OneMinute      Granularity = Granularity(Minute)
	FiveMinutes    Granularity = Granularity(5 * Minute)
	FifteenMinutes Granularity = Granularity(15 * Minute)
	OneHour        Granularity = Granularity(Hour)
	SixHours       Granularity = Granularity(6 * Hour)
	OneDay         Granularity = Granularity(Day)
)

// Resolve maps a label of the form <digits><unit>, unit one of m, h or d,
// to its duration in seconds. Labels are case-insensitive and trimmed.
func Resolve(label string) (Granularity, error) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if len(normalized) < 2 {
		return 0, ierrors.NewInvalidGranularity(label, "label must be <digits><unit>")
	}

	unit := normalized[len(normalized)-1]
	digits := normalized[:len(normalized)-1]

	var size int64
	switch unit {
	case 'm':
		size = Minute
	case 'h':
		size = Hour
	case 'd':
		size = Day
	default:
		return 0, ierrors.NewInvalidGranularity(label, fmt.Sprintf("unknown unit %q", string(unit)))
	}

	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, ierrors.NewInvalidGranularity(label, fmt.Sprintf("non-numeric count %q", digits))
		}
	}

	count, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, ierrors.NewInvalidGranularity(label, fmt.Sprintf("invalid count %q: %v", digits, err))
	}
	if count <= 0 {
		return 0, ierrors.NewInvalidGranularity(label, "count must be greater than 0")
	}
	if count > MaxSeconds/size {
		return 0, ierrors.NewInvalidGranularity(label, "interval is too large")
	}

	return Granularity(count * size), nil
}

// MustResolve is Resolve for labels known at compile time.
func MustResolve(label string) Granularity {
	g, err := Resolve(label)
	if err != nil {
		panic(err)
	}
	return g
}

// Seconds returns the granularity as an integer number of seconds.
func (g Granularity) Seconds() int64 {
	return int64(g)
}

// Duration returns the granularity as a time.Duration.
func (g Granularity) Duration() time.Duration {
	return time.Duration(g) * time.Second
}

// Label returns the canonical label, using the largest unit that divides
// the duration evenly (3600 -> "1h", 5400 -> "90m").
func (g Granularity) Label() string {
	s := int64(g)
	switch {
	case s <= 0:
		return "invalid"
	case s%Day == 0:
		return fmt.Sprintf("%dd", s/Day)
	case s%Hour == 0:
		return fmt.Sprintf("%dh", s/Hour)
	case s%Minute == 0:
		return fmt.Sprintf("%dm", s/Minute)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// String implements fmt.Stringer.
func (g Granularity) String() string {
	return g.Label()
}

// Floor aligns t down to the nearest multiple of g counted from the Unix epoch.
func (g Granularity) Floor(t time.Time) time.Time {
	s := int64(g)
	unix := t.Unix()
	aligned := unix - mod(unix, s)
	return time.Unix(aligned, 0).UTC()
}

// Aligned reports whether t lies exactly on a candle boundary.
func (g Granularity) Aligned(t time.Time) bool {
	return t.Nanosecond() == 0 && mod(t.Unix(), int64(g)) == 0
}

// Validate returns an InvalidGranularity error for values that are not
// positive or do not fit in a time.Duration.
func (g Granularity) Validate() error {
	switch {
	case g <= 0:
		return ierrors.NewInvalidGranularity(strconv.FormatInt(int64(g), 10), "granularity must be positive")
	case int64(g) > MaxSeconds:
		return ierrors.NewInvalidGranularity(strconv.FormatInt(int64(g), 10), "interval is too large")
	}
	return nil
}

// mod is a floored modulo so pre-epoch instants still align downwards.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
