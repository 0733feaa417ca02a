package models

import (
	"fmt"
	"time"
)

// Gap is a run of consecutive expected candle timestamps missing from a
// series. Start is the first missing timestamp and End is the first
// timestamp after the run that is present again, so [Start, End) can be
// handed straight to the planner for a backfill.
type Gap struct {
	// SeriesKey is the Key() of the series the gap belongs to
	SeriesKey string `json:"series_key"`

	// Start is the first missing candle timestamp in UTC
	Start time.Time `json:"start"`

	// End is the exclusive end of the missing run in UTC
	End time.Time `json:"end"`

	// Missing is the number of candles absent from the run
	Missing int `json:"missing"`
}

// Duration returns the time span of the gap.
func (g Gap) Duration() time.Duration {
	return g.End.Sub(g.Start)
}

// String implements fmt.Stringer.
func (g Gap) String() string {
	return fmt.Sprintf("%s gap [%s, %s) missing %d",
		g.SeriesKey, g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.Missing)
}
