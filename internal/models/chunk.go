package models

import (
	"fmt"
	"time"
)

// Chunk is one bounded upstream request window [Start, End).
type Chunk struct {
	Index int       `json:"index"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies in the half-open window.
func (c Chunk) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// Duration returns the span covered by the chunk.
func (c Chunk) Duration() time.Duration {
	return c.End.Sub(c.Start)
}

// String implements fmt.Stringer.
func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d [%s, %s)", c.Index, c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
}
