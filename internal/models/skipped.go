package models

import (
	"time"
)

// SkippedChunk records a chunk abandoned after its retries were exhausted.
// The data in [Start, End) was never stored; a later backfill re-requests it
// and sets ResolvedAt once the candles are durable.
type SkippedChunk struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	SeriesKey  string     `json:"series_key"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Attempts   int        `json:"attempts"`
	Reason     string     `json:"reason"`
	RecordedAt time.Time  `json:"recorded_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Chunk returns the request window of the skipped chunk.
func (s SkippedChunk) Chunk() Chunk {
	return Chunk{Start: s.Start, End: s.End}
}

// IsResolved reports whether a backfill has stored the chunk.
func (s SkippedChunk) IsResolved() bool {
	return s.ResolvedAt != nil
}
