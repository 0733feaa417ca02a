// Package planner turns an arbitrary time window into the sequence of bounded
// requests the upstream candles endpoint accepts.
package planner

import (
	"fmt"
	"iter"
	"math"
	"time"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/granularity"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// DefaultMaxCandles is the largest number of candles one upstream request returns.
const DefaultMaxCandles = 300

// Floors holds the earliest instant the provider serves per granularity.
// Requests before the floor are never planned.
type Floors struct {
	ByGranularity map[granularity.Granularity]time.Time
	Default       time.Time
}

// DefaultFloors returns the provider retention horizons: one-minute candles
// from 2017, five-minute candles from 2016 and everything else from 2015.
func DefaultFloors() Floors {
	return Floors{
		ByGranularity: map[granularity.Granularity]time.Time{
			granularity.OneMinute:   time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC),
			granularity.FiveMinutes: time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Default: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// For returns the floor that applies to g.
func (f Floors) For(g granularity.Granularity) time.Time {
	if floor, ok := f.ByGranularity[g]; ok {
		return floor
	}
	return f.Default
}

// Planner splits windows into chunks of at most maxCandles candles.
type Planner struct {
	maxCandles int
	floors     Floors
}

// New creates a planner. A non-positive maxCandles falls back to DefaultMaxCandles.
func New(maxCandles int, floors Floors) *Planner {
	if maxCandles <= 0 {
		maxCandles = DefaultMaxCandles
	}
	return &Planner{maxCandles: maxCandles, floors: floors}
}

// MaxCandles returns the per-request candle limit.
func (p *Planner) MaxCandles() int {
	return p.maxCandles
}

// Floor returns the historical floor for the series.
func (p *Planner) Floor(series models.SeriesID) time.Time {
	return p.floors.For(series.Granularity)
}

// ClampStart raises t to the series floor when it lies before it.
func (p *Planner) ClampStart(series models.SeriesID, t time.Time) time.Time {
	floor := p.Floor(series)
	if t.Before(floor) {
		return floor
	}
	return t.UTC()
}

// Plan validates the window and returns a lazy chunk sequence covering
// [start, end). The start is clamped to the floor and then aligned down to a
// multiple of the granularity from the Unix epoch. A window that ends at or
// before the clamped start yields no chunks.
func (p *Planner) Plan(series models.SeriesID, start, end time.Time) (*Plan, error) {
	g := series.Granularity
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, ierrors.NewInvalidRange(start, end)
	}

	if int64(p.maxCandles) > math.MaxInt64/int64(g.Duration()) {
		return nil, ierrors.NewInvalidGranularity(g.Label(),
			fmt.Sprintf("%d candles per request overflow the chunk span", p.maxCandles))
	}

	aligned := g.Floor(p.ClampStart(series, start))

	return &Plan{
		Series: series,
		Start:  aligned,
		End:    end.UTC(),
		span:   time.Duration(p.maxCandles) * g.Duration(),
		cur:    aligned,
	}, nil
}

// Plan is a finite, ordered, non-overlapping chunk sequence. Each chunk's
// start equals the previous chunk's end and the last chunk ends at End.
type Plan struct {
	Series models.SeriesID
	Start  time.Time
	End    time.Time

	span  time.Duration
	cur   time.Time
	index int
}

// Next returns the next chunk and false when the plan is exhausted.
func (p *Plan) Next() (models.Chunk, bool) {
	if !p.cur.Before(p.End) {
		return models.Chunk{}, false
	}

	chunkEnd := p.cur.Add(p.span)
	if chunkEnd.After(p.End) {
		chunkEnd = p.End
	}

	chunk := models.Chunk{Index: p.index, Start: p.cur, End: chunkEnd}
	p.cur = chunkEnd
	p.index++
	return chunk, true
}

// All returns the remaining chunks as a range-over-func sequence.
func (p *Plan) All() iter.Seq[models.Chunk] {
	return func(yield func(models.Chunk) bool) {
		for {
			chunk, ok := p.Next()
			if !ok || !yield(chunk) {
				return
			}
		}
	}
}

// Len returns the total number of chunks in the plan without consuming it.
func (p *Plan) Len() int {
	if !p.Start.Before(p.End) || p.span <= 0 {
		return 0
	}
	total := p.End.Sub(p.Start)
	n := total / p.span
	if total%p.span != 0 {
		n++
	}
	return int(n)
}

// Span returns the maximum duration of one chunk.
func (p *Plan) Span() time.Duration {
	return p.span
}
