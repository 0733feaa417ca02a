package merge

import (
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// DetectGaps reports runs of missing timestamps between the first and last
// candle. candles must be ascending.
func DetectGaps(series models.SeriesID, candles []models.Candle) []models.Gap {
	if len(candles) < 2 {
		return nil
	}
	step := series.Granularity.Duration()
	return DetectGapsInRange(series, candles, candles[0].Timestamp, candles[len(candles)-1].Timestamp.Add(step))
}

// DetectGapsInRange reports runs of expected timestamps in [start, end) that
// have no candle. start is aligned down to the granularity first.
func DetectGapsInRange(series models.SeriesID, candles []models.Candle, start, end time.Time) []models.Gap {
	g := series.Granularity
	step := g.Duration()
	if step <= 0 {
		return nil
	}

	existing := make(map[int64]struct{}, len(candles))
	for _, c := range candles {
		existing[c.Timestamp.Unix()] = struct{}{}
	}

	var gaps []models.Gap
	current := g.Floor(start)
	for current.Before(end) {
		if _, ok := existing[current.Unix()]; ok {
			current = current.Add(step)
			continue
		}

		gapStart := current
		gapEnd := current.Add(step)
		for gapEnd.Before(end) {
			if _, ok := existing[gapEnd.Unix()]; ok {
				break
			}
			gapEnd = gapEnd.Add(step)
		}

		gaps = append(gaps, models.Gap{
			SeriesKey: series.Key(),
			Start:     gapStart,
			End:       gapEnd,
			Missing:   int(gapEnd.Sub(gapStart) / step),
		})
		current = gapEnd
	}

	return gaps
}
