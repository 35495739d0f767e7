package feed

import (
	"errors"
	"fmt"

	"kairos/internal/domain"
)

// ErrInvalidStep is returned for a non-positive resampling step.
var ErrInvalidStep = errors.New("step must be > 0")

// Resample aggregates time-ordered bars into buckets of step seconds. A
// bucket starts at ts - ts mod step; its open is the first bar's open, its
// close the last bar's close, high and low the extremes and volume the sum.
func Resample(bars []domain.Bar, step int64) ([]domain.Bar, error) {
	if step <= 0 {
		return nil, fmt.Errorf("resample: %w (got %d)", ErrInvalidStep, step)
	}
	out := make([]domain.Bar, 0, len(bars))
	var (
		cur    domain.Bar
		active bool
	)
	for _, b := range bars {
		start := bucketStart(b.Timestamp, step)
		if active && start == cur.Timestamp {
			cur.High = max(cur.High, b.High)
			cur.Low = min(cur.Low, b.Low)
			cur.Close = b.Close
			cur.Volume += b.Volume
			continue
		}
		if active {
			out = append(out, cur)
		}
		cur = b
		cur.Timestamp = start
		active = true
	}
	if active {
		out = append(out, cur)
	}
	return out, nil
}

// bucketStart floors ts to a multiple of step, also for negative ts.
func bucketStart(ts, step int64) int64 {
	r := ts % step
	if r < 0 {
		r += step
	}
	return ts - r
}
