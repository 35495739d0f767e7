// Package gather backfills historical bars from market-data vendors into a
// store.BarStore.
package gather

import (
	"context"
	"time"

	"kairos/internal/store"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Gather fetches bars for each symbol in [start, end] and writes them
	// under series (with Symbol replaced per symbol). It returns the number
	// of bars written.
	Gather(ctx context.Context, symbols []string, series store.Series, start, end time.Time) (int, error)
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Chunks splits the range into consecutive windows of at most size. The
// last window ends exactly at End.
func (r DateRange) Chunks(size time.Duration) []DateRange {
	if size <= 0 || !r.End.After(r.Start) {
		return []DateRange{r}
	}
	var out []DateRange
	for cur := r.Start; cur.Before(r.End); cur = cur.Add(size) {
		next := cur.Add(size)
		if next.After(r.End) {
			next = r.End
		}
		out = append(out, DateRange{Start: cur, End: next})
	}
	return out
}
