// Package feed provides market-data sources for the runner: in-memory and
// CSV bar series, data-quality analysis, resampling, tick aggregation and a
// live websocket stream.
package feed

import (
	"context"

	"kairos/internal/domain"
)

// Source is the pull interface consumed by the runner. Next returns
// ok=false with a nil error once the stream is exhausted.
type Source interface {
	Next(ctx context.Context) (domain.Bar, bool, error)
}

// Compile-time interface check.
var _ Source = (*SliceSource)(nil)

// SliceSource replays bars held in memory.
type SliceSource struct {
	bars []domain.Bar
	pos  int
}

// NewSliceSource returns a source over bars. The slice is not copied.
func NewSliceSource(bars []domain.Bar) *SliceSource {
	return &SliceSource{bars: bars}
}

// Next returns the next bar.
func (s *SliceSource) Next(ctx context.Context) (domain.Bar, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Bar{}, false, err
	}
	if s.pos >= len(s.bars) {
		return domain.Bar{}, false, nil
	}
	b := s.bars[s.pos]
	s.pos++
	return b, true, nil
}

// Len is the number of bars in the source.
func (s *SliceSource) Len() int { return len(s.bars) }

// Remaining is the number of bars not yet returned.
func (s *SliceSource) Remaining() int { return len(s.bars) - s.pos }
