package builtins

import (
	"context"
	"fmt"

	"kairos/internal/domain"
	"kairos/internal/features"
	"kairos/internal/strategy"
)

// SMACrossName is the registry key of SMACross.
const SMACrossName = "sma_cross"

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It buys
// when flat and the short-period SMA is above the long-period SMA, and
// sells the whole position when the short SMA drops below the long one.
// It keeps its own averages of bar closes, independent of the pipeline.
type SMACross struct {
	short *features.RollingMean
	long  *features.RollingMean
	size  float64
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(short, long int, size float64) (*SMACross, error) {
	if short >= long {
		return nil, fmt.Errorf("sma_cross: short window %d must be below long window %d", short, long)
	}
	if size <= 0 {
		return nil, fmt.Errorf("sma_cross: size must be positive, got %v", size)
	}
	s, err := features.NewRollingMean(short)
	if err != nil {
		return nil, fmt.Errorf("sma_cross: %w", err)
	}
	l, err := features.NewRollingMean(long)
	if err != nil {
		return nil, fmt.Errorf("sma_cross: %w", err)
	}
	return &SMACross{short: s, long: l, size: size}, nil
}

// Name returns "sma_cross".
func (s *SMACross) Name() string {
	return SMACrossName
}

// Decide updates both averages with the bar close and compares them.
func (s *SMACross) Decide(_ context.Context, req strategy.Request) strategy.Decision {
	fast, okFast := s.short.Update(req.Bar.Close)
	slow, okSlow := s.long.Update(req.Bar.Close)
	if !okFast || !okSlow {
		return strategy.Decision{Action: domain.Hold("warmup")}
	}

	held := req.Portfolio.PositionQty
	switch {
	case fast > slow && held <= 0:
		return strategy.Decision{Action: domain.Action{Type: domain.ActionBuy, Size: s.size, Reason: "sma_cross_up"}}
	case fast < slow && held > 0:
		return strategy.Decision{Action: domain.Action{Type: domain.ActionSell, Size: held, Reason: "sma_cross_down"}}
	}
	return strategy.Decision{Action: domain.Hold("")}
}
