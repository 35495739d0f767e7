package builtins

import (
	"context"
	"fmt"

	"kairos/internal/domain"
	"kairos/internal/strategy"
)

// ThresholdName is the registry key of Threshold.
const ThresholdName = "threshold"

var _ strategy.Strategy = (*Threshold)(nil)

// Threshold is a mean-reversion rule on one observation slot: buy when the
// value falls below lower while flat, sell everything when it rises above
// upper while holding. With an RSI slot this is the classic 30/70 rule.
type Threshold struct {
	feature      int
	lower, upper float64
	size         float64
}

// NewThreshold watches observation slot feature.
func NewThreshold(feature int, lower, upper, size float64) (*Threshold, error) {
	if feature < 0 {
		return nil, fmt.Errorf("threshold: feature index %d must be non-negative", feature)
	}
	if lower >= upper {
		return nil, fmt.Errorf("threshold: lower %v must be below upper %v", lower, upper)
	}
	if size <= 0 {
		return nil, fmt.Errorf("threshold: size must be positive, got %v", size)
	}
	return &Threshold{feature: feature, lower: lower, upper: upper, size: size}, nil
}

func (t *Threshold) Name() string { return ThresholdName }

func (t *Threshold) Decide(_ context.Context, req strategy.Request) strategy.Decision {
	obs := req.Observation
	if t.feature >= obs.Len() || !obs.Present[t.feature] {
		return strategy.Decision{Action: domain.Hold("feature_missing")}
	}
	v := obs.Values[t.feature]
	held := req.Portfolio.PositionQty
	switch {
	case v < t.lower && held <= 0:
		return strategy.Decision{Action: domain.Action{Type: domain.ActionBuy, Size: t.size, Reason: "below_lower"}}
	case v > t.upper && held > 0:
		return strategy.Decision{Action: domain.Action{Type: domain.ActionSell, Size: held, Reason: "above_upper"}}
	}
	return strategy.Decision{Action: domain.Hold("")}
}
