package builtins

import (
	"context"

	"kairos/internal/domain"
	"kairos/internal/strategy"
)

// HoldName is the registry key of Hold.
const HoldName = "hold"

var _ strategy.Strategy = Hold{}

// Hold never trades. It is used for feature-only runs.
type Hold struct{}

// NewHold returns the Hold strategy.
func NewHold() Hold { return Hold{} }

func (Hold) Name() string { return HoldName }

func (Hold) Decide(context.Context, strategy.Request) strategy.Decision {
	return strategy.Decision{Action: domain.Hold("")}
}
