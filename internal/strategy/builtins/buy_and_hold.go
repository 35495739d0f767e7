package builtins

import (
	"context"
	"fmt"

	"kairos/internal/domain"
	"kairos/internal/strategy"
)

// BuyAndHoldName is the registry key of BuyAndHold.
const BuyAndHoldName = "buy_and_hold"

var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHold issues a single buy on the first decision and holds after.
type BuyAndHold struct {
	size   float64
	issued bool
}

// NewBuyAndHold returns a BuyAndHold buying size units.
func NewBuyAndHold(size float64) (*BuyAndHold, error) {
	if size <= 0 {
		return nil, fmt.Errorf("buy_and_hold: size must be positive, got %v", size)
	}
	return &BuyAndHold{size: size}, nil
}

func (b *BuyAndHold) Name() string { return BuyAndHoldName }

func (b *BuyAndHold) Decide(context.Context, strategy.Request) strategy.Decision {
	if b.issued {
		return strategy.Decision{Action: domain.Hold("")}
	}
	b.issued = true
	return strategy.Decision{Action: domain.Action{Type: domain.ActionBuy, Size: b.size, Reason: "buy_and_hold"}}
}
