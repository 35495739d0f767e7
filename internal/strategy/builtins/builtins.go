// Package builtins provides the rule-based strategies that ship with kairos.
package builtins

import "kairos/internal/strategy"

// Register adds every builtin factory to reg.
func Register(reg *strategy.Registry) {
	reg.Register(HoldName, func(strategy.Params) (strategy.Strategy, error) {
		return NewHold(), nil
	})
	reg.Register(BuyAndHoldName, func(p strategy.Params) (strategy.Strategy, error) {
		return NewBuyAndHold(p.Float("size", 1))
	})
	reg.Register(SMACrossName, func(p strategy.Params) (strategy.Strategy, error) {
		return NewSMACross(p.Int("short", 5), p.Int("long", 20), p.Float("size", 1))
	})
	reg.Register(ThresholdName, func(p strategy.Params) (strategy.Strategy, error) {
		return NewThreshold(p.Int("feature", 0), p.Float("lower", 30), p.Float("upper", 70), p.Float("size", 1))
	})
}

// NewRegistry returns a registry holding every builtin.
func NewRegistry() *strategy.Registry {
	reg := strategy.NewRegistry()
	Register(reg)
	return reg
}
