// Package agentserver is the reference decision service. It answers the
// agent contract over HTTP (gin) and gRPC from a pluggable Policy.
package agentserver

import (
	"fmt"
	"sort"

	"kairos/internal/agent"
)

// Policy decides one request. Implementations must be safe for concurrent
// use; the servers call them from many goroutines.
type Policy interface {
	Name() string
	Decide(req agent.Request) agent.Response
}

func respond(action string, size float64) agent.Response {
	return agent.Response{ActionType: action, Size: size}
}

// HoldPolicy always holds.
type HoldPolicy struct{}

func (HoldPolicy) Name() string { return "hold" }

func (HoldPolicy) Decide(agent.Request) agent.Response { return respond("HOLD", 0) }

// TinyBuyPolicy buys Size on every request.
type TinyBuyPolicy struct{ Size float64 }

func (TinyBuyPolicy) Name() string { return "tiny_buy" }

func (p TinyBuyPolicy) Decide(agent.Request) agent.Response { return respond("BUY", p.Size) }

// MomentumPolicy follows the sign of the first observation slot, which is
// the bar return: buy BuySize on a positive return, sell SellSize on a
// negative one and hold otherwise.
type MomentumPolicy struct {
	BuySize  float64
	SellSize float64
}

func (MomentumPolicy) Name() string { return "momentum" }

func (p MomentumPolicy) Decide(req agent.Request) agent.Response {
	if len(req.Observation) == 0 {
		return respond("HOLD", 0)
	}
	switch x := req.Observation[0]; {
	case x > 0:
		return respond("BUY", p.BuySize)
	case x < 0:
		return respond("SELL", p.SellSize)
	}
	return respond("HOLD", 0)
}

// DefaultPolicy is the momentum policy with the reference sizes.
func DefaultPolicy() Policy {
	return MomentumPolicy{BuySize: 0.0001, SellSize: 1}
}

var policies = map[string]func() Policy{
	"hold":     func() Policy { return HoldPolicy{} },
	"tiny_buy": func() Policy { return TinyBuyPolicy{Size: 0.0001} },
	"momentum": DefaultPolicy,
}

// NewPolicy returns the named policy. The empty name selects momentum.
func NewPolicy(name string) (Policy, error) {
	if name == "" {
		return DefaultPolicy(), nil
	}
	f, ok := policies[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent policy %q (have %v)", name, PolicyNames())
	}
	return f(), nil
}

// PolicyNames lists the registered policies in sorted order.
func PolicyNames() []string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
