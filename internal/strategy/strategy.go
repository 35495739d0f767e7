// Package strategy defines the decision-source interface and a Registry of
// strategy factories.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"kairos/internal/agent"
	"kairos/internal/domain"
	"kairos/internal/features"
)

// Request is everything a strategy may look at when deciding on a bar.
type Request struct {
	RunID       string
	Symbol      string
	Timeframe   string
	Bar         domain.Bar
	Observation features.Observation
	Portfolio   domain.PortfolioState
}

// Decision is a strategy's answer. Call is set only by remote strategies.
type Decision struct {
	Action domain.Action
	Call   *agent.CallInfo
}

// Strategy is the interface that all decision sources must implement.
// Decide must not fail: sources that can fail resolve to a fallback action.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Decide maps the current observation and portfolio to an action.
	Decide(ctx context.Context, req Request) Decision
}

// Params carries numeric strategy parameters from configuration.
type Params map[string]float64

// Float returns p[key] or def when the key is absent.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Int returns p[key] truncated to int, or def when the key is absent.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

// Factory builds a fresh strategy instance. Each run calls it once so no
// two runs share strategy state.
type Factory func(params Params) (Strategy, error)

// Registry holds named strategy factories for lookup and enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New builds a new instance of the named strategy.
func (r *Registry) New(name string, params Params) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, r.List())
	}
	return f(params)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
