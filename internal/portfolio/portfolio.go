// Package portfolio implements the cash and position ledger using
// weighted-average cost accounting. Short selling is not supported.
package portfolio

import (
	"sort"

	"kairos/internal/domain"
)

// cashEpsilon is the tolerance below zero that is snapped back to 0.
const cashEpsilon = 1e-9

// Portfolio is a single-run ledger. It is not safe for concurrent use.
type Portfolio struct {
	cash      float64
	positions map[string]*domain.Position
	realized  float64
}

// New returns a Portfolio holding only cash.
func New(initialCash float64) *Portfolio {
	return &Portfolio{
		cash:      initialCash,
		positions: make(map[string]*domain.Position),
	}
}

// Cash returns current cash.
func (p *Portfolio) Cash() float64 { return p.cash }

// RealizedPnL returns cumulative realized profit and loss, net of sell fees.
func (p *Portfolio) RealizedPnL() float64 { return p.realized }

// Position returns the position for symbol. The zero Position is returned
// when nothing is held.
func (p *Portfolio) Position(symbol string) domain.Position {
	if pos, ok := p.positions[symbol]; ok {
		return *pos
	}
	return domain.Position{Symbol: symbol}
}

// Positions returns all positions sorted by symbol.
func (p *Portfolio) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ApplyFill books a fill. Quantities ≤ 0 are ignored. Sells are capped at
// the held quantity.
func (p *Portfolio) ApplyFill(symbol string, side domain.Side, qty, price, fee float64) {
	if qty <= 0 {
		return
	}

	switch side {
	case domain.SideBuy:
		p.cash -= qty*price + fee
		if p.cash < 0 && p.cash > -cashEpsilon {
			p.cash = 0
		}
		pos, ok := p.positions[symbol]
		if !ok {
			p.positions[symbol] = &domain.Position{Symbol: symbol, Qty: qty, AvgPrice: price}
			return
		}
		total := pos.Qty + qty
		pos.AvgPrice = (pos.Qty*pos.AvgPrice + qty*price) / total
		pos.Qty = total

	case domain.SideSell:
		pos, ok := p.positions[symbol]
		if !ok || pos.Qty <= 0 {
			return
		}
		sellQty := qty
		if sellQty > pos.Qty {
			sellQty = pos.Qty
		}
		p.cash += sellQty*price - fee
		if p.cash < 0 && p.cash > -cashEpsilon {
			p.cash = 0
		}
		p.realized += (price-pos.AvgPrice)*sellQty - fee
		pos.Qty -= sellQty
		if pos.Qty <= 0 {
			pos.Qty = 0
			pos.AvgPrice = 0
		}
	}
}

// Equity returns cash plus the mark-to-market value of symbol at price.
func (p *Portfolio) Equity(symbol string, price float64) float64 {
	return p.cash + p.Position(symbol).Qty*price
}

// UnrealizedPnL returns the open profit of symbol at price.
func (p *Portfolio) UnrealizedPnL(symbol string, price float64) float64 {
	pos := p.Position(symbol)
	if pos.Qty <= 0 {
		return 0
	}
	return (price - pos.AvgPrice) * pos.Qty
}

// State is the snapshot handed to decision sources.
func (p *Portfolio) State(symbol string, price float64) domain.PortfolioState {
	pos := p.Position(symbol)
	return domain.PortfolioState{
		Cash:             p.cash,
		PositionQty:      pos.Qty,
		PositionAvgPrice: pos.AvgPrice,
		Equity:           p.Equity(symbol, price),
	}
}
