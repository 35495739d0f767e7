// Package metrics aggregates a run's equity curve and trade log into a
// performance summary.
package metrics

import (
	"math"

	"kairos/internal/domain"
)

// Summary is derived from the equity curve and trade log on demand.
type Summary struct {
	BarsProcessed int     `json:"bars_processed"`
	Trades        int     `json:"trades"`
	WinRate       float64 `json:"win_rate"`
	NetProfit     float64 `json:"net_profit"`
	Sharpe        float64 `json:"sharpe"`
	MaxDrawdown   float64 `json:"max_drawdown"`
}

// Options tune the Sharpe computation. RiskFreeRate is per step. When
// AnnualizationFactor is > 0 the ratio is scaled by its square root
// instead of by sqrt(n).
type Options struct {
	RiskFreeRate        float64 `yaml:"risk_free_rate"`
	AnnualizationFactor float64 `yaml:"annualization_factor"`
}

// Aggregator is owned by a single run.
type Aggregator struct {
	opts   Options
	curve  []domain.EquityPoint
	trades []domain.Trade
	peak   float64
	maxDD  float64
}

// NewAggregator returns an empty aggregator.
func NewAggregator(opts Options) *Aggregator {
	return &Aggregator{opts: opts}
}

// RecordEquity appends p and updates the running peak and max drawdown.
func (a *Aggregator) RecordEquity(p domain.EquityPoint) {
	a.curve = append(a.curve, p)
	if a.peak == 0 || p.Equity > a.peak {
		a.peak = p.Equity
		return
	}
	if a.peak > 0 {
		if dd := (a.peak - p.Equity) / a.peak; dd > a.maxDD {
			a.maxDD = dd
		}
	}
}

// RecordTrade appends t to the trade log.
func (a *Aggregator) RecordTrade(t domain.Trade) {
	a.trades = append(a.trades, t)
}

// Drawdown returns the drawdown of the latest point from the running peak.
func (a *Aggregator) Drawdown() float64 {
	if len(a.curve) == 0 || a.peak <= 0 {
		return 0
	}
	dd := (a.peak - a.curve[len(a.curve)-1].Equity) / a.peak
	return math.Max(dd, 0)
}

// MaxDrawdown returns the largest drawdown seen so far.
func (a *Aggregator) MaxDrawdown() float64 { return a.maxDD }

// EquityCurve returns a copy of the recorded points.
func (a *Aggregator) EquityCurve() []domain.EquityPoint {
	out := make([]domain.EquityPoint, len(a.curve))
	copy(out, a.curve)
	return out
}

// Trades returns a copy of the trade log.
func (a *Aggregator) Trades() []domain.Trade {
	out := make([]domain.Trade, len(a.trades))
	copy(out, a.trades)
	return out
}

// Summary computes the run summary.
func (a *Aggregator) Summary() Summary {
	s := Summary{
		BarsProcessed: len(a.curve),
		Trades:        len(a.trades),
		WinRate:       WinRate(a.trades),
		Sharpe:        Sharpe(a.curve, a.opts),
		MaxDrawdown:   a.maxDD,
	}
	if len(a.curve) > 0 {
		s.NetProfit = a.curve[len(a.curve)-1].Equity - a.curve[0].Equity
	}
	return s
}

// Sharpe is the mean over sample deviation of single-step returns. It is 0
// with fewer than two valid returns or zero deviation.
func Sharpe(curve []domain.EquityPoint, opts Options) float64 {
	returns := make([]float64, 0, len(curve))
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, curve[i].Equity/prev-1-opts.RiskFreeRate)
	}
	n := len(returns)
	if n < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}

	scale := float64(n)
	if opts.AnnualizationFactor > 0 {
		scale = opts.AnnualizationFactor
	}
	return mean / std * math.Sqrt(scale)
}

// WinRate replays trades per symbol with average-cost accounting (buy fees
// included in cost) and returns the fraction of sells that closed at a
// profit.
func WinRate(trades []domain.Trade) float64 {
	type book struct{ qty, cost float64 }
	books := make(map[string]*book)
	var wins, outcomes int

	for _, t := range trades {
		b, ok := books[t.Symbol]
		if !ok {
			b = &book{}
			books[t.Symbol] = b
		}
		switch t.Side {
		case domain.SideBuy:
			b.cost += t.Qty*t.Price + t.Fee
			b.qty += t.Qty
		case domain.SideSell:
			if b.qty <= 0 {
				continue
			}
			qty := math.Min(t.Qty, b.qty)
			avg := b.cost / b.qty
			proceeds := qty*t.Price - t.Fee
			outcomes++
			if proceeds-qty*avg > 0 {
				wins++
			}
			b.cost -= avg * qty
			b.qty -= qty
			if b.qty <= 0 {
				b.qty, b.cost = 0, 0
			}
		}
	}
	if outcomes == 0 {
		return 0
	}
	return float64(wins) / float64(outcomes)
}
