package broker

import (
	"fmt"
	"math"

	"kairos/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// qtyEpsilon absorbs float noise when comparing fillable and remaining
// quantities.
const qtyEpsilon = 1e-12

// Simulator matches orders against bars. It holds one run's order book and
// must not be shared between runs.
type Simulator struct {
	cfg     Config
	feeRate float64

	bar    int64
	nextID uint64
	open   []*Order
}

// NewSimulator validates cfg and returns an empty simulator. feeBps is
// charged on the notional of every fill.
func NewSimulator(cfg Config, feeBps float64) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if feeBps < 0 || math.IsNaN(feeBps) || math.IsInf(feeBps, 0) {
		return nil, fmt.Errorf("%w: fee_bps = %v", ErrInvalidConfig, feeBps)
	}
	return &Simulator{cfg: cfg, feeRate: feeBps / 10_000, nextID: 1}, nil
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// Config returns the execution configuration.
func (s *Simulator) Config() Config { return s.cfg }

// BarIndex returns the number of bars processed so far.
func (s *Simulator) BarIndex() int64 { return s.bar }

// Submit queues an order built from req on the current bar. The order
// becomes eligible after the configured latency. Under the simple model a
// new order replaces any resting one.
func (s *Simulator) Submit(req OrderRequest) (Order, error) {
	if req.Qty <= 0 || math.IsNaN(req.Qty) || math.IsInf(req.Qty, 0) {
		return Order{}, fmt.Errorf("submit: quantity %v must be positive", req.Qty)
	}
	if req.RefPrice <= 0 || math.IsNaN(req.RefPrice) || math.IsInf(req.RefPrice, 0) {
		return Order{}, fmt.Errorf("submit: reference price %v must be positive", req.RefPrice)
	}

	o := &Order{
		ID:           s.nextID,
		Side:         req.Side,
		TIF:          s.cfg.TIF,
		Qty:          req.Qty,
		Remaining:    req.Qty,
		CreatedAt:    req.Timestamp,
		SubmittedBar: s.bar,
		ReadyBar:     s.bar + s.cfg.effectiveLatency(),
	}
	if s.cfg.ExpireAfterBars > 0 {
		o.ExpiresBar = o.ReadyBar + s.cfg.ExpireAfterBars - 1
	}

	switch req.Side {
	case domain.SideBuy:
		o.Kind = s.cfg.BuyKind
		o.LimitPrice = req.RefPrice * (1 - s.cfg.LimitOffsetBps/10_000)
		o.StopPrice = req.RefPrice * (1 + s.cfg.StopOffsetBps/10_000)
	case domain.SideSell:
		o.Kind = s.cfg.SellKind
		o.LimitPrice = req.RefPrice * (1 + s.cfg.LimitOffsetBps/10_000)
		o.StopPrice = req.RefPrice * (1 - s.cfg.StopOffsetBps/10_000)
	default:
		return Order{}, fmt.Errorf("submit: unknown side %q", req.Side)
	}
	if s.cfg.Model == ModelSimple {
		o.Kind = KindMarket
	}
	switch o.Kind {
	case KindLimit:
		o.StopPrice = 0
	case KindStop:
		o.LimitPrice = 0
	default:
		o.LimitPrice, o.StopPrice = 0, 0
	}

	if s.cfg.Model == ModelSimple {
		s.open = s.open[:0]
	}
	s.nextID++
	s.open = append(s.open, o)
	return *o, nil
}

// OpenOrders returns a copy of the resting orders in submission order.
func (s *Simulator) OpenOrders() []Order {
	out := make([]Order, len(s.open))
	for i, o := range s.open {
		out[i] = *o
	}
	return out
}

// ReservedSell sums the remaining quantity of resting sell orders. The
// simple model always reports 0 because a new order replaces the book.
func (s *Simulator) ReservedSell() float64 {
	if s.cfg.Model == ModelSimple {
		return 0
	}
	var total float64
	for _, o := range s.open {
		if o.Side == domain.SideSell {
			total += o.Remaining
		}
	}
	return total
}

// CancelAll empties the book and returns one cancel event per order.
func (s *Simulator) CancelAll(reason string) []Event {
	events := make([]Event, 0, len(s.open))
	for _, o := range s.open {
		events = append(events, cancelEvent("order_cancelled", o, map[string]any{"reason": reason}))
	}
	s.open = s.open[:0]
	return events
}

// ProcessBar advances the bar counter and matches every eligible order
// against bar. acct is reduced locally by each fill so that several
// orders on one bar cannot spend the same cash or shares twice.
func (s *Simulator) ProcessBar(bar domain.Bar, acct Account) Report {
	s.bar++
	var rep Report

	liquidity := s.liquidityCap(bar)
	cash, held := acct.Cash, acct.PositionQty

	next := s.open[:0:0]
	for _, o := range s.open {
		if o.ExpiresBar > 0 && s.bar > o.ExpiresBar {
			rep.Events = append(rep.Events, cancelEvent("order_expired", o, nil))
			continue
		}
		if s.bar < o.ReadyBar {
			next = append(next, o)
			continue
		}
		firstActive := s.bar == o.ReadyBar

		raw, reason, ok := s.rawPrice(bar, o)
		if !ok {
			if firstActive && o.TIF == IOC {
				rep.Events = append(rep.Events, cancelEvent("ioc_unfilled", o, map[string]any{"reason": "not_triggered"}))
				continue
			}
			if firstActive && o.TIF == FOK {
				rep.Events = append(rep.Events, cancelEvent("fok_unfilled", o, map[string]any{"reason": "not_triggered"}))
				continue
			}
			next = append(next, o)
			continue
		}
		if raw <= 0 || !finite(raw) {
			rep.Events = append(rep.Events, cancelEvent("invalid_price", o, map[string]any{"raw_price": raw}))
			continue
		}
		if s.cfg.Model == ModelComplete && (bar.Volume <= 0 || !finite(bar.Volume)) {
			rep.Events = append(rep.Events, cancelEvent("invalid_volume", o, map[string]any{"bar_volume": bar.Volume}))
			continue
		}

		exec := s.execPrice(raw, o.Side)
		if exec <= 0 || !finite(exec) {
			rep.Events = append(rep.Events, cancelEvent("invalid_exec_price", o, map[string]any{"exec_price": exec}))
			continue
		}

		desired := math.Min(o.Remaining, math.Max(liquidity, 0))
		var capQty float64
		if o.Side == domain.SideBuy {
			capQty = 0
			if denom := exec * (1 + s.feeRate); cash > 0 && finite(cash) && denom > 0 {
				capQty = cash / denom
			}
		} else {
			capQty = math.Max(held, 0)
		}

		if firstActive && o.TIF == FOK && (desired+qtyEpsilon < o.Remaining || capQty+qtyEpsilon < o.Remaining) {
			rep.Events = append(rep.Events, cancelEvent("fok_unfilled", o, map[string]any{
				"max_qty_by_liquidity": desired,
				"max_qty_by_account":   capQty,
				"price_reason":         reason,
			}))
			continue
		}

		qty := math.Max(math.Min(desired, capQty), 0)
		if qty <= 0 || !finite(qty) {
			if firstActive && o.TIF == IOC {
				rep.Events = append(rep.Events, cancelEvent("ioc_unfilled", o, map[string]any{"reason": "no_fill_qty"}))
				continue
			}
			if s.cfg.Model == ModelSimple {
				rep.Events = append(rep.Events, cancelEvent("order_cancelled", o, map[string]any{"reason": "no_fill_qty"}))
				continue
			}
			next = append(next, o)
			continue
		}

		fee := exec * qty * s.feeRate
		rep.Fills = append(rep.Fills, domain.Fill{
			OrderID:   o.ID,
			Side:      o.Side,
			Qty:       qty,
			Price:     exec,
			RawPrice:  raw,
			Fee:       fee,
			Slippage:  math.Abs(exec-raw) * qty,
			Timestamp: bar.Timestamp,
		})
		if o.Side == domain.SideBuy {
			cash -= qty*exec + fee
		} else {
			held -= qty
		}
		if !math.IsInf(liquidity, 1) {
			liquidity = math.Max(liquidity-qty, 0)
		}

		partial := qty+qtyEpsilon < o.Remaining
		o.Remaining = math.Max(o.Remaining-qty, 0)
		if !partial {
			o.Remaining = 0
		}

		switch {
		case !partial:
			rep.Events = append(rep.Events, fillEvent("order_filled", o, qty, exec, reason))
		case s.cfg.Model == ModelSimple:
			rep.Events = append(rep.Events, fillEvent("order_partial", o, qty, exec, reason))
			rep.Events = append(rep.Events, cancelEvent("order_cancelled", o, map[string]any{"reason": "simple_single_fill"}))
		case firstActive && o.TIF == IOC:
			rep.Events = append(rep.Events, fillEvent("order_partial", o, qty, exec, reason))
			rep.Events = append(rep.Events, cancelEvent("ioc_partial_cancel", o, nil))
		default:
			rep.Events = append(rep.Events, fillEvent("order_partial", o, qty, exec, reason))
			next = append(next, o)
		}
	}
	s.open = next
	return rep
}

// rawPrice returns the pre-impact fill price for o on bar, or false when a
// limit or stop is not touched.
func (s *Simulator) rawPrice(bar domain.Bar, o *Order) (float64, string, bool) {
	if s.cfg.Model == ModelSimple {
		if s.cfg.PriceReference == RefOpen {
			return bar.Open, "open", true
		}
		return bar.Close, "close", true
	}

	switch o.Kind {
	case KindLimit:
		limit := o.LimitPrice
		if o.Side == domain.SideBuy {
			if bar.Low > limit {
				return 0, "", false
			}
			if bar.Open <= limit {
				return bar.Open, "open<=limit", true
			}
			return limit, "touch_limit", true
		}
		if bar.High < limit {
			return 0, "", false
		}
		if bar.Open >= limit {
			return bar.Open, "open>=limit", true
		}
		return limit, "touch_limit", true

	case KindStop:
		stop := o.StopPrice
		if o.Side == domain.SideBuy {
			if bar.High < stop {
				return 0, "", false
			}
			if bar.Open >= stop {
				return bar.Open, "open>=stop", true
			}
			return stop, "touch_stop", true
		}
		if bar.Low > stop {
			return 0, "", false
		}
		if bar.Open <= stop {
			return bar.Open, "open<=stop", true
		}
		return stop, "touch_stop", true

	default:
		return bar.Open, "open", true
	}
}

// execPrice applies half the spread plus slippage against the order side.
func (s *Simulator) execPrice(raw float64, side domain.Side) float64 {
	impact := (s.cfg.SpreadBps/2 + s.cfg.SlippageBps) / 10_000
	if side == domain.SideBuy {
		return raw * (1 + impact)
	}
	return raw * (1 - impact)
}

// liquidityCap is the quantity a bar can absorb across all orders.
func (s *Simulator) liquidityCap(bar domain.Bar) float64 {
	if s.cfg.Model == ModelSimple {
		return math.Inf(1)
	}
	if bar.Volume <= 0 || !finite(bar.Volume) {
		return 0
	}
	return bar.Volume * math.Min(s.cfg.MaxFillPct, 1)
}

func cancelEvent(kind string, o *Order, extra map[string]any) Event {
	d := map[string]any{
		"side":          string(o.Side),
		"kind":          string(o.Kind),
		"tif":           string(o.TIF),
		"remaining_qty": o.Remaining,
	}
	for k, v := range extra {
		d[k] = v
	}
	return Event{Type: kind, OrderID: o.ID, Details: d}
}

func fillEvent(kind string, o *Order, qty, price float64, reason string) Event {
	return Event{Type: kind, OrderID: o.ID, Details: map[string]any{
		"side":          string(o.Side),
		"kind":          string(o.Kind),
		"tif":           string(o.TIF),
		"filled_qty":    qty,
		"price":         price,
		"price_reason":  reason,
		"remaining_qty": o.Remaining,
	}}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
