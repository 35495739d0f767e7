// Package domain holds the value types shared by every stage of a simulation
// run: market data, decisions, fills, positions and the run's records.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV interval. Timestamp is the bar's open time in Unix
// seconds (UTC).
type Bar struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Time returns the bar timestamp as a UTC time.Time.
func (b Bar) Time() time.Time {
	return time.Unix(b.Timestamp, 0).UTC()
}

// Validate reports whether OHLC are finite and volume is finite and
// non-negative.
func (b Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if !finite(v) {
			return fmt.Errorf("bar %s@%d: non-finite price", b.Symbol, b.Timestamp)
		}
	}
	if !finite(b.Volume) || b.Volume < 0 {
		return fmt.Errorf("bar %s@%d: invalid volume %v", b.Symbol, b.Timestamp, b.Volume)
	}
	return nil
}

// Tick is a single price observation from a streaming source. Qty is nil
// when the venue does not report a size.
type Tick struct {
	Timestamp int64    `json:"timestamp"`
	Price     float64  `json:"price"`
	Qty       *float64 `json:"qty,omitempty"`
}

// ---------------------------------------------------------------------------
// Decisions
// ---------------------------------------------------------------------------

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ActionType is the kind of decision produced by a strategy.
type ActionType string

const (
	ActionBuy  ActionType = "BUY"
	ActionSell ActionType = "SELL"
	ActionHold ActionType = "HOLD"
)

// ParseActionType maps a case-insensitive name to an ActionType. Unknown
// names map to ActionHold.
func ParseActionType(s string) ActionType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return ActionBuy
	case "SELL":
		return ActionSell
	default:
		return ActionHold
	}
}

// Action is a trading decision. A Hold action always has Size 0.
type Action struct {
	Type   ActionType `json:"action_type"`
	Size   float64    `json:"size"`
	Reason string     `json:"reason,omitempty"`
}

// Hold returns a Hold action with the given reason.
func Hold(reason string) Action {
	return Action{Type: ActionHold, Reason: reason}
}

// Normalize enforces the Hold/size invariant and clamps a negative or
// non-finite size to 0.
func (a Action) Normalize() Action {
	if a.Type != ActionBuy && a.Type != ActionSell {
		a.Type = ActionHold
	}
	if a.Type == ActionHold || !finite(a.Size) || a.Size < 0 {
		a.Size = 0
	}
	return a
}

// Side returns the order side for Buy and Sell actions.
func (a Action) Side() (Side, bool) {
	switch a.Type {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Execution and accounting
// ---------------------------------------------------------------------------

// Fill is a quantity executed against a simulated order.
type Fill struct {
	OrderID   uint64  `json:"order_id"`
	Side      Side    `json:"side"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	RawPrice  float64 `json:"raw_price"`
	Fee       float64 `json:"fee"`
	Slippage  float64 `json:"slippage"`
	Timestamp int64   `json:"timestamp"`
}

// Position is the holding in one symbol. AvgPrice is 0 whenever Qty is 0.
type Position struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

// PortfolioState is the snapshot handed to decision sources.
type PortfolioState struct {
	Cash             float64 `json:"cash"`
	PositionQty      float64 `json:"position_qty"`
	PositionAvgPrice float64 `json:"position_avg_price"`
	Equity           float64 `json:"equity"`
}

// Trade is the immutable record of one executed fill.
type Trade struct {
	Timestamp  int64   `json:"timestamp"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
	Fee        float64 `json:"fee"`
	Slippage   float64 `json:"slippage"`
	StrategyID string  `json:"strategy_id"`
	Reason     string  `json:"reason"`
}

// EquityPoint is recorded once per processed bar.
type EquityPoint struct {
	Timestamp     int64   `json:"timestamp"`
	Equity        float64 `json:"equity"`
	Cash          float64 `json:"cash"`
	PositionQty   float64 `json:"position_qty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// AuditEvent is one entry of a run's audit trail.
type AuditEvent struct {
	RunID     string         `json:"run_id"`
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"event_type"`
	Symbol    string         `json:"symbol,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
