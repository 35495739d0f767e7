// Package broker defines the Broker interface used by the backtest runner
// and provides the bar-driven execution simulator.
package broker

import (
	"errors"
	"fmt"
	"math"

	"kairos/internal/domain"
)

// ErrInvalidConfig is returned by NewSimulator for unusable settings.
var ErrInvalidConfig = errors.New("invalid execution config")

// Broker turns submitted orders into fills as bars arrive. Implementations
// never touch the ledger; the caller books every returned Fill.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Submit queues an order created on the current bar.
	Submit(req OrderRequest) (Order, error)

	// ProcessBar advances to the next bar and matches open orders against it.
	ProcessBar(bar domain.Bar, acct Account) Report

	// OpenOrders returns a copy of the resting orders.
	OpenOrders() []Order

	// ReservedSell returns the quantity held by resting sell orders.
	ReservedSell() float64

	// CancelAll drops every resting order.
	CancelAll(reason string) []Event
}

// ---------------------------------------------------------------------------
// Execution configuration
// ---------------------------------------------------------------------------

// Model selects the execution realism level.
type Model string

const (
	ModelSimple   Model = "simple"
	ModelComplete Model = "complete"
)

// OrderKind is the order type built for a side.
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
	KindStop   OrderKind = "stop"
)

// PriceReference selects which bar price anchors orders.
type PriceReference string

const (
	RefClose PriceReference = "close"
	RefOpen  PriceReference = "open"
)

// TimeInForce governs how long an unfilled order stays active.
type TimeInForce string

const (
	GTC TimeInForce = "gtc"
	IOC TimeInForce = "ioc"
	FOK TimeInForce = "fok"
)

// Config is the execution configuration. ExpireAfterBars of 0 means the
// order never expires.
type Config struct {
	Model           Model          `yaml:"model"`
	LatencyBars     int64          `yaml:"latency_bars"`
	BuyKind         OrderKind      `yaml:"buy_kind"`
	SellKind        OrderKind      `yaml:"sell_kind"`
	PriceReference  PriceReference `yaml:"price_reference"`
	LimitOffsetBps  float64        `yaml:"limit_offset_bps"`
	StopOffsetBps   float64        `yaml:"stop_offset_bps"`
	SpreadBps       float64        `yaml:"spread_bps"`
	SlippageBps     float64        `yaml:"slippage_bps"`
	MaxFillPct      float64        `yaml:"max_fill_pct_of_volume"`
	TIF             TimeInForce    `yaml:"tif"`
	ExpireAfterBars int64          `yaml:"expire_after_bars"`
}

// SimpleConfig is a one-bar-latency market execution at the close with the
// given slippage.
func SimpleConfig(slippageBps float64) Config {
	return Config{
		Model:          ModelSimple,
		LatencyBars:    1,
		BuyKind:        KindMarket,
		SellKind:       KindMarket,
		PriceReference: RefClose,
		SlippageBps:    slippageBps,
		MaxFillPct:     1,
		TIF:            GTC,
	}
}

// CompleteConfig is the default realistic setup: 10bps limit and stop
// offsets and at most a quarter of each bar's volume.
func CompleteConfig(slippageBps float64) Config {
	return Config{
		Model:          ModelComplete,
		LatencyBars:    1,
		BuyKind:        KindMarket,
		SellKind:       KindMarket,
		PriceReference: RefClose,
		LimitOffsetBps: 10,
		StopOffsetBps:  10,
		SlippageBps:    slippageBps,
		MaxFillPct:     0.25,
		TIF:            GTC,
	}
}

// Validate checks enums and numeric ranges.
func (c Config) Validate() error {
	switch c.Model {
	case ModelSimple, ModelComplete:
	default:
		return fmt.Errorf("%w: model %q", ErrInvalidConfig, c.Model)
	}
	for _, k := range []OrderKind{c.BuyKind, c.SellKind} {
		switch k {
		case KindMarket, KindLimit, KindStop:
		default:
			return fmt.Errorf("%w: order kind %q", ErrInvalidConfig, k)
		}
	}
	switch c.PriceReference {
	case RefClose, RefOpen:
	default:
		return fmt.Errorf("%w: price reference %q", ErrInvalidConfig, c.PriceReference)
	}
	switch c.TIF {
	case GTC, IOC, FOK:
	default:
		return fmt.Errorf("%w: time in force %q", ErrInvalidConfig, c.TIF)
	}
	if c.LatencyBars < 0 {
		return fmt.Errorf("%w: negative latency", ErrInvalidConfig)
	}
	if c.ExpireAfterBars < 0 {
		return fmt.Errorf("%w: negative expire_after_bars", ErrInvalidConfig)
	}
	for name, v := range map[string]float64{
		"limit_offset_bps": c.LimitOffsetBps,
		"stop_offset_bps":  c.StopOffsetBps,
		"spread_bps":       c.SpreadBps,
		"slippage_bps":     c.SlippageBps,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s = %v", ErrInvalidConfig, name, v)
		}
	}
	if c.Model == ModelComplete && (c.MaxFillPct <= 0 || c.MaxFillPct > 1 || math.IsNaN(c.MaxFillPct)) {
		return fmt.Errorf("%w: max_fill_pct_of_volume %v outside (0,1]", ErrInvalidConfig, c.MaxFillPct)
	}
	return nil
}

// effectiveLatency is never below one bar so a decision taken on a bar's
// close cannot fill on that same bar.
func (c Config) effectiveLatency() int64 {
	if c.LatencyBars < 1 {
		return 1
	}
	return c.LatencyBars
}

// ---------------------------------------------------------------------------
// Orders and reports
// ---------------------------------------------------------------------------

// OrderRequest asks the simulator for a new order. RefPrice is the
// decision bar's reference price.
type OrderRequest struct {
	Side      domain.Side
	Qty       float64
	RefPrice  float64
	Timestamp int64
}

// Order is a resting simulated order. Bar indexes count processed bars
// starting at 1.
type Order struct {
	ID           uint64      `json:"order_id"`
	Side         domain.Side `json:"side"`
	Kind         OrderKind   `json:"kind"`
	TIF          TimeInForce `json:"tif"`
	Qty          float64     `json:"qty"`
	Remaining    float64     `json:"remaining_qty"`
	LimitPrice   float64     `json:"limit_price,omitempty"`
	StopPrice    float64     `json:"stop_price,omitempty"`
	CreatedAt    int64       `json:"created_at"`
	SubmittedBar int64       `json:"submitted_bar_index"`
	ReadyBar     int64       `json:"ready_bar_index"`
	ExpiresBar   int64       `json:"expires_bar_index,omitempty"`
}

// Account is the ledger view the simulator needs to cap fills.
type Account struct {
	Cash        float64
	PositionQty float64
}

// Event is an order lifecycle notification.
type Event struct {
	Type    string
	OrderID uint64
	Details map[string]any
}

// Report is the outcome of matching one bar.
type Report struct {
	Fills  []domain.Fill
	Events []Event
}
