// Package engine runs one deterministic bar-by-bar simulation: features,
// decision, risk gate, simulated execution, ledger and metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"kairos/internal/broker"
	"kairos/internal/domain"
	"kairos/internal/features"
	"kairos/internal/feed"
	"kairos/internal/metrics"
	"kairos/internal/portfolio"
	"kairos/internal/strategy"
	"kairos/internal/timeframe"
	"kairos/internal/util"
)

var (
	// ErrInvalidConfig is returned by NewRunner for unusable settings.
	ErrInvalidConfig = errors.New("invalid run config")

	// ErrAlreadyRun is returned when Run is called on a used Runner.
	ErrAlreadyRun = errors.New("runner already used")

	// ErrOutOfOrder aborts a run whose source yields a non-increasing
	// timestamp.
	ErrOutOfOrder = errors.New("bar timestamp not increasing")
)

// State is the runner lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// SizeMode controls how an action's size is turned into a quantity.
type SizeMode string

const (
	// SizeQuantity treats size as units of the instrument.
	SizeQuantity SizeMode = "quantity"
	// SizePctEquity treats size as a fraction of equity for buys and of
	// the held position for sells.
	SizePctEquity SizeMode = "pct_equity"
)

// Policy holds decision gating switches.
type Policy struct {
	// AllowPartialFeatures requests decisions before every indicator is
	// available; missing slots are sent as 0.
	AllowPartialFeatures bool `yaml:"allow_partial_features"`
}

// Config is everything a run needs besides its source and strategy.
type Config struct {
	RunID       string
	Symbol      string
	Timeframe   string
	InitialCash float64
	FeeBps      float64
	SizeMode    SizeMode
	Execution   broker.Config
	Risk        RiskLimits
	Features    features.Config
	Metrics     metrics.Options
	Policy      Policy
}

// Result is the outcome of a run. On abort Equity and Trades hold what was
// collected before the failure and Err says why.
type Result struct {
	RunID      string               `json:"run_id"`
	Symbol     string               `json:"symbol"`
	Timeframe  string               `json:"timeframe"`
	Strategy   string               `json:"strategy"`
	State      State                `json:"state"`
	Halted     bool                 `json:"halted"`
	Summary    metrics.Summary      `json:"summary"`
	Equity     []domain.EquityPoint `json:"-"`
	Trades     []domain.Trade       `json:"-"`
	Audit      []domain.AuditEvent  `json:"-"`
	Quality    *feed.QualityReport  `json:"data_quality,omitempty"`
	Features   []string             `json:"feature_names"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Err        error                `json:"-"`
}

// Runner owns one run's portfolio, simulator, feature pipeline and metrics.
// A Runner is single use and not safe for concurrent use.
type Runner struct {
	cfg      Config
	tf       timeframe.Timeframe
	source   feed.Source
	strategy strategy.Strategy
	signals  *feed.Signals
	log      *slog.Logger

	broker    broker.Broker
	model     broker.Model
	portfolio *portfolio.Portfolio
	pipeline  *features.Pipeline
	metrics   *metrics.Aggregator

	state   State
	halted  bool
	lastTS  int64
	started bool
	reasons map[uint64]string
	audit   []domain.AuditEvent
	quality *feed.QualityReport
}

// NewRunner validates cfg and builds fresh per-run components. signals may
// be nil; when set its width overrides cfg.Features.ExternalWidth.
func NewRunner(cfg Config, src feed.Source, strat strategy.Strategy, signals *feed.Signals, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = util.Discard()
	}
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidConfig)
	}
	if strat == nil {
		return nil, fmt.Errorf("%w: nil strategy", ErrInvalidConfig)
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidConfig)
	}
	if cfg.InitialCash <= 0 || math.IsNaN(cfg.InitialCash) || math.IsInf(cfg.InitialCash, 0) {
		return nil, fmt.Errorf("%w: initial cash %v", ErrInvalidConfig, cfg.InitialCash)
	}
	tf, err := timeframe.ParseOrSeconds(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch cfg.SizeMode {
	case "":
		cfg.SizeMode = SizeQuantity
	case SizeQuantity, SizePctEquity:
	default:
		return nil, fmt.Errorf("%w: size mode %q", ErrInvalidConfig, cfg.SizeMode)
	}
	if signals != nil {
		cfg.Features.ExternalWidth = signals.Width()
	}
	pipe, err := features.NewPipeline(cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	sim, err := broker.NewSimulator(cfg.Execution, cfg.FeeBps)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}

	return &Runner{
		cfg:       cfg,
		tf:        tf,
		source:    src,
		strategy:  strat,
		signals:   signals,
		log:       logger.With("run_id", cfg.RunID, "symbol", cfg.Symbol),
		broker:    sim,
		model:     cfg.Execution.Model,
		portfolio: portfolio.New(cfg.InitialCash),
		pipeline:  pipe,
		metrics:   metrics.NewAggregator(cfg.Metrics),
		state:     StateIdle,
		reasons:   make(map[uint64]string),
	}, nil
}

// RunID returns the run identifier.
func (r *Runner) RunID() string { return r.cfg.RunID }

// State returns the current lifecycle state.
func (r *Runner) State() State { return r.state }

// SetQuality attaches the source's data-quality report to the result.
func (r *Runner) SetQuality(q feed.QualityReport) { r.quality = &q }

// Run consumes the source until it is exhausted, the context is cancelled
// or the source fails. Cancellation and source errors yield StateAborted
// with the partial results.
func (r *Runner) Run(ctx context.Context) Result {
	if r.state != StateIdle {
		return Result{RunID: r.cfg.RunID, State: r.state, Err: ErrAlreadyRun}
	}
	r.state = StateRunning
	startedAt := time.Now().UTC()

	r.event(0, "start", map[string]any{
		"strategy":     r.strategy.Name(),
		"timeframe":    r.tf.Label,
		"step_seconds": r.tf.StepSeconds,
		"initial_cash": r.cfg.InitialCash,
		"size_mode":    string(r.cfg.SizeMode),
		"fee_bps":      r.cfg.FeeBps,
		"features":     r.pipeline.Names(),
		"partial_ok":   r.cfg.Policy.AllowPartialFeatures,
		"execution":    executionDetails(r.cfg.Execution),
		"risk": map[string]any{
			"max_position_qty": r.cfg.Risk.MaxPositionQty,
			"max_drawdown_pct": r.cfg.Risk.MaxDrawdownPct,
			"max_exposure_pct": r.cfg.Risk.MaxExposurePct,
		},
	})
	r.log.Info("run started", "strategy", r.strategy.Name(), "timeframe", r.tf.Label)

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		bar, ok, err := r.source.Next(ctx)
		if err != nil {
			runErr = fmt.Errorf("market data: %w", err)
			break
		}
		if !ok {
			break
		}
		if r.started && bar.Timestamp <= r.lastTS {
			runErr = fmt.Errorf("%w: %d after %d", ErrOutOfOrder, bar.Timestamp, r.lastTS)
			break
		}
		if err := bar.Validate(); err != nil {
			runErr = fmt.Errorf("market data: %w", err)
			break
		}
		r.started, r.lastTS = true, bar.Timestamp
		if bar.Symbol == "" {
			bar.Symbol = r.cfg.Symbol
		}
		r.step(ctx, bar)
	}

	res := Result{
		RunID:      r.cfg.RunID,
		Symbol:     r.cfg.Symbol,
		Timeframe:  r.tf.Label,
		Strategy:   r.strategy.Name(),
		Halted:     r.halted,
		Summary:    r.metrics.Summary(),
		Equity:     r.metrics.EquityCurve(),
		Trades:     r.metrics.Trades(),
		Quality:    r.quality,
		Features:   r.pipeline.Names(),
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		r.state = StateAborted
		res.Err = runErr
		r.event(r.lastTS, "aborted", map[string]any{
			"error":          runErr.Error(),
			"bars_processed": res.Summary.BarsProcessed,
		})
		r.log.Warn("run aborted", "bars", res.Summary.BarsProcessed, "err", runErr)
	} else {
		r.state = StateCompleted
		r.event(r.lastTS, "complete", map[string]any{
			"bars_processed": res.Summary.BarsProcessed,
			"trades":         res.Summary.Trades,
			"net_profit":     res.Summary.NetProfit,
			"sharpe":         res.Summary.Sharpe,
			"max_drawdown":   res.Summary.MaxDrawdown,
			"halt_trading":   r.halted,
		})
		r.log.Info("run complete",
			"bars", res.Summary.BarsProcessed,
			"trades", res.Summary.Trades,
			"net_profit", res.Summary.NetProfit,
			"elapsed", time.Since(startedAt).Round(time.Millisecond),
		)
	}
	res.State = r.state
	res.Audit = r.audit
	return res
}

// step processes one bar. Open orders are matched first so a decision on
// this bar can only fill on a later one.
func (r *Runner) step(ctx context.Context, bar domain.Bar) {
	sym := r.cfg.Symbol

	rep := r.broker.ProcessBar(bar, broker.Account{
		Cash:        r.portfolio.Cash(),
		PositionQty: r.portfolio.Position(sym).Qty,
	})
	r.brokerEvents(bar.Timestamp, rep.Events)
	for _, f := range rep.Fills {
		r.portfolio.ApplyFill(sym, f.Side, f.Qty, f.Price, f.Fee)
		r.metrics.RecordTrade(domain.Trade{
			Timestamp:  f.Timestamp,
			Symbol:     sym,
			Side:       f.Side,
			Qty:        f.Qty,
			Price:      f.Price,
			Fee:        f.Fee,
			Slippage:   f.Slippage,
			StrategyID: r.strategy.Name(),
			Reason:     r.reasons[f.OrderID],
		})
	}
	r.pruneReasons()

	var external []float64
	if r.signals != nil {
		external, _ = r.signals.At(bar.Timestamp)
	}
	obs := r.pipeline.Update(bar, external)

	if !r.halted && (obs.Ready() || r.cfg.Policy.AllowPartialFeatures) {
		dec := r.strategy.Decide(ctx, strategy.Request{
			RunID:       r.cfg.RunID,
			Symbol:      sym,
			Timeframe:   r.tf.Label,
			Bar:         bar,
			Observation: obs,
			Portfolio:   r.portfolio.State(sym, bar.Close),
		})
		if dec.Call != nil {
			r.agentEvents(bar.Timestamp, dec)
		}
		r.schedule(bar, dec.Action.Normalize())
	}

	r.recordEquity(bar)
}

func (r *Runner) recordEquity(bar domain.Bar) {
	sym := r.cfg.Symbol
	r.metrics.RecordEquity(domain.EquityPoint{
		Timestamp:     bar.Timestamp,
		Equity:        r.portfolio.Equity(sym, bar.Close),
		Cash:          r.portfolio.Cash(),
		PositionQty:   r.portfolio.Position(sym).Qty,
		UnrealizedPnL: r.portfolio.UnrealizedPnL(sym, bar.Close),
		RealizedPnL:   r.portfolio.RealizedPnL(),
	})

	dd := r.metrics.MaxDrawdown()
	if r.halted || r.cfg.Risk.AllowsDrawdown(dd) {
		return
	}
	r.halted = true
	r.event(bar.Timestamp, "halt_drawdown", map[string]any{
		"drawdown_pct":     dd,
		"max_drawdown_pct": r.cfg.Risk.MaxDrawdownPct,
	})
	r.brokerEvents(bar.Timestamp, r.broker.CancelAll("halt_drawdown"))
	r.log.Warn("trading halted on drawdown", "drawdown", dd, "limit", r.cfg.Risk.MaxDrawdownPct)
}

// schedule gates action through the sizing and risk rules and submits an
// order. Every refusal is recorded in the audit trail and never fails the
// run.
func (r *Runner) schedule(bar domain.Bar, action domain.Action) {
	side, ok := action.Side()
	if !ok {
		return
	}
	sym := r.cfg.Symbol
	pos := r.portfolio.Position(sym).Qty

	if action.Size <= 0 {
		r.reject(bar, action, "non_positive_size", nil)
		return
	}

	var qty, reserved float64
	switch side {
	case domain.SideBuy:
		qty = r.resolveQty(bar, side, action.Size)
		if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
			r.reject(bar, action, "non_positive_size", map[string]any{"resolved_qty": qty})
			return
		}
		cash := r.portfolio.Cash()
		if cash <= 0 || math.IsNaN(cash) || math.IsInf(cash, 0) {
			r.reject(bar, action, "insufficient_cash", map[string]any{"cash": cash})
			return
		}
		if !r.cfg.Risk.AllowsPosition(pos, qty) {
			r.reject(bar, action, "position_limit", map[string]any{
				"position_qty": pos, "resolved_qty": qty, "max_position_qty": r.cfg.Risk.MaxPositionQty,
			})
			return
		}
		equity := r.portfolio.Equity(sym, bar.Close)
		next := (pos + qty) * bar.Close
		if !r.cfg.Risk.AllowsExposure(equity, next) {
			r.reject(bar, action, "exposure_limit", map[string]any{
				"equity": equity, "next_exposure": next, "max_exposure_pct": r.cfg.Risk.MaxExposurePct,
			})
			return
		}

	case domain.SideSell:
		if pos <= 0 {
			r.reject(bar, action, "no_position", nil)
			return
		}
		qty = r.resolveQty(bar, side, action.Size)
		if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
			r.reject(bar, action, "non_positive_size", map[string]any{"resolved_qty": qty})
			return
		}
		reserved = r.broker.ReservedSell()
		available := math.Max(pos-reserved, 0)
		if available <= 0 {
			r.reject(bar, action, "position_reserved", map[string]any{
				"position_qty": pos, "reserved_sell_qty": reserved,
			})
			return
		}
		qty = math.Min(qty, available)
	}

	ref := bar.Close
	if r.cfg.Execution.PriceReference == broker.RefOpen {
		ref = bar.Open
	}
	if ref <= 0 || math.IsNaN(ref) || math.IsInf(ref, 0) {
		r.reject(bar, action, "ref_price_not_positive", map[string]any{"ref_price": ref})
		return
	}

	var replaced []broker.Order
	if r.model == broker.ModelSimple {
		replaced = r.broker.OpenOrders()
	}
	order, err := r.broker.Submit(broker.OrderRequest{
		Side:      side,
		Qty:       qty,
		RefPrice:  ref,
		Timestamp: bar.Timestamp,
	})
	if err != nil {
		r.reject(bar, action, "order_rejected", map[string]any{"error": err.Error()})
		return
	}
	for _, o := range replaced {
		r.event(bar.Timestamp, "order_replaced", map[string]any{
			"order_id":      o.ID,
			"remaining_qty": o.Remaining,
			"replaced_by":   order.ID,
		})
	}

	reason := action.Reason
	if reason == "" {
		reason = r.strategy.Name()
	}
	r.reasons[order.ID] = reason

	details := map[string]any{
		"order_id":            order.ID,
		"side":                string(order.Side),
		"kind":                string(order.Kind),
		"tif":                 string(order.TIF),
		"requested_size":      action.Size,
		"resolved_qty":        qty,
		"size_mode":           string(r.cfg.SizeMode),
		"ref_price":           ref,
		"submitted_bar_index": order.SubmittedBar,
		"ready_bar_index":     order.ReadyBar,
		"strategy_id":         r.strategy.Name(),
		"reason":              reason,
	}
	if order.LimitPrice > 0 {
		details["limit_price"] = order.LimitPrice
	}
	if order.StopPrice > 0 {
		details["stop_price"] = order.StopPrice
	}
	if order.ExpiresBar > 0 {
		details["expires_bar_index"] = order.ExpiresBar
	}
	if side == domain.SideSell {
		details["reserved_sell_qty"] = reserved
	}
	r.event(bar.Timestamp, "order_submitted", details)
}

// resolveQty converts an action size to a quantity under the size mode.
// Percentages are clamped to [0, 1].
func (r *Runner) resolveQty(bar domain.Bar, side domain.Side, size float64) float64 {
	if r.cfg.SizeMode != SizePctEquity {
		return size
	}
	pct := math.Min(math.Max(size, 0), 1)
	if side == domain.SideSell {
		return r.portfolio.Position(r.cfg.Symbol).Qty * pct
	}
	equity := r.portfolio.Equity(r.cfg.Symbol, bar.Close)
	if equity <= 0 || bar.Close <= 0 {
		return 0
	}
	return equity * pct / bar.Close
}

func (r *Runner) reject(bar domain.Bar, action domain.Action, reason string, extra map[string]any) {
	details := map[string]any{
		"strategy_id":    r.strategy.Name(),
		"action_type":    string(action.Type),
		"requested_size": action.Size,
		"size_mode":      string(r.cfg.SizeMode),
	}
	for k, v := range extra {
		details[k] = v
	}
	r.event(bar.Timestamp, reason, details)
	r.log.Debug("order rejected", "timestamp", bar.Timestamp, "reason", reason)
}

func (r *Runner) agentEvents(ts int64, dec strategy.Decision) {
	call := dec.Call
	details := map[string]any{
		"attempts":    call.Attempts,
		"duration_ms": call.Duration.Milliseconds(),
		"status":      call.Status,
		"action_type": string(dec.Action.Type),
		"size":        dec.Action.Size,
	}
	if call.Err != "" {
		details["error"] = call.Err
	}
	r.event(ts, "agent_call", details)
	if call.Fallback {
		r.event(ts, "agent_fallback", map[string]any{
			"attempts":    call.Attempts,
			"error":       call.Err,
			"action_type": string(dec.Action.Type),
		})
	}
}

func (r *Runner) brokerEvents(ts int64, events []broker.Event) {
	for _, e := range events {
		details := make(map[string]any, len(e.Details)+1)
		for k, v := range e.Details {
			details[k] = v
		}
		details["order_id"] = e.OrderID
		r.event(ts, e.Type, details)
	}
}

// pruneReasons drops reasons of orders no longer resting.
func (r *Runner) pruneReasons() {
	if len(r.reasons) == 0 {
		return
	}
	open := r.broker.OpenOrders()
	if len(open) == len(r.reasons) {
		return
	}
	keep := make(map[uint64]string, len(open))
	for _, o := range open {
		if v, ok := r.reasons[o.ID]; ok {
			keep[o.ID] = v
		}
	}
	r.reasons = keep
}

func (r *Runner) event(ts int64, typ string, details map[string]any) {
	r.audit = append(r.audit, domain.AuditEvent{
		RunID:     r.cfg.RunID,
		Timestamp: ts,
		Type:      typ,
		Symbol:    r.cfg.Symbol,
		Details:   details,
	})
}

func executionDetails(c broker.Config) map[string]any {
	return map[string]any{
		"model":                  string(c.Model),
		"latency_bars":           c.LatencyBars,
		"buy_kind":               string(c.BuyKind),
		"sell_kind":              string(c.SellKind),
		"price_reference":        string(c.PriceReference),
		"tif":                    string(c.TIF),
		"max_fill_pct_of_volume": c.MaxFillPct,
		"spread_bps":             c.SpreadBps,
		"slippage_bps":           c.SlippageBps,
		"expire_after_bars":      c.ExpireAfterBars,
	}
}
