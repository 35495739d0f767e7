package feed

import (
	"fmt"

	"kairos/internal/domain"
)

// msThreshold separates second and millisecond epochs. 1e12 ms is
// 2001-09-09; in seconds it lies far beyond any realistic date.
const msThreshold int64 = 1_000_000_000_000

// AggregationReport counts events the Aggregator refused.
type AggregationReport struct {
	OutOfOrderEvents   int    `json:"out_of_order_events"`
	InvalidEvents      int    `json:"invalid_events"`
	LastEventTimestamp *int64 `json:"last_event_timestamp,omitempty"`
	LastBarTimestamp   *int64 `json:"last_bar_timestamp,omitempty"`
}

// Aggregator folds ticks into bars of a fixed step. A bar is emitted when
// the first tick of the following bucket arrives; Flush emits the bar still
// being built.
type Aggregator struct {
	symbol  string
	step    int64
	working domain.Bar
	active  bool
	lastTS  *int64
	report  AggregationReport
}

// NewAggregator returns an aggregator for symbol with step seconds per bar.
func NewAggregator(symbol string, step int64) (*Aggregator, error) {
	if step <= 0 {
		return nil, fmt.Errorf("aggregator: %w (got %d)", ErrInvalidStep, step)
	}
	return &Aggregator{symbol: symbol, step: step}, nil
}

// Report returns the counters accumulated so far.
func (a *Aggregator) Report() AggregationReport { return a.report }

// Ingest adds a tick. Ticks with a non-finite or non-positive price are
// counted as invalid; ticks older than the previous accepted tick are
// dropped and counted so past bars are never rewritten.
func (a *Aggregator) Ingest(t domain.Tick) (domain.Bar, bool) {
	ts := normalizeEpochSeconds(t.Timestamp)
	if !isFinite(t.Price) || t.Price <= 0 {
		a.report.InvalidEvents++
		return domain.Bar{}, false
	}
	if a.lastTS != nil && ts < *a.lastTS {
		a.report.OutOfOrderEvents++
		return domain.Bar{}, false
	}
	a.lastTS = ptr(ts)
	a.report.LastEventTimestamp = ptr(ts)

	qty := 0.0
	if t.Qty != nil && isFinite(*t.Qty) && *t.Qty > 0 {
		qty = *t.Qty
	}

	start := bucketStart(ts, a.step)
	if a.active && a.working.Timestamp == start {
		a.working.High = max(a.working.High, t.Price)
		a.working.Low = min(a.working.Low, t.Price)
		a.working.Close = t.Price
		a.working.Volume += qty
		return domain.Bar{}, false
	}

	done, ok := a.Flush()
	a.working = domain.Bar{
		Symbol:    a.symbol,
		Timestamp: start,
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    qty,
	}
	a.active = true
	return done, ok
}

// Flush returns the bar under construction, if any, and clears it.
func (a *Aggregator) Flush() (domain.Bar, bool) {
	if !a.active {
		return domain.Bar{}, false
	}
	b := a.working
	a.active = false
	a.working = domain.Bar{}
	a.report.LastBarTimestamp = ptr(b.Timestamp)
	return b, true
}

func normalizeEpochSeconds(ts int64) int64 {
	if ts >= msThreshold {
		return ts / 1000
	}
	return ts
}
