package engine

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"kairos/internal/agent"
	"kairos/internal/broker"
	"kairos/internal/domain"
	"kairos/internal/features"
	"kairos/internal/feed"
	"kairos/internal/strategy"
	"kairos/internal/strategy/builtins"
)

const baseTS = 1_700_000_000

func barsFrom(closes []float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{
			Symbol:    "TEST",
			Timestamp: baseTS + int64(i)*60,
			Open:      c,
			High:      c + 0.5,
			Low:       c - 0.5,
			Close:     c,
			Volume:    1000,
		}
	}
	return out
}

func rising(n int) []domain.Bar {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	return barsFrom(closes)
}

func flat(n int) []domain.Bar {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100
	}
	return barsFrom(closes)
}

func testConfig() Config {
	return Config{
		RunID:       "test-run",
		Symbol:      "TEST",
		Timeframe:   "1m",
		InitialCash: 10_000,
		Execution:   broker.SimpleConfig(0),
		Risk:        DefaultRiskLimits(),
	}
}

func newRunner(t *testing.T, cfg Config, bars []domain.Bar, s strategy.Strategy) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, feed.NewSliceSource(bars), s, nil, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

// scripted returns actions by decision number (1-based) and Hold otherwise.
type scripted struct {
	actions map[int]domain.Action
	calls   int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Decide(context.Context, strategy.Request) strategy.Decision {
	s.calls++
	if a, ok := s.actions[s.calls]; ok {
		return strategy.Decision{Action: a}
	}
	return strategy.Decision{Action: domain.Hold("")}
}

func buy(size float64) domain.Action  { return domain.Action{Type: domain.ActionBuy, Size: size} }
func sell(size float64) domain.Action { return domain.Action{Type: domain.ActionSell, Size: size} }

func countEvents(events []domain.AuditEvent, typ string) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestBuyAndHoldOnRisingBars(t *testing.T) {
	bh, err := builtins.NewBuyAndHold(10)
	if err != nil {
		t.Fatal(err)
	}
	bars := rising(50)
	res := newRunner(t, testConfig(), bars, bh).Run(context.Background())

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("State = %v, Err = %v, want completed", res.State, res.Err)
	}
	if res.Summary.BarsProcessed != 50 || len(res.Equity) != 50 {
		t.Errorf("bars = %d, equity points = %d, want 50", res.Summary.BarsProcessed, len(res.Equity))
	}
	if len(res.Trades) < 1 || len(res.Trades) != res.Summary.Trades {
		t.Fatalf("trades = %d, summary.trades = %d", len(res.Trades), res.Summary.Trades)
	}
	// Decided on bar 1, filled at the close of bar 2.
	tr := res.Trades[0]
	if tr.Timestamp != bars[1].Timestamp || tr.Price != bars[1].Close || tr.Qty != 10 {
		t.Errorf("first trade = %+v", tr)
	}
	if tr.StrategyID != builtins.BuyAndHoldName || tr.Reason != "buy_and_hold" {
		t.Errorf("trade attribution = %q/%q", tr.StrategyID, tr.Reason)
	}
	if res.Summary.NetProfit <= 0 {
		t.Errorf("NetProfit = %v, want > 0 on rising prices", res.Summary.NetProfit)
	}
	last := res.Equity[len(res.Equity)-1]
	if want := 10_000 - 10*bars[1].Close + 10*bars[49].Close; last.Equity != want {
		t.Errorf("final equity = %v, want %v", last.Equity, want)
	}
	if res.Audit[0].Type != "start" || res.Audit[len(res.Audit)-1].Type != "complete" {
		t.Errorf("audit bounds = %q..%q", res.Audit[0].Type, res.Audit[len(res.Audit)-1].Type)
	}
	if countEvents(res.Audit, "order_submitted") != 1 || countEvents(res.Audit, "order_filled") != 1 {
		t.Errorf("order events: submitted=%d filled=%d", countEvents(res.Audit, "order_submitted"), countEvents(res.Audit, "order_filled"))
	}
}

func TestHoldNeverTrades(t *testing.T) {
	res := newRunner(t, testConfig(), rising(50), builtins.NewHold()).Run(context.Background())
	if res.State != StateCompleted {
		t.Fatalf("State = %v, want completed", res.State)
	}
	if res.Summary.Trades != 0 || res.Summary.BarsProcessed != 50 {
		t.Errorf("trades = %d, bars = %d, want 0 and 50", res.Summary.Trades, res.Summary.BarsProcessed)
	}
	if res.Summary.NetProfit != 0 || res.Summary.MaxDrawdown != 0 {
		t.Errorf("summary = %+v, want flat equity", res.Summary)
	}
}

func TestUnreachableAgentFallsBack(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	client := agent.NewHTTPClient(url, 200*time.Millisecond, 0, nil)
	remote := strategy.NewRemote(client, domain.Hold("fallback"), nil)
	res := newRunner(t, testConfig(), rising(50), remote).Run(context.Background())

	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("State = %v, Err = %v, want completed", res.State, res.Err)
	}
	if res.Summary.BarsProcessed != 50 || res.Summary.Trades != 0 {
		t.Errorf("bars = %d, trades = %d", res.Summary.BarsProcessed, res.Summary.Trades)
	}
	if got := countEvents(res.Audit, "agent_fallback"); got != 50 {
		t.Errorf("agent_fallback events = %d, want 50", got)
	}
	for _, e := range res.Audit {
		if e.Type == "agent_call" && e.Details["attempts"] != 1 {
			t.Fatalf("agent_call attempts = %v, want 1", e.Details["attempts"])
		}
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100 + 10*float64((i/15)%2) + float64(i%7)
	}
	bars := barsFrom(closes)

	cfg := testConfig()
	cfg.Features = features.Config{SMAWindows: []int{3, 8}, VolWindows: []int{5}, RSIEnabled: true}
	cfg.Execution = broker.CompleteConfig(5)
	cfg.Execution.MaxFillPct = 0.01
	cfg.FeeBps = 2

	run := func() Result {
		s, err := builtins.NewSMACross(3, 8, 25)
		if err != nil {
			t.Fatal(err)
		}
		return newRunner(t, cfg, bars, s).Run(context.Background())
	}
	a, b := run(), run()

	if !reflect.DeepEqual(a.Equity, b.Equity) {
		t.Error("equity curves differ between identical runs")
	}
	if !reflect.DeepEqual(a.Trades, b.Trades) {
		t.Error("trade logs differ between identical runs")
	}
	if a.Summary != b.Summary {
		t.Errorf("summaries differ: %+v vs %+v", a.Summary, b.Summary)
	}
	if len(a.Trades) == 0 {
		t.Error("expected the crossover strategy to trade")
	}
}

// cancelAfter cancels the run context once n bars have been handed out.
type cancelAfter struct {
	inner  feed.Source
	cancel context.CancelFunc
	n      int
	served int
}

func (c *cancelAfter) Next(ctx context.Context) (domain.Bar, bool, error) {
	b, ok, err := c.inner.Next(ctx)
	if ok {
		c.served++
		if c.served == c.n {
			c.cancel()
		}
	}
	return b, ok, err
}

func TestCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancelAfter{inner: feed.NewSliceSource(rising(50)), cancel: cancel, n: 10}

	r, err := NewRunner(testConfig(), src, builtins.NewHold(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := r.Run(ctx)
	if res.State != StateAborted || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("State = %v, Err = %v, want aborted/canceled", res.State, res.Err)
	}
	if res.Summary.BarsProcessed != 10 || len(res.Equity) != 10 {
		t.Errorf("bars = %d, want 10", res.Summary.BarsProcessed)
	}
	if countEvents(res.Audit, "aborted") != 1 {
		t.Error("missing aborted audit event")
	}
	if r.State() != StateAborted {
		t.Errorf("runner State() = %v", r.State())
	}
}

type failingSource struct {
	bars []domain.Bar
	pos  int
}

func (f *failingSource) Next(context.Context) (domain.Bar, bool, error) {
	if f.pos >= len(f.bars) {
		return domain.Bar{}, false, errors.New("connection reset")
	}
	b := f.bars[f.pos]
	f.pos++
	return b, true, nil
}

func TestSourceErrorAbortsWithPartialResults(t *testing.T) {
	bh, _ := builtins.NewBuyAndHold(1)
	r, err := NewRunner(testConfig(), &failingSource{bars: rising(5)}, bh, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := r.Run(context.Background())
	if res.State != StateAborted || res.Err == nil {
		t.Fatalf("State = %v, Err = %v, want aborted", res.State, res.Err)
	}
	if res.Summary.BarsProcessed != 5 || len(res.Trades) != 1 {
		t.Errorf("bars = %d, trades = %d, want 5 and 1", res.Summary.BarsProcessed, len(res.Trades))
	}
}

func TestOutOfOrderBarAborts(t *testing.T) {
	bars := rising(5)
	bars[3].Timestamp = bars[2].Timestamp
	res := newRunner(t, testConfig(), bars, builtins.NewHold()).Run(context.Background())
	if !errors.Is(res.Err, ErrOutOfOrder) || res.State != StateAborted {
		t.Fatalf("Err = %v, State = %v, want ErrOutOfOrder", res.Err, res.State)
	}
	if res.Summary.BarsProcessed != 3 {
		t.Errorf("bars = %d, want 3", res.Summary.BarsProcessed)
	}
}

func TestRunTwice(t *testing.T) {
	r := newRunner(t, testConfig(), rising(3), builtins.NewHold())
	r.Run(context.Background())
	if res := r.Run(context.Background()); !errors.Is(res.Err, ErrAlreadyRun) {
		t.Errorf("second Run Err = %v, want ErrAlreadyRun", res.Err)
	}
}

func TestNewRunnerValidates(t *testing.T) {
	src := feed.NewSliceSource(nil)
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"timeframe", func(c *Config) { c.Timeframe = "7q" }},
		{"cash", func(c *Config) { c.InitialCash = 0 }},
		{"symbol", func(c *Config) { c.Symbol = "" }},
		{"size mode", func(c *Config) { c.SizeMode = "lots" }},
		{"window", func(c *Config) { c.Features.SMAWindows = []int{0} }},
		{"execution", func(c *Config) { c.Execution.TIF = "day" }},
		{"fee", func(c *Config) { c.FeeBps = -1 }},
	}
	for _, tt := range tests {
		cfg := testConfig()
		tt.mod(&cfg)
		if _, err := NewRunner(cfg, src, builtins.NewHold(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: err = %v, want ErrInvalidConfig", tt.name, err)
		}
	}
}

func TestDefaultRunIDIsGenerated(t *testing.T) {
	cfg := testConfig()
	cfg.RunID = ""
	a := newRunner(t, cfg, nil, builtins.NewHold())
	b := newRunner(t, cfg, nil, builtins.NewHold())
	if a.RunID() == "" || a.RunID() == b.RunID() {
		t.Errorf("run ids %q and %q, want distinct non-empty", a.RunID(), b.RunID())
	}
}

func TestRejections(t *testing.T) {
	t.Run("no_position", func(t *testing.T) {
		s := &scripted{actions: map[int]domain.Action{1: sell(1)}}
		res := newRunner(t, testConfig(), flat(3), s).Run(context.Background())
		if countEvents(res.Audit, "no_position") != 1 {
			t.Error("expected no_position")
		}
	})

	t.Run("position_limit", func(t *testing.T) {
		cfg := testConfig()
		cfg.Risk.MaxPositionQty = 5
		s := &scripted{actions: map[int]domain.Action{1: buy(6), 2: buy(5)}}
		res := newRunner(t, cfg, flat(4), s).Run(context.Background())
		if countEvents(res.Audit, "position_limit") != 1 {
			t.Error("expected one position_limit")
		}
		if res.Summary.Trades != 1 || res.Trades[0].Qty != 5 {
			t.Errorf("trades = %+v, want a single 5-unit fill", res.Trades)
		}
	})

	t.Run("exposure_limit", func(t *testing.T) {
		cfg := testConfig()
		cfg.Risk.MaxExposurePct = 0.5
		s := &scripted{actions: map[int]domain.Action{1: buy(60)}}
		res := newRunner(t, cfg, flat(3), s).Run(context.Background())
		if countEvents(res.Audit, "exposure_limit") != 1 || res.Summary.Trades != 0 {
			t.Error("expected exposure_limit and no trades")
		}
	})

	t.Run("insufficient_cash", func(t *testing.T) {
		cfg := testConfig()
		cfg.SizeMode = SizePctEquity
		s := &scripted{actions: map[int]domain.Action{1: buy(1), 3: buy(0.5)}}
		res := newRunner(t, cfg, flat(4), s).Run(context.Background())
		if res.Summary.Trades != 1 || res.Trades[0].Qty != 100 {
			t.Fatalf("trades = %+v, want one 100-unit fill", res.Trades)
		}
		if countEvents(res.Audit, "insufficient_cash") != 1 {
			t.Error("expected insufficient_cash once cash is spent")
		}
	})

	t.Run("non_positive_size", func(t *testing.T) {
		s := &scripted{actions: map[int]domain.Action{1: buy(0), 2: buy(-3)}}
		res := newRunner(t, testConfig(), flat(3), s).Run(context.Background())
		if countEvents(res.Audit, "non_positive_size") != 2 {
			t.Error("expected two non_positive_size")
		}
	})

	t.Run("position_reserved", func(t *testing.T) {
		cfg := testConfig()
		cfg.Execution = broker.CompleteConfig(0)
		cfg.Execution.MaxFillPct = 1
		cfg.Execution.SellKind = broker.KindLimit
		cfg.Execution.LimitOffsetBps = 1000
		s := &scripted{actions: map[int]domain.Action{1: buy(10), 2: sell(10), 3: sell(5)}}
		res := newRunner(t, cfg, flat(5), s).Run(context.Background())
		if countEvents(res.Audit, "position_reserved") != 1 {
			t.Error("expected position_reserved while the limit sell rests")
		}
		if got := res.Equity[len(res.Equity)-1].PositionQty; got != 10 {
			t.Errorf("position = %v, want 10", got)
		}
	})
}

func TestPctEquitySizing(t *testing.T) {
	cfg := testConfig()
	cfg.SizeMode = SizePctEquity
	s := &scripted{actions: map[int]domain.Action{1: buy(0.5), 3: sell(0.5), 5: sell(7)}}
	res := newRunner(t, cfg, flat(6), s).Run(context.Background())

	want := []float64{50, 25, 25}
	if len(res.Trades) != len(want) {
		t.Fatalf("trades = %+v", res.Trades)
	}
	for i, q := range want {
		if res.Trades[i].Qty != q {
			t.Errorf("trade %d qty = %v, want %v", i, res.Trades[i].Qty, q)
		}
	}
	if got := res.Equity[len(res.Equity)-1].PositionQty; got != 0 {
		t.Errorf("final position = %v, want 0", got)
	}
}

func TestSimpleModelReplacesOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.LatencyBars = 3
	s := &scripted{actions: map[int]domain.Action{1: buy(1), 2: buy(2)}}
	res := newRunner(t, cfg, flat(6), s).Run(context.Background())
	if countEvents(res.Audit, "order_replaced") != 1 {
		t.Error("expected order_replaced")
	}
	if len(res.Trades) != 1 || res.Trades[0].Qty != 2 {
		t.Errorf("trades = %+v, want only the replacement", res.Trades)
	}
}

func TestDrawdownHalt(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MaxDrawdownPct = 0.05
	s := &scripted{actions: map[int]domain.Action{1: buy(90), 4: buy(1), 5: sell(90)}}
	res := newRunner(t, cfg, barsFrom([]float64{100, 100, 90, 80, 70, 60}), s).Run(context.Background())

	if !res.Halted {
		t.Fatal("expected trading to halt")
	}
	if countEvents(res.Audit, "halt_drawdown") != 1 {
		t.Errorf("halt_drawdown events = %d, want 1", countEvents(res.Audit, "halt_drawdown"))
	}
	if res.Summary.Trades != 1 {
		t.Errorf("trades = %d, want only the pre-halt buy", res.Summary.Trades)
	}
	if s.calls != 3 {
		t.Errorf("decisions = %d, want 3 before the halt", s.calls)
	}
	if res.State != StateCompleted {
		t.Errorf("State = %v, want completed", res.State)
	}
}

func TestPartialFeaturesPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Features = features.Config{SMAWindows: []int{5}}

	s := &scripted{}
	newRunner(t, cfg, flat(10), s).Run(context.Background())
	if s.calls != 6 {
		t.Errorf("decisions = %d, want 6 once sma_5 is ready", s.calls)
	}

	cfg.Policy.AllowPartialFeatures = true
	s = &scripted{}
	newRunner(t, cfg, flat(10), s).Run(context.Background())
	if s.calls != 10 {
		t.Errorf("decisions = %d, want 10 with partial features allowed", s.calls)
	}
}

func TestSignalsFeedObservation(t *testing.T) {
	sig := &feed.Signals{
		Schema: []string{"sentiment"},
		Points: []feed.SignalPoint{{Timestamp: baseTS + 60, Values: []float64{0.7}}},
	}
	var seen []features.Observation
	obs := &observer{fn: func(o features.Observation) { seen = append(seen, o) }}

	r, err := NewRunner(testConfig(), feed.NewSliceSource(flat(3)), obs, sig, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Run(context.Background())

	if len(seen) != 3 {
		t.Fatalf("decisions = %d, want 3", len(seen))
	}
	if seen[0].Len() != 2 || seen[0].Present[1] {
		t.Errorf("bar 1 observation = %+v, want missing signal", seen[0])
	}
	if !seen[1].Present[1] || seen[1].Values[1] != 0.7 {
		t.Errorf("bar 2 observation = %+v, want signal 0.7", seen[1])
	}
}

type observer struct {
	fn func(features.Observation)
}

func (o *observer) Name() string { return "observer" }

func (o *observer) Decide(_ context.Context, req strategy.Request) strategy.Decision {
	o.fn(req.Observation)
	return strategy.Decision{Action: domain.Hold("")}
}
