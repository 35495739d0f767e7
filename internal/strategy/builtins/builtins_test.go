package builtins

import (
	"context"
	"testing"

	"kairos/internal/domain"
	"kairos/internal/features"
	"kairos/internal/strategy"
)

func req(close, held float64) strategy.Request {
	return strategy.Request{
		Bar:       domain.Bar{Close: close},
		Portfolio: domain.PortfolioState{PositionQty: held},
	}
}

func TestRegistryHasBuiltins(t *testing.T) {
	reg := NewRegistry()
	want := []string{BuyAndHoldName, HoldName, SMACrossName, ThresholdName}
	got := reg.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	for _, name := range want {
		s, err := reg.New(name, nil)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("New(%q).Name() = %q", name, s.Name())
		}
	}
}

func TestHold(t *testing.T) {
	d := NewHold().Decide(context.Background(), req(1, 0))
	if d.Action.Type != domain.ActionHold || d.Action.Size != 0 {
		t.Errorf("Hold decided %+v", d.Action)
	}
}

func TestBuyAndHoldBuysOnce(t *testing.T) {
	s, err := NewBuyAndHold(3)
	if err != nil {
		t.Fatal(err)
	}
	first := s.Decide(context.Background(), req(10, 0))
	if first.Action.Type != domain.ActionBuy || first.Action.Size != 3 {
		t.Errorf("first decision = %+v", first.Action)
	}
	for i := 0; i < 5; i++ {
		if d := s.Decide(context.Background(), req(10, 0)); d.Action.Type != domain.ActionHold {
			t.Fatalf("decision %d = %+v, want Hold", i, d.Action)
		}
	}
	if _, err := NewBuyAndHold(0); err == nil {
		t.Error("zero size accepted")
	}
}

func TestSMACross(t *testing.T) {
	s, err := NewSMACross(2, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Warmup.
	for _, c := range []float64{10, 10} {
		if d := s.Decide(ctx, req(c, 0)); d.Action.Type != domain.ActionHold {
			t.Fatalf("warmup decision = %+v", d.Action)
		}
	}
	// Rising: short (10+13)/2=11.5 > long 11 → buy when flat.
	if d := s.Decide(ctx, req(13, 0)); d.Action.Type != domain.ActionBuy || d.Action.Size != 1 {
		t.Fatalf("rising decision = %+v, want Buy 1", d.Action)
	}
	// Still rising while holding → hold.
	if d := s.Decide(ctx, req(14, 1)); d.Action.Type != domain.ActionHold {
		t.Fatalf("holding decision = %+v, want Hold", d.Action)
	}
	// Sharp drop: short (14+5)/2=9.5 < long (13+14+5)/3≈10.67 → sell all.
	d := s.Decide(ctx, req(5, 4))
	if d.Action.Type != domain.ActionSell || d.Action.Size != 4 {
		t.Fatalf("falling decision = %+v, want Sell 4", d.Action)
	}

	if _, err := NewSMACross(5, 5, 1); err == nil {
		t.Error("equal windows accepted")
	}
	if _, err := NewSMACross(0, 5, 1); err == nil {
		t.Error("zero short window accepted")
	}
}

func TestThreshold(t *testing.T) {
	p, _ := features.NewPipeline(features.Config{RSIEnabled: true, RSIWindow: 2, ReturnMode: features.ReturnPct})
	idx := p.Index("rsi_2")
	s, err := NewThreshold(idx, 30, 70, 2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	mk := func(close, held float64) strategy.Request {
		return strategy.Request{
			Bar:         domain.Bar{Close: close},
			Observation: p.Update(domain.Bar{Close: close}, nil),
			Portfolio:   domain.PortfolioState{PositionQty: held},
		}
	}

	if d := s.Decide(ctx, mk(100, 0)); d.Action.Reason != "feature_missing" {
		t.Errorf("missing feature decision = %+v", d.Action)
	}
	mk(90, 0)
	// Two losses → RSI 0 → buy.
	if d := s.Decide(ctx, mk(80, 0)); d.Action.Type != domain.ActionBuy || d.Action.Size != 2 {
		t.Errorf("oversold decision = %+v", d.Action)
	}
	mk(90, 2)
	// Two gains → RSI 100 → sell everything held.
	if d := s.Decide(ctx, mk(100, 2)); d.Action.Type != domain.ActionSell || d.Action.Size != 2 {
		t.Errorf("overbought decision = %+v", d.Action)
	}

	if _, err := NewThreshold(0, 70, 30, 1); err == nil {
		t.Error("inverted bounds accepted")
	}
}
