package domain

import (
	"math"
	"testing"
	"time"
)

func TestBarTime(t *testing.T) {
	bar := Bar{Symbol: "BTCUSDT", Timestamp: 1704067200}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !bar.Time().Equal(want) {
		t.Errorf("Time() = %v, want %v", bar.Time(), want)
	}
}

func TestBarValidate(t *testing.T) {
	good := Bar{Symbol: "X", Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	cases := []Bar{
		{Open: math.NaN(), High: 1, Low: 1, Close: 1},
		{Open: 1, High: math.Inf(1), Low: 1, Close: 1},
		{Open: 1, High: 1, Low: 1, Close: 1, Volume: -1},
		{Open: 1, High: 1, Low: 1, Close: 1, Volume: math.NaN()},
	}
	for i, b := range cases {
		if err := b.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestParseActionType(t *testing.T) {
	tests := map[string]ActionType{
		"BUY":   ActionBuy,
		"buy":   ActionBuy,
		" Sell": ActionSell,
		"HOLD":  ActionHold,
		"SHORT": ActionHold,
		"":      ActionHold,
	}
	for in, want := range tests {
		if got := ParseActionType(in); got != want {
			t.Errorf("ParseActionType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestActionNormalize(t *testing.T) {
	a := Action{Type: ActionHold, Size: 3}.Normalize()
	if a.Size != 0 {
		t.Errorf("Hold size = %v, want 0", a.Size)
	}

	a = Action{Type: ActionBuy, Size: -2}.Normalize()
	if a.Size != 0 || a.Type != ActionBuy {
		t.Errorf("negative buy normalized to %+v", a)
	}

	a = Action{Type: "WAT", Size: 1}.Normalize()
	if a.Type != ActionHold || a.Size != 0 {
		t.Errorf("unknown type normalized to %+v", a)
	}
}

func TestActionSide(t *testing.T) {
	if s, ok := (Action{Type: ActionBuy}).Side(); !ok || s != SideBuy {
		t.Errorf("Buy side = %v, %v", s, ok)
	}
	if s, ok := (Action{Type: ActionSell}).Side(); !ok || s != SideSell {
		t.Errorf("Sell side = %v, %v", s, ok)
	}
	if _, ok := Hold("").Side(); ok {
		t.Error("Hold should have no side")
	}
}
