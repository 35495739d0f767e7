// Package features turns a bar stream into fixed-shape observation vectors
// using O(1) streaming estimators.
package features

import (
	"fmt"
	"strconv"

	"kairos/internal/domain"
)

// DefaultRSIWindow is used when RSI is enabled without an explicit window.
const DefaultRSIWindow = 14

// Config selects the indicators that make up an observation.
type Config struct {
	ReturnMode    ReturnMode `yaml:"return_mode"`
	SMAWindows    []int      `yaml:"sma_windows"`
	VolWindows    []int      `yaml:"vol_windows"`
	RSIEnabled    bool       `yaml:"rsi_enabled"`
	RSIWindow     int        `yaml:"rsi_window"`
	ExternalWidth int        `yaml:"external_width"`
}

// Observation is the feature vector for one bar. Present[i] is false when
// Values[i] is not yet available; such slots hold 0.
type Observation struct {
	Values  []float64
	Present []bool

	// required is the number of leading indicator slots that gate decisions.
	required int
}

// Len returns the number of slots.
func (o Observation) Len() int { return len(o.Values) }

// Ready reports whether every configured indicator is available. External
// signal slots do not gate readiness.
func (o Observation) Ready() bool {
	for i := 0; i < o.required && i < len(o.Present); i++ {
		if !o.Present[i] {
			return false
		}
	}
	return true
}

// Complete reports whether every slot, external ones included, is present.
func (o Observation) Complete() bool {
	for _, p := range o.Present {
		if !p {
			return false
		}
	}
	return true
}

// Dense returns a copy of Values. Missing slots are 0.
func (o Observation) Dense() []float64 {
	out := make([]float64, len(o.Values))
	copy(out, o.Values)
	return out
}

// Pipeline holds per-run estimator state. It is not safe for concurrent use.
type Pipeline struct {
	cfg   Config
	names []string
	sma   []*RollingMean
	vol   []*RollingStd
	rsi   *RSI

	prevClose float64
	hasPrev   bool
}

// NewPipeline validates cfg and builds fresh estimators.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.ReturnMode == "" {
		cfg.ReturnMode = ReturnLog
	}
	if cfg.ReturnMode != ReturnLog && cfg.ReturnMode != ReturnPct {
		return nil, fmt.Errorf("features: unsupported return mode %q", cfg.ReturnMode)
	}
	if cfg.ExternalWidth < 0 {
		return nil, fmt.Errorf("features: negative external width %d", cfg.ExternalWidth)
	}

	p := &Pipeline{cfg: cfg, names: []string{"return"}}
	for _, w := range cfg.SMAWindows {
		m, err := NewRollingMean(w)
		if err != nil {
			return nil, fmt.Errorf("features: sma: %w", err)
		}
		p.sma = append(p.sma, m)
		p.names = append(p.names, "sma_"+strconv.Itoa(w))
	}
	for _, w := range cfg.VolWindows {
		s, err := NewRollingStd(w)
		if err != nil {
			return nil, fmt.Errorf("features: vol: %w", err)
		}
		p.vol = append(p.vol, s)
		p.names = append(p.names, "vol_"+strconv.Itoa(w))
	}
	if cfg.RSIEnabled {
		w := cfg.RSIWindow
		if w == 0 {
			w = DefaultRSIWindow
		}
		r, err := NewRSI(w, cfg.ReturnMode)
		if err != nil {
			return nil, fmt.Errorf("features: %w", err)
		}
		p.rsi = r
		p.names = append(p.names, "rsi_"+strconv.Itoa(w))
	}
	for i := 0; i < cfg.ExternalWidth; i++ {
		p.names = append(p.names, "ext_"+strconv.Itoa(i))
	}
	return p, nil
}

// Names returns the column name of every observation slot.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Index returns the slot index of a named feature, or -1.
func (p *Pipeline) Index(name string) int {
	for i, n := range p.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Width is the constant observation length.
func (p *Pipeline) Width() int { return len(p.names) }

// Update feeds one bar plus optional external values and returns the
// observation for that bar. external may be nil; extra values are ignored.
func (p *Pipeline) Update(bar domain.Bar, external []float64) Observation {
	obs := Observation{
		Values:   make([]float64, 0, len(p.names)),
		Present:  make([]bool, 0, len(p.names)),
		required: len(p.names) - p.cfg.ExternalWidth,
	}
	add := func(v float64, ok bool) {
		if !ok {
			v = 0
		}
		obs.Values = append(obs.Values, v)
		obs.Present = append(obs.Present, ok)
	}

	ret, haveRet := 0.0, false
	if p.hasPrev && p.prevClose > 0 && isFinite(bar.Close) && bar.Close > 0 {
		ret = computeReturn(p.prevClose, bar.Close, p.cfg.ReturnMode)
		haveRet = isFinite(ret)
		if !haveRet {
			ret = 0
		}
	}
	p.prevClose, p.hasPrev = bar.Close, true
	add(ret, true)

	for _, m := range p.sma {
		add(m.Update(bar.Close))
	}
	for _, s := range p.vol {
		if haveRet {
			add(s.Update(ret))
		} else {
			add(0, false)
		}
	}
	if p.rsi != nil {
		add(p.rsi.Update(bar.Close))
	}
	for i := 0; i < p.cfg.ExternalWidth; i++ {
		if i < len(external) && isFinite(external[i]) {
			add(external[i], true)
		} else {
			add(0, false)
		}
	}
	return obs
}
