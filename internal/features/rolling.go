package features

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidWindow is returned when an estimator is built with a window < 1.
var ErrInvalidWindow = errors.New("window must be positive")

// lossFloor keeps RS finite when a window holds no losses.
const lossFloor = 1e-9

// ReturnMode selects how consecutive closes become returns.
type ReturnMode string

const (
	ReturnLog ReturnMode = "log"
	ReturnPct ReturnMode = "pct"
)

// ring is a fixed-capacity FIFO of float64 values.
type ring struct {
	buf  []float64
	head int
	n    int
}

func newRing(capacity int) ring {
	return ring{buf: make([]float64, capacity)}
}

// push appends v and returns the evicted value when the ring was full.
func (r *ring) push(v float64) (evicted float64, full bool) {
	if r.n == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return 0, false
}

func (r *ring) full() bool { return r.n == len(r.buf) }

// RollingMean is a simple moving average over the last w values.
type RollingMean struct {
	w   int
	win ring
	sum float64
}

// NewRollingMean returns a moving average with window w.
func NewRollingMean(w int) (*RollingMean, error) {
	if w < 1 {
		return nil, fmt.Errorf("rolling mean: %w (got %d)", ErrInvalidWindow, w)
	}
	return &RollingMean{w: w, win: newRing(w)}, nil
}

// Window returns the configured window size.
func (m *RollingMean) Window() int { return m.w }

// Update pushes v and returns the mean once the window is full.
func (m *RollingMean) Update(v float64) (float64, bool) {
	old, evicted := m.win.push(v)
	m.sum += v
	if evicted {
		m.sum -= old
	}
	if !m.win.full() {
		return 0, false
	}
	return m.sum / float64(m.w), true
}

// RollingStd is the population standard deviation over the last w values.
type RollingStd struct {
	w     int
	win   ring
	sum   float64
	sumSq float64
}

// NewRollingStd returns a rolling dispersion estimator with window w.
func NewRollingStd(w int) (*RollingStd, error) {
	if w < 1 {
		return nil, fmt.Errorf("rolling std: %w (got %d)", ErrInvalidWindow, w)
	}
	return &RollingStd{w: w, win: newRing(w)}, nil
}

// Window returns the configured window size.
func (s *RollingStd) Window() int { return s.w }

// Update pushes v and returns the deviation once the window is full.
func (s *RollingStd) Update(v float64) (float64, bool) {
	old, evicted := s.win.push(v)
	s.sum += v
	s.sumSq += v * v
	if evicted {
		s.sum -= old
		s.sumSq -= old * old
	}
	if !s.win.full() {
		return 0, false
	}
	n := float64(s.w)
	mean := s.sum / n
	return math.Sqrt(math.Max(0, s.sumSq/n-mean*mean)), true
}

// RSI is a windowed relative strength oscillator over close-to-close
// returns.
type RSI struct {
	w      int
	mode   ReturnMode
	gains  ring
	losses ring
	sumG   float64
	sumL   float64
	prev   float64
	seen   bool
}

// NewRSI returns an RSI over w returns computed with the given mode.
func NewRSI(w int, mode ReturnMode) (*RSI, error) {
	if w < 1 {
		return nil, fmt.Errorf("rsi: %w (got %d)", ErrInvalidWindow, w)
	}
	if mode == "" {
		mode = ReturnLog
	}
	if mode != ReturnLog && mode != ReturnPct {
		return nil, fmt.Errorf("rsi: unsupported return mode %q", mode)
	}
	return &RSI{w: w, mode: mode, gains: newRing(w), losses: newRing(w)}, nil
}

// Window returns the configured window size.
func (r *RSI) Window() int { return r.w }

// Update consumes the next close. The previous close is always replaced,
// even when the return between the two cannot be computed.
func (r *RSI) Update(close float64) (float64, bool) {
	prev, seen := r.prev, r.seen
	r.prev, r.seen = close, true
	if !seen {
		return 0, false
	}
	if prev <= 0 || !isFinite(prev) || !isFinite(close) {
		return 0, false
	}

	diff := computeReturn(prev, close, r.mode)
	if !isFinite(diff) {
		return 0, false
	}
	gain, loss := 0.0, 0.0
	if diff > 0 {
		gain = diff
	} else {
		loss = -diff
	}

	if old, ok := r.gains.push(gain); ok {
		r.sumG -= old
	}
	if old, ok := r.losses.push(loss); ok {
		r.sumL -= old
	}
	r.sumG += gain
	r.sumL += loss

	if !r.gains.full() {
		return 0, false
	}
	if r.sumG <= 0 && r.sumL <= 0 {
		return 50, true
	}
	rs := r.sumG / math.Max(r.sumL, lossFloor)
	return 100 - 100/(1+rs), true
}

func computeReturn(prev, cur float64, mode ReturnMode) float64 {
	if mode == ReturnPct {
		return cur/prev - 1
	}
	return math.Log(cur / prev)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
