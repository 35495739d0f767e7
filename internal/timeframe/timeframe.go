// Package timeframe normalizes human timeframe and duration strings into
// canonical labels and step sizes in seconds.
package timeframe

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
	ErrUnsupportedUnit      = errors.New("unsupported duration unit")
	ErrInvalidSeconds       = errors.New("invalid seconds value")
)

const (
	Minute = 60
	Hour   = 60 * Minute
	Day    = 24 * Hour
	Week   = 7 * Day
	Month  = 30 * Day
)

// Timeframe is a canonical label plus its step in seconds. StepSeconds is
// always positive for values returned by this package.
type Timeframe struct {
	Label       string `json:"label" yaml:"label"`
	StepSeconds int64  `json:"step_seconds" yaml:"step_seconds"`
}

func (tf Timeframe) String() string { return tf.Label }

var aliases = map[string]Timeframe{
	"1m": {"1min", Minute}, "1min": {"1min", Minute},
	"3m": {"3min", 3 * Minute}, "3min": {"3min", 3 * Minute},
	"5m": {"5min", 5 * Minute}, "5min": {"5min", 5 * Minute},
	"15m": {"15min", 15 * Minute}, "15min": {"15min", 15 * Minute},
	"30m": {"30min", 30 * Minute}, "30min": {"30min", 30 * Minute},
	"1h": {"1hour", Hour}, "1hour": {"1hour", Hour}, "60m": {"1hour", Hour},
	"2h": {"2hour", 2 * Hour}, "2hour": {"2hour", 2 * Hour},
	"4h": {"4hour", 4 * Hour}, "4hour": {"4hour", 4 * Hour},
	"6h": {"6hour", 6 * Hour}, "6hour": {"6hour", 6 * Hour},
	"8h": {"8hour", 8 * Hour}, "8hour": {"8hour", 8 * Hour},
	"12h": {"12hour", 12 * Hour}, "12hour": {"12hour", 12 * Hour},
	"1d": {"1day", Day}, "1day": {"1day", Day}, "24h": {"1day", Day},
	"1w": {"1week", Week}, "1week": {"1week", Week},
	"1mo": {"1month", Month}, "1month": {"1month", Month},
}

// Parse maps a timeframe alias such as "5m" or "1hour" to its canonical form.
func Parse(s string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if tf, ok := aliases[key]; ok {
		return tf, nil
	}
	return Timeframe{}, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, s)
}

// ParseSeconds accepts a strictly positive integer number of seconds.
func ParseSeconds(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSeconds, s)
	}
	return n, nil
}

// ParseOrSeconds tries Parse first and falls back to a raw seconds count,
// in which case the label is the input string itself.
func ParseOrSeconds(s string) (Timeframe, error) {
	if tf, err := Parse(s); err == nil {
		return tf, nil
	}
	n, err := ParseSeconds(s)
	if err != nil {
		return Timeframe{}, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, s)
	}
	return Timeframe{Label: strings.TrimSpace(s), StepSeconds: n}, nil
}

var units = map[string]int64{
	"s":     1,
	"m":     Minute,
	"min":   Minute,
	"h":     Hour,
	"hour":  Hour,
	"d":     Day,
	"day":   Day,
	"w":     Week,
	"week":  Week,
	"mo":    Month,
	"month": Month,
}

// ParseDurationSeconds parses "90", "15m", "2h", "1mo" and similar into
// seconds. The numeric part must be a positive integer.
func ParseDurationSeconds(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalidSeconds)
	}

	i := 0
	for i < len(v) && v[i] >= '0' && v[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSeconds, s)
	}
	n, err := strconv.ParseInt(v[:i], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSeconds, s)
	}

	unit := strings.TrimSpace(v[i:])
	if unit == "" {
		return n, nil
	}
	mult, ok := units[unit]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedUnit, unit)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSeconds, s)
	}
	return n * mult, nil
}
