package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"kairos/internal/domain"
)

// ErrBadTimestamp is returned for timestamps in none of the accepted layouts.
var ErrBadTimestamp = errors.New("unsupported timestamp format")

var ohlcvColumns = []string{"timestamp_utc", "open", "high", "low", "close", "volume"}

// Accepted timestamp layouts, tried in order. Layouts without an offset
// are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a CSV timestamp into Unix seconds.
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// LoadCSV reads an OHLCV file (see ReadCSV).
func LoadCSV(path, symbol string, step int64) ([]domain.Bar, QualityReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, QualityReport{}, fmt.Errorf("opening OHLCV CSV %s: %w", path, err)
	}
	defer f.Close()

	bars, q, err := ReadCSV(f, symbol, step)
	if err != nil {
		return nil, q, fmt.Errorf("reading OHLCV CSV %s: %w", path, err)
	}
	return bars, q, nil
}

// ReadCSV parses rows with the header timestamp_utc,open,high,low,close,volume.
// Column order is free; extra columns are ignored. Rows with a non-finite or
// non-positive close are skipped and counted. The quality report describes
// the rows in file order; the returned bars are sorted and deduplicated with
// the last occurrence of a timestamp winning.
func ReadCSV(r io.Reader, symbol string, step int64) ([]domain.Bar, QualityReport, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, QualityReport{}, nil
		}
		return nil, QualityReport{}, err
	}
	idx, err := columnIndex(header, ohlcvColumns)
	if err != nil {
		return nil, QualityReport{}, err
	}

	var (
		raw          []domain.Bar
		invalid      int
		firstInvalid *int64
	)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, QualityReport{}, fmt.Errorf("line %d: %w", line, err)
		}
		b, err := parseBarRow(row, idx)
		if err != nil {
			return nil, QualityReport{}, fmt.Errorf("line %d: %w", line, err)
		}
		b.Symbol = symbol
		if !isValidClose(b.Close) {
			invalid++
			setOnce(&firstInvalid, b.Timestamp)
			continue
		}
		raw = append(raw, b)
	}

	q := Analyze(raw, step)
	q.InvalidClose = invalid
	q.FirstInvalidClose = firstInvalid
	return normalize(raw), q, nil
}

// normalize sorts bars by timestamp and keeps the last bar seen for each
// timestamp.
func normalize(bars []domain.Bar) []domain.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp })
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Timestamp == b.Timestamp {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

func columnIndex(header, want []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	idx := make([]int, len(want))
	for i, name := range want {
		p, ok := pos[name]
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		idx[i] = p
	}
	return idx, nil
}

func parseBarRow(row []string, idx []int) (domain.Bar, error) {
	field := func(i int) (string, error) {
		if idx[i] >= len(row) {
			return "", fmt.Errorf("missing field %q", ohlcvColumns[i])
		}
		return strings.TrimSpace(row[idx[i]]), nil
	}

	s, err := field(0)
	if err != nil {
		return domain.Bar{}, err
	}
	ts, err := ParseTimestamp(s)
	if err != nil {
		return domain.Bar{}, err
	}

	var vals [5]float64
	for i := range vals {
		s, err := field(i + 1)
		if err != nil {
			return domain.Bar{}, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("field %q: %w", ohlcvColumns[i+1], err)
		}
		vals[i] = v
	}
	return domain.Bar{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
