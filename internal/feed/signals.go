package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ErrNegativeLag is returned for a signal lag below zero, which would let a
// bar see rows published after it.
var ErrNegativeLag = errors.New("signal lag must be >= 0")

// MissingPolicy decides what happens to empty or unparseable signal cells.
type MissingPolicy string

const (
	MissingError   MissingPolicy = "error"
	MissingZero    MissingPolicy = "zero_fill"
	MissingForward MissingPolicy = "forward_fill"
	MissingDrop    MissingPolicy = "drop_row"
)

// ParseMissingPolicy maps a config string to a policy. The empty string
// means MissingError.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch p := MissingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MissingError, nil
	case MissingError, MissingZero, MissingForward, MissingDrop:
		return p, nil
	}
	return "", fmt.Errorf("unknown missing-value policy %q", s)
}

// SignalPoint is one row of an external signal series.
type SignalPoint struct {
	Timestamp int64
	Values    []float64
}

// SignalsReport describes anomalies found while loading a signal file.
type SignalsReport struct {
	Duplicates      int      `json:"duplicates"`
	OutOfOrder      int      `json:"out_of_order"`
	MissingValues   int      `json:"missing_values"`
	InvalidValues   int      `json:"invalid_values"`
	DroppedRows     int      `json:"dropped_rows"`
	FirstTimestamp  *int64   `json:"first_timestamp,omitempty"`
	LastTimestamp   *int64   `json:"last_timestamp,omitempty"`
	FirstDuplicate  *int64   `json:"first_duplicate,omitempty"`
	FirstOutOfOrder *int64   `json:"first_out_of_order,omitempty"`
	Schema          []string `json:"schema"`
}

// Signals is a time-sorted external signal series. Lag delays visibility:
// a row stamped ts becomes usable at ts+Lag.
type Signals struct {
	Schema []string
	Points []SignalPoint
	Lag    int64
}

// Width is the number of values per row.
func (s *Signals) Width() int {
	if s == nil {
		return 0
	}
	return len(s.Schema)
}

// At returns the latest row with Timestamp+Lag <= ts.
func (s *Signals) At(ts int64) ([]float64, bool) {
	if s == nil || len(s.Points) == 0 {
		return nil, false
	}
	cutoff := ts - s.Lag
	i := sort.Search(len(s.Points), func(i int) bool { return s.Points[i].Timestamp > cutoff })
	if i == 0 {
		return nil, false
	}
	return s.Points[i-1].Values, true
}

// LoadSignals reads a signal CSV (see ReadSignals).
func LoadSignals(path string, policy MissingPolicy, lag int64) (*Signals, SignalsReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, SignalsReport{}, fmt.Errorf("opening signals CSV %s: %w", path, err)
	}
	defer f.Close()

	sig, rep, err := ReadSignals(f, policy, lag)
	if err != nil {
		return nil, rep, fmt.Errorf("reading signals CSV %s: %w", path, err)
	}
	return sig, rep, nil
}

// ReadSignals parses rows "timestamp_utc,v1,...,vn". The first column is
// the timestamp; the remaining header names form the schema. Duplicate
// timestamps keep the last row.
func ReadSignals(r io.Reader, policy MissingPolicy, lag int64) (*Signals, SignalsReport, error) {
	var rep SignalsReport
	if lag < 0 {
		return nil, rep, fmt.Errorf("%w: %d", ErrNegativeLag, lag)
	}
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Signals{Lag: lag}, rep, nil
		}
		return nil, rep, err
	}
	for _, h := range header[1:] {
		rep.Schema = append(rep.Schema, strings.TrimSpace(h))
	}
	width := len(rep.Schema)

	rows := make(map[int64][]*float64)
	var lastTS *int64
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, rep, fmt.Errorf("line %d: %w", line, err)
		}
		ts, err := ParseTimestamp(rec[0])
		if err != nil {
			return nil, rep, fmt.Errorf("line %d: %w", line, err)
		}
		setOnce(&rep.FirstTimestamp, ts)
		if lastTS != nil && ts < *lastTS {
			rep.OutOfOrder++
			setOnce(&rep.FirstOutOfOrder, ts)
		}
		lastTS = ptr(ts)
		rep.LastTimestamp = ptr(ts)

		vals := make([]*float64, width)
		for i := range vals {
			raw := ""
			if i+1 < len(rec) {
				raw = strings.TrimSpace(rec[i+1])
			}
			if raw == "" {
				rep.MissingValues++
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || !isFinite(v) {
				rep.InvalidValues++
				if policy == MissingError {
					return nil, rep, fmt.Errorf("line %d: invalid value %q in column %s", line, raw, rep.Schema[i])
				}
				continue
			}
			vals[i] = &v
		}
		if _, dup := rows[ts]; dup {
			rep.Duplicates++
			setOnce(&rep.FirstDuplicate, ts)
		}
		rows[ts] = vals
	}

	keys := make([]int64, 0, len(rows))
	for ts := range rows {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	sig := &Signals{Schema: rep.Schema, Lag: lag}
	last := make([]float64, width)
	for _, ts := range keys {
		vals := rows[ts]
		resolved := make([]float64, width)
		missing := false
		for i, v := range vals {
			if v != nil {
				resolved[i] = *v
				last[i] = *v
				continue
			}
			missing = true
			switch policy {
			case MissingError:
				return nil, rep, fmt.Errorf("missing value for %s at ts=%d", rep.Schema[i], ts)
			case MissingForward:
				resolved[i] = last[i]
			}
		}
		if missing && policy == MissingDrop {
			rep.DroppedRows++
			continue
		}
		sig.Points = append(sig.Points, SignalPoint{Timestamp: ts, Values: resolved})
	}
	return sig, rep, nil
}
