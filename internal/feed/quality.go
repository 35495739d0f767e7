package feed

import "kairos/internal/domain"

// QualityReport summarizes anomalies found in a bar series. Timestamp
// pointers are nil when the corresponding anomaly never occurred.
type QualityReport struct {
	Duplicates        int    `json:"duplicates"`
	Gaps              int    `json:"gaps"`
	GapCount          int    `json:"gap_count"`
	MaxGapSeconds     *int64 `json:"max_gap_seconds,omitempty"`
	OutOfOrder        int    `json:"out_of_order"`
	InvalidClose      int    `json:"invalid_close"`
	FirstTimestamp    *int64 `json:"first_timestamp,omitempty"`
	LastTimestamp     *int64 `json:"last_timestamp,omitempty"`
	FirstGap          *int64 `json:"first_gap,omitempty"`
	FirstDuplicate    *int64 `json:"first_duplicate,omitempty"`
	FirstOutOfOrder   *int64 `json:"first_out_of_order,omitempty"`
	FirstInvalidClose *int64 `json:"first_invalid_close,omitempty"`
}

// Clean reports whether no anomaly was recorded.
func (q QualityReport) Clean() bool {
	return q.Duplicates == 0 && q.Gaps == 0 && q.OutOfOrder == 0 && q.InvalidClose == 0
}

// Analyze scans bars in their given order. Consecutive bars further apart
// than step seconds count as a gap; step < 1 is treated as 1.
func Analyze(bars []domain.Bar, step int64) QualityReport {
	var q QualityReport
	if len(bars) == 0 {
		return q
	}
	if step < 1 {
		step = 1
	}
	q.FirstTimestamp = ptr(bars[0].Timestamp)

	for i, b := range bars {
		ts := b.Timestamp
		if !isValidClose(b.Close) {
			q.InvalidClose++
			setOnce(&q.FirstInvalidClose, ts)
		}
		if i > 0 {
			q.observe(bars[i-1].Timestamp, ts, step)
		}
	}
	q.LastTimestamp = ptr(bars[len(bars)-1].Timestamp)
	return q
}

// observe classifies the step from prev to ts.
func (q *QualityReport) observe(prev, ts, step int64) {
	switch {
	case ts == prev:
		q.Duplicates++
		setOnce(&q.FirstDuplicate, ts)
	case ts < prev:
		q.OutOfOrder++
		setOnce(&q.FirstOutOfOrder, ts)
	default:
		diff := ts - prev
		if diff > step {
			q.Gaps++
			q.GapCount++
			setOnce(&q.FirstGap, ts)
			if q.MaxGapSeconds == nil || diff > *q.MaxGapSeconds {
				q.MaxGapSeconds = ptr(diff)
			}
		}
	}
}

func isValidClose(v float64) bool {
	return isFinite(v) && v > 0
}

func setOnce(dst **int64, v int64) {
	if *dst == nil {
		*dst = ptr(v)
	}
}

func ptr(v int64) *int64 { return &v }
