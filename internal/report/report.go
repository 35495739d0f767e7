// Package report writes run artifacts: trade and equity CSVs, a JSON and
// HTML summary and the JSONL audit trail.
package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"kairos/internal/domain"
	"kairos/internal/engine"
	"kairos/internal/metrics"
)

// Artifact file names inside a run directory.
const (
	TradesFile  = "trades.csv"
	EquityFile  = "equity.csv"
	SummaryFile = "summary.json"
	HTMLFile    = "summary.html"
	AuditFile   = "audit.jsonl"
)

var (
	tradesHeader = []string{"timestamp_utc", "symbol", "side", "qty", "price", "fee", "slippage", "strategy_id", "reason"}
	equityHeader = []string{"timestamp_utc", "equity", "cash", "position_qty", "unrealized_pnl", "realized_pnl"}
)

// ErrBadArtifact is returned when a CSV artifact cannot be parsed back.
var ErrBadArtifact = errors.New("malformed artifact")

// dec converts v to a decimal rounded to 10 places. NaN and infinities,
// which decimal cannot represent, become 0.
func dec(v float64) decimal.Decimal {
	d, err := decimal.NewFromString(strconv.FormatFloat(v, 'g', -1, 64))
	if err != nil {
		return decimal.Zero
	}
	return d.Round(10)
}

// num renders v without exponent notation.
func num(v float64) string { return dec(v).String() }

// rounded is v after the same rounding, for JSON output.
func rounded(v float64) float64 { return dec(v).InexactFloat64() }

// WriteTradesCSV writes one row per trade. Timestamps are epoch seconds.
func WriteTradesCSV(w io.Writer, trades []domain.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradesHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := cw.Write([]string{
			strconv.FormatInt(t.Timestamp, 10),
			t.Symbol,
			strings.ToUpper(string(t.Side)),
			num(t.Qty),
			num(t.Price),
			num(t.Fee),
			num(t.Slippage),
			t.StrategyID,
			t.Reason,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquityCSV writes one row per equity point.
func WriteEquityCSV(w io.Writer, points []domain.EquityPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(equityHeader); err != nil {
		return err
	}
	for _, p := range points {
		if err := cw.Write([]string{
			strconv.FormatInt(p.Timestamp, 10),
			num(p.Equity),
			num(p.Cash),
			num(p.PositionQty),
			num(p.UnrealizedPnL),
			num(p.RealizedPnL),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAuditJSONL writes one JSON object per line.
func WriteAuditJSONL(w io.Writer, events []domain.AuditEvent) error {
	enc := json.NewEncoder(w)
	for i, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("audit event %d (%s): %w", i, e.Type, err)
		}
	}
	return nil
}

// Meta describes the run a summary belongs to.
type Meta struct {
	RunID     string `json:"run_id"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Strategy  string `json:"strategy"`
	State     string `json:"state"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	StartedAt string `json:"started_at,omitempty"`
	Finished  string `json:"finished_at,omitempty"`
	Halted    bool   `json:"halted"`
	Error     string `json:"error,omitempty"`
}

// SummaryDoc is the layout of summary.json.
type SummaryDoc struct {
	Meta           Meta     `json:"meta"`
	ConfigSnapshot any      `json:"config_snapshot,omitempty"`
	DataQuality    any      `json:"data_quality,omitempty"`
	FeatureNames   []string `json:"feature_names,omitempty"`
	BarsProcessed  int      `json:"bars_processed"`
	Trades         int      `json:"trades"`
	WinRate        float64  `json:"win_rate"`
	NetProfit      float64  `json:"net_profit"`
	Sharpe         float64  `json:"sharpe"`
	MaxDrawdown    float64  `json:"max_drawdown"`
}

// NewSummaryDoc builds the summary document for res. snapshot is an
// optional copy of the run configuration.
func NewSummaryDoc(res engine.Result, snapshot any) SummaryDoc {
	meta := Meta{
		RunID:     res.RunID,
		Symbol:    res.Symbol,
		Timeframe: res.Timeframe,
		Strategy:  res.Strategy,
		State:     string(res.State),
		Halted:    res.Halted,
	}
	if len(res.Equity) > 0 {
		meta.Start = res.Equity[0].Timestamp
		meta.End = res.Equity[len(res.Equity)-1].Timestamp
	}
	if !res.StartedAt.IsZero() {
		meta.StartedAt = res.StartedAt.Format("2006-01-02T15:04:05.000Z07:00")
		meta.Finished = res.FinishedAt.Format("2006-01-02T15:04:05.000Z07:00")
	}
	if res.Err != nil {
		meta.Error = res.Err.Error()
	}
	doc := SummaryDoc{
		Meta:           meta,
		ConfigSnapshot: snapshot,
		FeatureNames:   res.Features,
		BarsProcessed:  res.Summary.BarsProcessed,
		Trades:         res.Summary.Trades,
		WinRate:        rounded(res.Summary.WinRate),
		NetProfit:      rounded(res.Summary.NetProfit),
		Sharpe:         rounded(res.Summary.Sharpe),
		MaxDrawdown:    rounded(res.Summary.MaxDrawdown),
	}
	if res.Quality != nil {
		doc.DataQuality = res.Quality
	}
	return doc
}

// WriteSummaryJSON writes doc as indented JSON.
func WriteSummaryJSON(w io.Writer, doc SummaryDoc) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteRun writes every artifact of res under <dir>/<run_id>/ and returns
// that directory.
func WriteRun(dir string, res engine.Result, snapshot any) (string, error) {
	if res.RunID == "" || strings.ContainsAny(res.RunID, `/\`) || res.RunID == "." || res.RunID == ".." {
		return "", fmt.Errorf("invalid run id %q", res.RunID)
	}
	runDir := filepath.Join(dir, res.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", runDir, err)
	}

	doc := NewSummaryDoc(res, snapshot)
	writers := []struct {
		name  string
		write func(io.Writer) error
	}{
		{TradesFile, func(w io.Writer) error { return WriteTradesCSV(w, res.Trades) }},
		{EquityFile, func(w io.Writer) error { return WriteEquityCSV(w, res.Equity) }},
		{SummaryFile, func(w io.Writer) error { return WriteSummaryJSON(w, doc) }},
		{HTMLFile, func(w io.Writer) error { return WriteSummaryHTML(w, doc) }},
		{AuditFile, func(w io.Writer) error { return WriteAuditJSONL(w, res.Audit) }},
	}
	for _, wr := range writers {
		if err := writeFile(filepath.Join(runDir, wr.name), wr.write); err != nil {
			return runDir, fmt.Errorf("writing %s: %w", wr.name, err)
		}
	}
	return runDir, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ---------------------------------------------------------------------------
// Reading artifacts back
// ---------------------------------------------------------------------------

// ReadTradesCSV parses a trades.csv written by WriteTradesCSV.
func ReadTradesCSV(r io.Reader) ([]domain.Trade, error) {
	rows, err := readRows(r, tradesHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Trade, 0, len(rows))
	for i, row := range rows {
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: trades row %d: timestamp %q", ErrBadArtifact, i+2, row[0])
		}
		var side domain.Side
		switch strings.ToUpper(row[2]) {
		case "BUY":
			side = domain.SideBuy
		case "SELL":
			side = domain.SideSell
		default:
			return nil, fmt.Errorf("%w: trades row %d: side %q", ErrBadArtifact, i+2, row[2])
		}
		vals, err := floats(row[3:7])
		if err != nil {
			return nil, fmt.Errorf("%w: trades row %d: %v", ErrBadArtifact, i+2, err)
		}
		out = append(out, domain.Trade{
			Timestamp:  ts,
			Symbol:     row[1],
			Side:       side,
			Qty:        vals[0],
			Price:      vals[1],
			Fee:        vals[2],
			Slippage:   vals[3],
			StrategyID: row[7],
			Reason:     row[8],
		})
	}
	return out, nil
}

// ReadEquityCSV parses an equity.csv written by WriteEquityCSV.
func ReadEquityCSV(r io.Reader) ([]domain.EquityPoint, error) {
	rows, err := readRows(r, equityHeader)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EquityPoint, 0, len(rows))
	for i, row := range rows {
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: equity row %d: timestamp %q", ErrBadArtifact, i+2, row[0])
		}
		vals, err := floats(row[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: equity row %d: %v", ErrBadArtifact, i+2, err)
		}
		out = append(out, domain.EquityPoint{
			Timestamp:     ts,
			Equity:        vals[0],
			Cash:          vals[1],
			PositionQty:   vals[2],
			UnrealizedPnL: vals[3],
			RealizedPnL:   vals[4],
		})
	}
	return out, nil
}

// Recompute rebuilds a summary from stored artifacts.
func Recompute(trades []domain.Trade, equity []domain.EquityPoint, opts metrics.Options) metrics.Summary {
	agg := metrics.NewAggregator(opts)
	for _, p := range equity {
		agg.RecordEquity(p)
	}
	for _, t := range trades {
		agg.RecordTrade(t)
	}
	return agg.Summary()
}

func readRows(r io.Reader, header []string) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: missing header", ErrBadArtifact)
	}
	for i, h := range header {
		if rows[0][i] != h {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadArtifact, i+1, rows[0][i], h)
		}
	}
	return rows[1:], nil
}

func floats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q", f)
		}
		out[i] = v
	}
	return out, nil
}
