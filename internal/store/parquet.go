package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"kairos/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and run artifact storage using Parquet
// files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// TradeRecord is the Parquet schema for a run's trade log.
type TradeRecord struct {
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	Qty        float64 `parquet:"qty"`
	Price      float64 `parquet:"price"`
	Fee        float64 `parquet:"fee"`
	Slippage   float64 `parquet:"slippage"`
	StrategyID string  `parquet:"strategy_id"`
	Reason     string  `parquet:"reason"`
}

// EquityRecord is the Parquet schema for a run's equity curve.
type EquityRecord struct {
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity        float64 `parquet:"equity"`
	Cash          float64 `parquet:"cash"`
	PositionQty   float64 `parquet:"position_qty"`
	UnrealizedPnL float64 `parquet:"unrealized_pnl"`
	RealizedPnL   float64 `parquet:"realized_pnl"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files organized by symbol and year.
// Each year produces a separate file at:
//
//	<DataDir>/<exchange>/<market>/<timeframe>/<SYMBOL>/<YYYY>.parquet
//
// Bars in the batch that belong to another symbol are written under their
// own symbol directory.
func (s *ParquetStore) WriteBars(_ context.Context, series Series, bars []domain.Bar) error {
	if err := series.Validate(); err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		sym := b.Symbol
		if sym == "" {
			sym = series.Symbol
		}
		k := key{symbol: strings.ToUpper(sym), year: b.Time().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:    k.symbol,
			Timestamp: b.Timestamp * 1000,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(series.WithSymbol(k.symbol), k.year)

		// Read existing records to merge.
		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for the series within [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, series Series, start, end int64) ([]domain.Bar, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	years, err := s.years(series)
	if err != nil {
		return nil, err
	}

	startYear := time.Unix(start, 0).UTC().Year()
	endYear := 1 << 30
	if end > 0 {
		endYear = time.Unix(end, 0).UTC().Year()
	}

	var bars []domain.Bar
	for _, year := range years {
		if year < startYear || year > endYear {
			continue
		}
		records, err := readParquetFile[BarRecord](s.barPath(series, year))
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s/%d: %w", series.Symbol, year, err)
		}
		for _, r := range records {
			ts := r.Timestamp / 1000
			if ts < start || (end > 0 && ts > end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:    r.Symbol,
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data for the timeframe.
func (s *ParquetStore) ListSymbols(_ context.Context, exchange, market, timeframe string) ([]string, error) {
	dir := filepath.Join(s.DataDir, exchange, market, timeframe)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// years returns the sorted years that have a file for the series.
func (s *ParquetStore) years(series Series) ([]int, error) {
	dir := filepath.Dir(s.barPath(series, 0))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var years []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		y, err := strconv.Atoi(strings.TrimSuffix(name, ".parquet"))
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}

// ---------------------------------------------------------------------------
// Run artifacts
// ---------------------------------------------------------------------------

// WriteRunArtifacts stores a run's trade log and equity curve at
// <DataDir>/runs/<runID>/{trades,equity}.parquet, replacing earlier files.
func (s *ParquetStore) WriteRunArtifacts(runID string, trades []domain.Trade, equity []domain.EquityPoint) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	tr := make([]TradeRecord, len(trades))
	for i, t := range trades {
		tr[i] = TradeRecord{
			Timestamp:  t.Timestamp * 1000,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Qty:        t.Qty,
			Price:      t.Price,
			Fee:        t.Fee,
			Slippage:   t.Slippage,
			StrategyID: t.StrategyID,
			Reason:     t.Reason,
		}
	}
	eq := make([]EquityRecord, len(equity))
	for i, p := range equity {
		eq[i] = EquityRecord{
			Timestamp:     p.Timestamp * 1000,
			Equity:        p.Equity,
			Cash:          p.Cash,
			PositionQty:   p.PositionQty,
			UnrealizedPnL: p.UnrealizedPnL,
			RealizedPnL:   p.RealizedPnL,
		}
	}
	if err := writeParquetFile(s.runPath(runID, "trades"), tr); err != nil {
		return fmt.Errorf("writing trades for run %s: %w", runID, err)
	}
	if err := writeParquetFile(s.runPath(runID, "equity"), eq); err != nil {
		return fmt.Errorf("writing equity for run %s: %w", runID, err)
	}
	return nil
}

// ReadRunEquity loads a stored equity curve. It returns ErrNotFound when
// the run has no artifacts.
func (s *ParquetStore) ReadRunEquity(runID string) ([]domain.EquityPoint, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	records, err := readParquetFile[EquityRecord](s.runPath(runID, "equity"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("equity for run %s: %w", runID, ErrNotFound)
		}
		return nil, err
	}
	out := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		out[i] = domain.EquityPoint{
			Timestamp:     r.Timestamp / 1000,
			Equity:        r.Equity,
			Cash:          r.Cash,
			PositionQty:   r.PositionQty,
			UnrealizedPnL: r.UnrealizedPnL,
			RealizedPnL:   r.RealizedPnL,
		}
	}
	return out, nil
}

// ReadRunTrades loads a stored trade log.
func (s *ParquetStore) ReadRunTrades(runID string) ([]domain.Trade, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	records, err := readParquetFile[TradeRecord](s.runPath(runID, "trades"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("trades for run %s: %w", runID, ErrNotFound)
		}
		return nil, err
	}
	out := make([]domain.Trade, len(records))
	for i, r := range records {
		out[i] = domain.Trade{
			Timestamp:  r.Timestamp / 1000,
			Symbol:     r.Symbol,
			Side:       domain.Side(r.Side),
			Qty:        r.Qty,
			Price:      r.Price,
			Fee:        r.Fee,
			Slippage:   r.Slippage,
			StrategyID: r.StrategyID,
			Reason:     r.Reason,
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<exchange>/<market>/<timeframe>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(series Series, year int) string {
	return filepath.Join(s.DataDir, series.Exchange, series.Market, series.Timeframe,
		strings.ToUpper(series.Symbol), strconv.Itoa(year)+".parquet")
}

// runPath returns <dataDir>/runs/<runID>/<name>.parquet.
func (s *ParquetStore) runPath(runID, name string) string {
	return filepath.Join(s.DataDir, "runs", runID, name+".parquet")
}

func validateRunID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by timestamp, preferring new
// records over existing ones. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
