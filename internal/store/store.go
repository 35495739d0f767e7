// Package store defines storage interfaces for market data and run records
// and implements them on Parquet files, SQLite and Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kairos/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTable is returned for table names outside [A-Za-z0-9_.].
	ErrInvalidTable = errors.New("invalid table name")

	// ErrInvalidSeries is returned for a Series with an empty or unsafe field.
	ErrInvalidSeries = errors.New("invalid series")
)

// Series identifies one stored bar sequence.
type Series struct {
	Exchange  string `json:"exchange" yaml:"exchange"`
	Market    string `json:"market" yaml:"market"`
	Symbol    string `json:"symbol" yaml:"symbol"`
	Timeframe string `json:"timeframe" yaml:"timeframe"`
}

// Validate rejects empty fields and fields that could escape a directory.
func (s Series) Validate() error {
	for name, v := range map[string]string{
		"exchange": s.Exchange, "market": s.Market, "symbol": s.Symbol, "timeframe": s.Timeframe,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidSeries, name)
		}
		if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return fmt.Errorf("%w: %s %q", ErrInvalidSeries, name, v)
		}
	}
	return nil
}

// WithSymbol returns a copy of s for another symbol.
func (s Series) WithSymbol(symbol string) Series {
	s.Symbol = symbol
	return s
}

// BarStore persists and retrieves OHLCV bars.
type BarStore interface {
	// WriteBars upserts bars into the series. Existing bars with the same
	// timestamp are replaced.
	WriteBars(ctx context.Context, series Series, bars []domain.Bar) error

	// ReadBars returns bars with start <= timestamp <= end in ascending
	// order. A non-positive end means no upper bound.
	ReadBars(ctx context.Context, series Series, start, end int64) ([]domain.Bar, error)

	// ListSymbols returns the distinct symbols stored for exchange, market
	// and timeframe.
	ListSymbols(ctx context.Context, exchange, market, timeframe string) ([]string, error)
}

// RunRecord is the stored summary of one backtest or paper run.
type RunRecord struct {
	ID          string    `json:"id"`
	Mode        string    `json:"mode"`
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	Strategy    string    `json:"strategy"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	InitialCash float64   `json:"initial_cash"`
	FinalEquity float64   `json:"final_equity"`
	Bars        int       `json:"bars_processed"`
	Trades      int       `json:"trades"`
	WinRate     float64   `json:"win_rate"`
	NetProfit   float64   `json:"net_profit"`
	Sharpe      float64   `json:"sharpe"`
	MaxDrawdown float64   `json:"max_drawdown"`
	Error       string    `json:"error,omitempty"`
}

// RunStore persists run summaries, trade logs and audit trails.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	SaveTrades(ctx context.Context, runID string, trades []domain.Trade) error
	ListTrades(ctx context.Context, runID string) ([]domain.Trade, error)
	SaveAudit(ctx context.Context, events []domain.AuditEvent) error
	ListAudit(ctx context.Context, runID string) ([]domain.AuditEvent, error)
}

// ValidateTableName accepts ASCII letters, digits, '_' and '.', so that
// "schema.table" works while anything injectable is refused.
func ValidateTableName(table string) error {
	if table == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTable)
	}
	for _, r := range table {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidTable, table)
		}
	}
	return nil
}
