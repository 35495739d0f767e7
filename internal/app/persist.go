package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"kairos/internal/config"
	"kairos/internal/engine"
	"kairos/internal/report"
	"kairos/internal/store"
	"kairos/internal/util"
)

// Run modes recorded with each run.
const (
	ModeBacktest = "backtest"
	ModePaper    = "paper"
)

// NewRunRecord summarizes res for the run registry.
func NewRunRecord(res engine.Result, mode string, initialCash float64) store.RunRecord {
	rec := store.RunRecord{
		ID:          res.RunID,
		Mode:        mode,
		Symbol:      res.Symbol,
		Timeframe:   res.Timeframe,
		Strategy:    res.Strategy,
		State:       string(res.State),
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		InitialCash: initialCash,
		FinalEquity: initialCash,
		Bars:        res.Summary.BarsProcessed,
		Trades:      res.Summary.Trades,
		WinRate:     res.Summary.WinRate,
		NetProfit:   res.Summary.NetProfit,
		Sharpe:      res.Summary.Sharpe,
		MaxDrawdown: res.Summary.MaxDrawdown,
	}
	if n := len(res.Equity); n > 0 {
		rec.FinalEquity = res.Equity[n-1].Equity
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// PersistRun stores the run record, trade log and audit trail in runs and,
// when artifacts is non-nil, the trade log and equity curve as Parquet.
// Every destination is attempted; the failures are joined.
func PersistRun(ctx context.Context, runs store.RunStore, artifacts *store.ParquetStore, res engine.Result, mode string, initialCash float64) error {
	var errs []error
	if runs != nil {
		if err := runs.SaveRun(ctx, NewRunRecord(res, mode, initialCash)); err != nil {
			errs = append(errs, err)
		} else {
			if err := runs.SaveTrades(ctx, res.RunID, res.Trades); err != nil {
				errs = append(errs, err)
			}
			if err := runs.SaveAudit(ctx, res.Audit); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if artifacts != nil {
		if err := artifacts.WriteRunArtifacts(res.RunID, res.Trades, res.Equity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outcome is everything Execute produced.
type Outcome struct {
	Result engine.Result
	Inputs Inputs
	Dir    string
}

// Execute builds and runs one session from cfg, writes its artifacts under
// cfg.Output.Dir and records it in the configured stores. A run that
// aborts is still written and recorded; its error is in Result.Err.
func Execute(ctx context.Context, cfg *config.Config, mode string, logger *slog.Logger) (Outcome, error) {
	if logger == nil {
		logger = util.Discard()
	}
	runner, in, cleanup, err := BuildRun(ctx, cfg, logger)
	if err != nil {
		return Outcome{}, err
	}
	defer cleanup()

	res := runner.Run(ctx)
	out := Outcome{Result: res, Inputs: in}

	snapshot, err := cfg.Snapshot()
	if err != nil {
		logger.Warn("config snapshot failed", "error", err)
	}
	if out.Dir, err = report.WriteRun(cfg.Output.Dir, res, snapshot); err != nil {
		return out, fmt.Errorf("writing artifacts: %w", err)
	}

	var runs store.RunStore
	if path := cfg.Output.SQLitePath; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return out, err
		}
		db, err := store.NewSQLiteStore(path)
		if err != nil {
			return out, err
		}
		defer db.Close()
		runs = db
	}
	var artifacts *store.ParquetStore
	if cfg.Output.ParquetDir != "" {
		artifacts = store.NewParquetStore(cfg.Output.ParquetDir)
	}

	// Persist even when the caller's context is already cancelled, so an
	// interrupted paper session is still recorded.
	saveCtx := context.WithoutCancel(ctx)
	if err := PersistRun(saveCtx, runs, artifacts, res, mode, cfg.Run.InitialCapital); err != nil {
		return out, fmt.Errorf("persisting run %s: %w", res.RunID, err)
	}
	logger.Info("run recorded", "run_id", res.RunID, "dir", out.Dir, "state", res.State)
	return out, nil
}
