package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kairos/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE runs (
		id           TEXT PRIMARY KEY,
		mode         TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		timeframe    TEXT NOT NULL,
		strategy     TEXT NOT NULL,
		state        TEXT NOT NULL,
		started_at   INTEGER NOT NULL,
		finished_at  INTEGER NOT NULL,
		initial_cash REAL NOT NULL,
		final_equity REAL NOT NULL,
		bars         INTEGER NOT NULL,
		trades       INTEGER NOT NULL,
		win_rate     REAL NOT NULL,
		net_profit   REAL NOT NULL,
		sharpe       REAL NOT NULL,
		max_drawdown REAL NOT NULL,
		error        TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		timestamp   INTEGER NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		qty         REAL NOT NULL,
		price       REAL NOT NULL,
		fee         REAL NOT NULL,
		slippage    REAL NOT NULL,
		strategy_id TEXT NOT NULL,
		reason      TEXT NOT NULL
	);
	CREATE INDEX idx_trades_run ON trades(run_id, seq);`,

	`CREATE TABLE audit_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		details    TEXT NOT NULL
	);
	CREATE INDEX idx_audit_run ON audit_events(run_id, id);`,

	`CREATE INDEX idx_runs_started ON runs(started_at);`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// pending migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the number of applied migrations.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

const runColumns = `id, mode, symbol, timeframe, strategy, state, started_at, finished_at,
	initial_cash, final_equity, bars, trades, win_rate, net_profit, sharpe, max_drawdown, error`

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Mode, r.Symbol, r.Timeframe, r.Strategy, r.State,
		toMillis(r.StartedAt), toMillis(r.FinishedAt),
		r.InitialCash, r.FinalEquity, r.Bars, r.Trades,
		r.WinRate, r.NetProfit, r.Sharpe, r.MaxDrawdown, r.Error,
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun retrieves one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRuns returns the most recently started runs first, up to limit
// (all runs when limit <= 0).
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		r                 RunRecord
		started, finished int64
	)
	err := sc.Scan(&r.ID, &r.Mode, &r.Symbol, &r.Timeframe, &r.Strategy, &r.State,
		&started, &finished, &r.InitialCash, &r.FinalEquity, &r.Bars, &r.Trades,
		&r.WinRate, &r.NetProfit, &r.Sharpe, &r.MaxDrawdown, &r.Error)
	if err != nil {
		return RunRecord{}, err
	}
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromMillis(finished)
	return r, nil
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

// SaveTrades replaces the trade log of a run.
func (s *SQLiteStore) SaveTrades(ctx context.Context, runID string, trades []domain.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE run_id = ?`, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trades
		(run_id, seq, timestamp, symbol, side, qty, price, fee, slippage, strategy_id, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, t := range trades {
		if _, err := stmt.ExecContext(ctx, runID, i, t.Timestamp, t.Symbol, string(t.Side),
			t.Qty, t.Price, t.Fee, t.Slippage, t.StrategyID, t.Reason); err != nil {
			return fmt.Errorf("saving trade %d of run %s: %w", i, runID, err)
		}
	}
	return tx.Commit()
}

// ListTrades returns a run's trades in execution order.
func (s *SQLiteStore) ListTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, symbol, side, qty, price, fee, slippage, strategy_id, reason
		FROM trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t    domain.Trade
			side string
		)
		if err := rows.Scan(&t.Timestamp, &t.Symbol, &side, &t.Qty, &t.Price, &t.Fee,
			&t.Slippage, &t.StrategyID, &t.Reason); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit events
// ---------------------------------------------------------------------------

// SaveAudit appends audit events.
func (s *SQLiteStore) SaveAudit(ctx context.Context, events []domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_events
		(run_id, timestamp, event_type, symbol, details) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding %s details: %w", e.Type, err)
		}
		if _, err := stmt.ExecContext(ctx, e.RunID, e.Timestamp, e.Type, e.Symbol, string(details)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListAudit returns a run's audit events in insertion order.
func (s *SQLiteStore) ListAudit(ctx context.Context, runID string) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, timestamp, event_type, symbol, details
		FROM audit_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			e       domain.AuditEvent
			details string
		)
		if err := rows.Scan(&e.RunID, &e.Timestamp, &e.Type, &e.Symbol, &details); err != nil {
			return nil, err
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decoding %s details: %w", e.Type, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
