package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"kairos/internal/domain"
)

// DefaultCandleTable is the table used when none is configured.
const DefaultCandleTable = "ohlcv_candles"

// Compile-time interface check.
var _ BarStore = (*PostgresStore)(nil)

// Candle is one row of the OHLCV table. The composite primary key makes
// re-ingestion an upsert.
type Candle struct {
	Exchange     string    `gorm:"primaryKey;size:32"`
	Market       string    `gorm:"primaryKey;size:16"`
	Symbol       string    `gorm:"primaryKey;size:32"`
	Timeframe    string    `gorm:"primaryKey;size:16"`
	TimestampUTC time.Time `gorm:"column:timestamp_utc;primaryKey"`
	Open         float64   `gorm:"not null"`
	High         float64   `gorm:"not null"`
	Low          float64   `gorm:"not null"`
	Close        float64   `gorm:"not null"`
	Volume       float64   `gorm:"not null"`
	Source       string    `gorm:"size:32"`
	IngestedAt   time.Time `gorm:"autoUpdateTime"`
}

// PostgresStore implements BarStore on a Postgres OHLCV table via gorm.
type PostgresStore struct {
	db        *gorm.DB
	table     string
	source    string
	batchSize int
}

// OpenPostgres connects to dsn and returns a store on table.
func OpenPostgres(dsn, table string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return NewPostgresStore(db, table)
}

// NewPostgresStore wraps an open gorm handle. An empty table selects
// DefaultCandleTable.
func NewPostgresStore(db *gorm.DB, table string) (*PostgresStore, error) {
	if table == "" {
		table = DefaultCandleTable
	}
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, table: table, source: "kairos", batchSize: 500}, nil
}

// Table returns the configured table name.
func (s *PostgresStore) Table() string { return s.table }

// SetSource sets the value written to the source column.
func (s *PostgresStore) SetSource(src string) { s.source = src }

// Migrate creates or updates the OHLCV table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).Table(s.table).AutoMigrate(&Candle{})
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WriteBars upserts bars on (exchange, market, symbol, timeframe, timestamp_utc).
func (s *PostgresStore) WriteBars(ctx context.Context, series Series, bars []domain.Bar) error {
	if err := series.Validate(); err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}
	rows := s.candles(series, bars)
	if err := s.upsertQuery(ctx).CreateInBatches(rows, s.batchSize).Error; err != nil {
		return fmt.Errorf("upserting %d bars for %s: %w", len(rows), series.Symbol, err)
	}
	return nil
}

// ReadBars selects the series in ascending timestamp order.
func (s *PostgresStore) ReadBars(ctx context.Context, series Series, start, end int64) ([]domain.Bar, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	var rows []Candle
	if err := s.selectBars(ctx, series, start, end).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying OHLCV for %s: %w", series.Symbol, err)
	}
	bars := make([]domain.Bar, len(rows))
	for i, r := range rows {
		bars[i] = domain.Bar{
			Symbol:    series.Symbol,
			Timestamp: r.TimestampUTC.Unix(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
	}
	return bars, nil
}

// ListSymbols returns the distinct symbols for exchange, market and timeframe.
func (s *PostgresStore) ListSymbols(ctx context.Context, exchange, market, timeframe string) ([]string, error) {
	var symbols []string
	err := s.db.WithContext(ctx).Table(s.table).
		Distinct("symbol").
		Where("exchange = ? AND market = ? AND timeframe = ?", exchange, market, timeframe).
		Order("symbol").
		Pluck("symbol", &symbols).Error
	return symbols, err
}

func (s *PostgresStore) selectBars(ctx context.Context, series Series, start, end int64) *gorm.DB {
	q := s.db.WithContext(ctx).Table(s.table).
		Select("timestamp_utc, open, high, low, close, volume").
		Where("exchange = ? AND market = ? AND symbol = ? AND timeframe = ?",
			series.Exchange, series.Market, series.Symbol, series.Timeframe)
	if start > 0 {
		q = q.Where("timestamp_utc >= ?", time.Unix(start, 0).UTC())
	}
	if end > 0 {
		q = q.Where("timestamp_utc <= ?", time.Unix(end, 0).UTC())
	}
	return q.Order("timestamp_utc ASC")
}

func (s *PostgresStore) upsertQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "exchange"}, {Name: "market"}, {Name: "symbol"},
				{Name: "timeframe"}, {Name: "timestamp_utc"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"open", "high", "low", "close", "volume", "source", "ingested_at",
			}),
		})
}

func (s *PostgresStore) candles(series Series, bars []domain.Bar) []Candle {
	rows := make([]Candle, len(bars))
	for i, b := range bars {
		sym := b.Symbol
		if sym == "" {
			sym = series.Symbol
		}
		rows[i] = Candle{
			Exchange:     series.Exchange,
			Market:       series.Market,
			Symbol:       sym,
			Timeframe:    series.Timeframe,
			TimestampUTC: b.Time(),
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.Volume,
			Source:       s.source,
		}
	}
	return rows
}
