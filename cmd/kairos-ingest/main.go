// Command kairos-ingest backfills historical bars from Alpaca into the
// Parquet or Postgres bar store read by the backtester.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kairos/internal/config"
	"kairos/internal/gather"
	"kairos/internal/store"
	"kairos/internal/timeframe"
	"kairos/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $KAIROS_CONFIG or "+config.DefaultPath+")")
	symbols := flag.String("symbols", "", "comma-separated symbols (default ingest.symbols)")
	tfFlag := flag.String("timeframe", "", "bar timeframe (default data.source_timeframe or run.timeframe)")
	start := flag.String("start", "", "first day, YYYY-MM-DD (default data.start)")
	end := flag.String("end", "", "last day, YYYY-MM-DD (default data.end, then now)")
	target := flag.String("target", "", "parquet or postgres (default ingest.target)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Read(config.ResolvePath(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *symbols != "" {
		cfg.Ingest.Symbols = strings.Split(*symbols, ",")
	}
	if *target != "" {
		cfg.Ingest.Target = *target
	}
	if *start != "" {
		cfg.Data.Start = *start
	}
	if *end != "" {
		cfg.Data.End = *end
	}
	if len(cfg.Ingest.Symbols) == 0 {
		log.Fatalf("no symbols: set ingest.symbols or -symbols")
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatalf("alpaca credentials missing: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}

	tfLabel := *tfFlag
	if tfLabel == "" {
		tfLabel = cfg.Data.SourceTimeframe
	}
	if tfLabel == "" {
		tfLabel = cfg.Run.Timeframe
	}
	tf, err := timeframe.ParseOrSeconds(tfLabel)
	if err != nil {
		log.Fatalf("invalid timeframe: %v", err)
	}
	from, to, err := cfg.Range()
	if err != nil {
		log.Fatalf("invalid range: %v", err)
	}
	if from == 0 {
		log.Fatalf("no start date: set data.start or -start")
	}
	endTime := time.Now().UTC()
	if to > 0 {
		endTime = time.Unix(to, 0).UTC()
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var bars store.BarStore
	switch cfg.Ingest.Target {
	case config.SourceParquet:
		bars = store.NewParquetStore(cfg.Data.Dir)
	case config.SourcePostgres:
		if cfg.Data.PostgresDSN == "" {
			log.Fatalf("data.postgres_dsn is required for the postgres target")
		}
		pg, err := store.OpenPostgres(cfg.Data.PostgresDSN, cfg.Data.PostgresTable)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate %s: %v", pg.Table(), err)
		}
		pg.SetSource("alpaca")
		bars = pg
	default:
		log.Fatalf("ingest.target %q is not parquet or postgres", cfg.Ingest.Target)
	}

	g := gather.NewAlpacaGatherer(gather.AlpacaConfig{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		Retries:         cfg.Alpaca.Retries,
		RetryDelay:      time.Second,
		ChunkDays:       cfg.Alpaca.ChunkDays,
	}, bars, logger)

	series := store.Series{
		Exchange:  cfg.Data.Exchange,
		Market:    cfg.Data.Market,
		Timeframe: tf.Label,
	}
	slog.Info("starting ingest", "target", cfg.Ingest.Target, "symbols", len(cfg.Ingest.Symbols), "timeframe", tf.Label)
	n, err := g.Gather(ctx, cfg.Ingest.Symbols, series, time.Unix(from, 0).UTC(), endTime)
	if err != nil {
		log.Fatalf("ingest finished with errors after %d bars: %v", n, err)
	}
	slog.Info("ingest done", "bars", n)
}
