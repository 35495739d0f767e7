// Command kairos-paper runs the configured strategy against a live bar
// stream until interrupted, then records the session like a backtest.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"kairos/internal/app"
	"kairos/internal/config"
	"kairos/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $KAIROS_CONFIG or "+config.DefaultPath+")")
	streamURL := flag.String("stream", "", "websocket bar stream URL override")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Read(config.ResolvePath(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.Data.Source = config.SourceStream
	if *streamURL != "" {
		cfg.Stream.URL = *streamURL
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting paper session", "symbol", cfg.Run.Symbol, "stream", cfg.Stream.URL)
	out, err := app.Execute(ctx, cfg, app.ModePaper, logger)
	if err != nil {
		log.Fatalf("paper session failed: %v", err)
	}
	res := out.Result
	slog.Info("paper session finished",
		"run_id", res.RunID,
		"state", res.State,
		"bars", res.Summary.BarsProcessed,
		"trades", res.Summary.Trades,
		"net_profit", res.Summary.NetProfit,
		"dir", out.Dir,
	)
	// An interrupt is the normal way to end a session.
	if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		log.Fatalf("paper session aborted: %v", res.Err)
	}
}
