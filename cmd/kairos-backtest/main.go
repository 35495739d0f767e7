// Command kairos-backtest replays historical bars through the configured
// strategy and writes the run artifacts.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"kairos/internal/app"
	"kairos/internal/config"
	"kairos/internal/engine"
	"kairos/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $KAIROS_CONFIG or "+config.DefaultPath+")")
	runID := flag.String("run-id", "", "run id override")
	outDir := flag.String("out", "", "output directory override")
	flag.Parse()

	// A missing .env is fine; the environment may already carry the values.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ResolvePath(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *runID != "" {
		cfg.Run.ID = *runID
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out, err := app.Execute(ctx, cfg, app.ModeBacktest, logger)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}
	printSummary(os.Stdout, out)
	if out.Result.State != engine.StateCompleted {
		os.Exit(1)
	}
}

func printSummary(w io.Writer, out app.Outcome) {
	res := out.Result
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "run %s %s %s %s\n", res.RunID, res.Symbol, res.Timeframe, res.State)
	p.Fprintf(w, "  bars         %d\n", res.Summary.BarsProcessed)
	p.Fprintf(w, "  trades       %d\n", res.Summary.Trades)
	p.Fprintf(w, "  win rate     %.2f%%\n", res.Summary.WinRate*100)
	p.Fprintf(w, "  net profit   %.2f\n", res.Summary.NetProfit)
	p.Fprintf(w, "  sharpe       %.4f\n", res.Summary.Sharpe)
	p.Fprintf(w, "  max drawdown %.2f%%\n", res.Summary.MaxDrawdown*100)
	if res.Halted {
		p.Fprintf(w, "  halted by risk limits\n")
	}
	if res.Err != nil {
		p.Fprintf(w, "  error        %v\n", res.Err)
	}
	p.Fprintf(w, "  artifacts    %s\n", out.Dir)
}
