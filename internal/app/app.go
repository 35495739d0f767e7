// Package app wires a loaded configuration into a runnable backtest or
// paper session and persists what the run produced.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"kairos/internal/agent"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/engine"
	"kairos/internal/feed"
	"kairos/internal/store"
	"kairos/internal/strategy"
	"kairos/internal/strategy/builtins"
	"kairos/internal/timeframe"
	"kairos/internal/util"
)

// ErrDataQuality is returned under data_quality.strict when the loaded
// bars or signals exceed a configured anomaly limit.
var ErrDataQuality = errors.New("data quality limits exceeded")

// Inputs is what BuildRun assembled besides the runner itself.
type Inputs struct {
	Bars     int
	Quality  *feed.QualityReport
	Signals  *feed.SignalsReport
	Resample bool
}

// BuildRun turns cfg into a ready runner. The returned cleanup releases
// database handles, agent connections and streams; it is never nil and
// must be called once the run is over.
func BuildRun(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine.Runner, Inputs, func(), error) {
	if logger == nil {
		logger = util.Discard()
	}
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("cleanup failed", "error", err)
			}
		}
	}
	fail := func(err error) (*engine.Runner, Inputs, func(), error) {
		cleanup()
		return nil, Inputs{}, func() {}, err
	}

	src, in, closeSrc, err := openSource(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	if closeSrc != nil {
		closers = append(closers, closeSrc)
	}

	var signals *feed.Signals
	if cfg.Data.SignalsPath != "" {
		lag, _ := cfg.SignalsLag()
		policy, _ := feed.ParseMissingPolicy(cfg.Data.SignalsMissing)
		sig, rep, err := feed.LoadSignals(cfg.Data.SignalsPath, policy, lag)
		if err != nil {
			return fail(err)
		}
		signals = sig
		in.Signals = &rep
	}

	if cfg.DataQuality.Strict {
		if err := CheckQuality(cfg.DataQuality, in.Quality, in.Signals); err != nil {
			return fail(err)
		}
	}

	strat, closeStrat, err := buildStrategy(cfg, logger)
	if err != nil {
		return fail(err)
	}
	if closeStrat != nil {
		closers = append(closers, closeStrat)
	}

	runner, err := engine.NewRunner(cfg.EngineConfig(), src, strat, signals, logger)
	if err != nil {
		return fail(err)
	}
	if in.Quality != nil {
		runner.SetQuality(*in.Quality)
	}
	return runner, in, cleanup, nil
}

// openSource returns the configured bar source. Historical sources are
// loaded fully, range filtered and resampled to the run timeframe.
func openSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (feed.Source, Inputs, func() error, error) {
	target, err := timeframe.ParseOrSeconds(cfg.Run.Timeframe)
	if err != nil {
		return nil, Inputs{}, nil, err
	}
	source := target
	if cfg.Data.SourceTimeframe != "" {
		if source, err = timeframe.ParseOrSeconds(cfg.Data.SourceTimeframe); err != nil {
			return nil, Inputs{}, nil, err
		}
	}
	if source.StepSeconds > target.StepSeconds {
		return nil, Inputs{}, nil, fmt.Errorf("source timeframe %s is coarser than run timeframe %s", source, target)
	}
	symbol := cfg.EngineConfig().Symbol
	start, end, err := cfg.Range()
	if err != nil {
		return nil, Inputs{}, nil, err
	}

	var (
		bars    []domain.Bar
		quality feed.QualityReport
		closer  func() error
	)
	switch cfg.Data.Source {
	case config.SourceStream:
		s, err := feed.NewStreamSource(feed.StreamConfig{
			URL:          cfg.Stream.URL,
			Symbol:       symbol,
			StepSeconds:  target.StepSeconds,
			PingInterval: cfg.Stream.PingInterval,
			ReadTimeout:  cfg.Stream.ReadTimeout,
		}, logger)
		if err != nil {
			return nil, Inputs{}, nil, err
		}
		if err := s.Connect(ctx); err != nil {
			return nil, Inputs{}, nil, err
		}
		return s, Inputs{}, s.Close, nil

	case config.SourceCSV:
		bars, quality, err = feed.LoadCSV(cfg.Data.Path, symbol, source.StepSeconds)
		if err != nil {
			return nil, Inputs{}, nil, err
		}
		bars = clip(bars, start, end)

	case config.SourceParquet, config.SourcePostgres:
		var bs store.BarStore
		if cfg.Data.Source == config.SourceParquet {
			bs = store.NewParquetStore(cfg.Data.Dir)
		} else {
			pg, err := store.OpenPostgres(cfg.Data.PostgresDSN, cfg.Data.PostgresTable)
			if err != nil {
				return nil, Inputs{}, nil, err
			}
			bs, closer = pg, pg.Close
		}
		series := store.Series{
			Exchange:  cfg.Data.Exchange,
			Market:    cfg.Data.Market,
			Symbol:    symbol,
			Timeframe: source.Label,
		}
		bars, err = bs.ReadBars(ctx, series, start, end)
		if err != nil {
			closeQuietly(closer, logger)
			return nil, Inputs{}, nil, err
		}
		quality = feed.Analyze(bars, source.StepSeconds)

	default:
		return nil, Inputs{}, nil, fmt.Errorf("unknown data source %q", cfg.Data.Source)
	}

	in := Inputs{Quality: &quality}
	if source.StepSeconds != target.StepSeconds {
		if bars, err = feed.Resample(bars, target.StepSeconds); err != nil {
			closeQuietly(closer, logger)
			return nil, Inputs{}, nil, err
		}
		in.Resample = true
	}
	in.Bars = len(bars)
	logger.Info("bars loaded",
		"source", cfg.Data.Source,
		"symbol", symbol,
		"bars", len(bars),
		"resampled", in.Resample,
		"clean", quality.Clean(),
	)
	return feed.NewSliceSource(bars), in, closer, nil
}

// closeQuietly runs closer on a failure path, logging what it returns.
func closeQuietly(closer func() error, logger *slog.Logger) {
	if closer == nil {
		return
	}
	if err := closer(); err != nil {
		logger.Warn("closing source failed", "error", err)
	}
}

// clip keeps bars with start <= ts <= end. A zero end is unbounded.
func clip(bars []domain.Bar, start, end int64) []domain.Bar {
	if start <= 0 && end <= 0 {
		return bars
	}
	out := bars[:0:0]
	for _, b := range bars {
		if b.Timestamp < start || (end > 0 && b.Timestamp > end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// buildStrategy returns a fresh builtin or a remote agent strategy. The
// closer is set when the strategy holds a connection.
func buildStrategy(cfg *config.Config, logger *slog.Logger) (strategy.Strategy, func() error, error) {
	if !cfg.UsesAgent() {
		s, err := builtins.NewRegistry().New(cfg.Strategy.Name, strategy.Params(cfg.Strategy.Params))
		return s, nil, err
	}

	a := cfg.Agent
	switch a.Transport {
	case config.TransportGRPC:
		c, err := agent.NewGRPCClient(a.GRPCAddr, a.Timeout, a.Retries, logger)
		if err != nil {
			return nil, nil, err
		}
		return strategy.NewRemote(c, cfg.FallbackAction(), logger), c.Close, nil
	default:
		c := agent.NewHTTPClient(strings.TrimRight(a.URL, "/"), a.Timeout, a.Retries, logger)
		return strategy.NewRemote(c, cfg.FallbackAction(), logger), nil, nil
	}
}

// CheckQuality compares the reports against the configured limits.
// Either report may be nil.
func CheckQuality(dq config.DataQuality, bars *feed.QualityReport, signals *feed.SignalsReport) error {
	var over []string
	check := func(name string, got, limit int) {
		if got > limit {
			over = append(over, fmt.Sprintf("%s %d > %d", name, got, limit))
		}
	}
	if bars != nil {
		check("gaps", bars.Gaps, dq.MaxGaps)
		check("duplicates", bars.Duplicates, dq.MaxDuplicates)
		check("out_of_order", bars.OutOfOrder, dq.MaxOutOfOrder)
		check("invalid_close", bars.InvalidClose, dq.MaxInvalidClose)
	}
	if signals != nil {
		check("signals duplicates", signals.Duplicates, dq.MaxDuplicates)
		check("signals out_of_order", signals.OutOfOrder, dq.MaxOutOfOrder)
		check("signals missing", signals.MissingValues, dq.MaxSignalsMissing)
		check("signals invalid", signals.InvalidValues, dq.MaxSignalsInvalid)
		check("signals dropped", signals.DroppedRows, dq.MaxSignalsDropped)
	}
	if len(over) > 0 {
		return fmt.Errorf("%w: %s", ErrDataQuality, strings.Join(over, ", "))
	}
	return nil
}
