package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"kairos/internal/domain"
	"kairos/internal/store"
	"kairos/internal/timeframe"
	"kairos/internal/util"
)

// Compile-time interface check.
var _ Gatherer = (*AlpacaGatherer)(nil)

// ErrUnsupportedTimeframe is returned when a step has no Alpaca equivalent.
var ErrUnsupportedTimeframe = errors.New("timeframe not supported by alpaca")

// barFetcher is the subset of *marketdata.Client used here.
type barFetcher interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaConfig holds credentials and pacing for AlpacaGatherer.
type AlpacaConfig struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string        // "sip" or "iex"; empty selects "iex"
	RateLimitPerMin int           // 0 disables pacing
	Retries         int           // extra attempts per request
	RetryDelay      time.Duration // first backoff delay
	ChunkDays       int           // request window; 0 selects 30
}

// AlpacaGatherer backfills OHLCV bars for US equities through the Alpaca
// market-data API.
type AlpacaGatherer struct {
	client     barFetcher
	store      store.BarStore
	limiter    *util.RateLimiter
	retries    int
	retryDelay time.Duration
	feed       string
	chunk      time.Duration
	log        *slog.Logger
}

// NewAlpacaGatherer creates a gatherer writing into s.
func NewAlpacaGatherer(cfg AlpacaConfig, s store.BarStore, logger *slog.Logger) *AlpacaGatherer {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return newAlpacaGatherer(marketdata.NewClient(opts), cfg, s, logger)
}

func newAlpacaGatherer(client barFetcher, cfg AlpacaConfig, s store.BarStore, logger *slog.Logger) *AlpacaGatherer {
	if logger == nil {
		logger = util.Discard()
	}
	g := &AlpacaGatherer{
		client:     client,
		store:      s,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		feed:       strings.ToLower(cfg.Feed),
		chunk:      30 * 24 * time.Hour,
		log:        logger.With("gatherer", "alpaca"),
	}
	if g.feed == "" {
		g.feed = "iex"
	}
	if cfg.ChunkDays > 0 {
		g.chunk = time.Duration(cfg.ChunkDays) * 24 * time.Hour
	}
	if cfg.RateLimitPerMin > 0 {
		g.limiter = util.NewRateLimiter(cfg.RateLimitPerMin)
	}
	return g
}

// Name returns the gatherer identifier.
func (g *AlpacaGatherer) Name() string { return "alpaca" }

// Gather fetches bars symbol by symbol in ChunkDays windows. A symbol that
// fails is logged and skipped; the failures are joined into the returned
// error after every symbol has been attempted.
func (g *AlpacaGatherer) Gather(ctx context.Context, symbols []string, series store.Series, start, end time.Time) (int, error) {
	tf, err := timeframe.ParseOrSeconds(series.Timeframe)
	if err != nil {
		return 0, err
	}
	atf, err := AlpacaTimeFrame(tf.StepSeconds)
	if err != nil {
		return 0, err
	}
	if !end.After(start) {
		return 0, fmt.Errorf("empty range %s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	runStart := time.Now()
	g.log.Info("starting", "symbols", len(symbols), "timeframe", tf.Label,
		"start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))

	var (
		total int
		errs  []error
	)
	chunks := DateRange{Start: start, End: end}.Chunks(g.chunk)
	for i, sym := range symbols {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		sym = strings.ToUpper(strings.TrimSpace(sym))
		n, err := g.gatherSymbol(ctx, sym, series.WithSymbol(sym), atf, chunks)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			g.log.Error("symbol failed", "symbol", sym, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		g.log.Info("symbol done",
			"symbol", sym,
			"progress", fmt.Sprintf("%d/%d", i+1, len(symbols)),
			"bars", n,
			"elapsed", time.Since(runStart).Round(time.Second),
		)
	}

	g.log.Info("complete", "bars", total, "failed", len(errs),
		"elapsed", time.Since(runStart).Round(time.Second))
	if len(errs) > 0 {
		return total, fmt.Errorf("%d of %d symbols failed: %w", len(errs), len(symbols), errors.Join(errs...))
	}
	return total, nil
}

func (g *AlpacaGatherer) gatherSymbol(ctx context.Context, sym string, series store.Series, tf marketdata.TimeFrame, chunks []DateRange) (int, error) {
	written := 0
	for _, c := range chunks {
		bars, err := g.fetch(ctx, sym, tf, c)
		if err != nil {
			return written, err
		}
		if len(bars) == 0 {
			continue
		}
		if err := g.store.WriteBars(ctx, series, bars); err != nil {
			return written, fmt.Errorf("writing bars: %w", err)
		}
		written += len(bars)
	}
	return written, nil
}

// fetch performs one rate-limited, retried GetBars call and converts the
// response, dropping bars that fail validation.
func (g *AlpacaGatherer) fetch(ctx context.Context, sym string, tf marketdata.TimeFrame, r DateRange) ([]domain.Bar, error) {
	var raw []marketdata.Bar
	err := util.Retry(ctx, g.retries+1, g.retryDelay, func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}
		}
		var err error
		raw, err = g.client.GetBars(sym, marketdata.GetBarsRequest{
			TimeFrame:  tf,
			Start:      r.Start,
			End:        r.End,
			Feed:       marketdata.Feed(g.feed),
			Adjustment: marketdata.Split,
		})
		if err != nil {
			g.log.Warn("GetBars failed", "symbol", sym, "err", err)
			return fmt.Errorf("GetBars: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		b := domain.Bar{
			Symbol:    sym,
			Timestamp: ab.Timestamp.Unix(),
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    float64(ab.Volume),
		}
		if b.Validate() != nil {
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// AlpacaTimeFrame maps a step in seconds onto the largest Alpaca unit that
// divides it within the API's amount limits.
func AlpacaTimeFrame(step int64) (marketdata.TimeFrame, error) {
	units := []struct {
		seconds int64
		unit    marketdata.TimeFrameUnit
		valid   func(n int64) bool
	}{
		{timeframe.Month, marketdata.Month, func(n int64) bool {
			return n == 1 || n == 2 || n == 3 || n == 4 || n == 6 || n == 12
		}},
		{timeframe.Week, marketdata.Week, func(n int64) bool { return n == 1 }},
		{timeframe.Day, marketdata.Day, func(n int64) bool { return n == 1 }},
		{timeframe.Hour, marketdata.Hour, func(n int64) bool { return n >= 1 && n <= 23 }},
		{timeframe.Minute, marketdata.Min, func(n int64) bool { return n >= 1 && n <= 59 }},
	}
	if step > 0 {
		for _, u := range units {
			if step%u.seconds != 0 {
				continue
			}
			if n := step / u.seconds; u.valid(n) {
				return marketdata.NewTimeFrame(int(n), u.unit), nil
			}
		}
	}
	return marketdata.TimeFrame{}, fmt.Errorf("%w: %ds", ErrUnsupportedTimeframe, step)
}
