// Package config loads the kairos YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kairos/internal/broker"
	"kairos/internal/domain"
	"kairos/internal/engine"
	"kairos/internal/features"
	"kairos/internal/feed"
	"kairos/internal/metrics"
	"kairos/internal/strategy"
	"kairos/internal/timeframe"
)

// DefaultPath is used when neither -config nor KAIROS_CONFIG is set.
const DefaultPath = "config/kairos.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Data source kinds.
const (
	SourceCSV      = "csv"
	SourceParquet  = "parquet"
	SourcePostgres = "postgres"
	SourceStream   = "stream"
)

// Agent transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration of a kairos run and of the
// services around it.
type Config struct {
	Run         Run               `yaml:"run"`
	Data        Data              `yaml:"data"`
	DataQuality DataQuality       `yaml:"data_quality"`
	Costs       Costs             `yaml:"costs"`
	Execution   broker.Config     `yaml:"execution"`
	Risk        engine.RiskLimits `yaml:"risk"`
	Features    features.Config   `yaml:"features"`
	Sizing      Sizing            `yaml:"sizing"`
	Metrics     metrics.Options   `yaml:"metrics"`
	Strategy    Strategy          `yaml:"strategy"`
	Agent       Agent             `yaml:"agent"`
	Stream      Stream            `yaml:"stream"`
	Output      Output            `yaml:"output"`
	Alpaca      Alpaca            `yaml:"alpaca"`
	Ingest      Ingest            `yaml:"ingest"`
	Server      Server            `yaml:"server"`
	Logging     Logging           `yaml:"logging"`
}

// Run identifies the simulated instrument and its starting capital.
type Run struct {
	ID                   string  `yaml:"run_id"`
	Symbol               string  `yaml:"symbol"`
	Timeframe            string  `yaml:"timeframe"`
	InitialCapital       float64 `yaml:"initial_capital"`
	AllowPartialFeatures bool    `yaml:"allow_partial_features"`
}

// Data selects where bars and external signals come from. Start and End
// accept a date (2006-01-02) or any timestamp feed.ParseTimestamp accepts.
type Data struct {
	Source          string `yaml:"source"`
	Path            string `yaml:"path"`
	Dir             string `yaml:"dir"`
	Exchange        string `yaml:"exchange"`
	Market          string `yaml:"market"`
	SourceTimeframe string `yaml:"source_timeframe"`
	Start           string `yaml:"start"`
	End             string `yaml:"end"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	PostgresTable   string `yaml:"postgres_table"`
	SignalsPath     string `yaml:"signals_path"`
	SignalsLag      string `yaml:"signals_lag"`
	SignalsMissing  string `yaml:"signals_missing"`
}

// DataQuality holds the anomaly limits enforced when Strict is set.
type DataQuality struct {
	Strict            bool `yaml:"strict"`
	MaxGaps           int  `yaml:"max_gaps"`
	MaxDuplicates     int  `yaml:"max_duplicates"`
	MaxOutOfOrder     int  `yaml:"max_out_of_order"`
	MaxInvalidClose   int  `yaml:"max_invalid_close"`
	MaxSignalsMissing int  `yaml:"max_signals_missing"`
	MaxSignalsInvalid int  `yaml:"max_signals_invalid"`
	MaxSignalsDropped int  `yaml:"max_signals_dropped"`
}

// Costs are charged on every fill. SlippageBps is copied into the
// execution section when that section leaves it at 0.
type Costs struct {
	FeeBps      float64 `yaml:"fee_bps"`
	SlippageBps float64 `yaml:"slippage_bps"`
}

// Sizing selects how action sizes become quantities.
type Sizing struct {
	Mode string `yaml:"mode"`
}

// Strategy names a registered builtin, or strategy.RemoteName for the
// agent, with its numeric parameters.
type Strategy struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// Agent configures the remote decision service.
type Agent struct {
	Transport    string        `yaml:"transport"`
	URL          string        `yaml:"url"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	Fallback     string        `yaml:"fallback_action"`
	FallbackSize float64       `yaml:"fallback_size"`
}

// Stream configures the live ticker source used by paper runs.
type Stream struct {
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

// Output controls where run artifacts and records are written.
type Output struct {
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
	ParquetDir string `yaml:"parquet_dir"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	ChunkDays       int    `yaml:"chunk_days"`
	Retries         int    `yaml:"retries"`
}

// Ingest selects what kairos-ingest backfills and where it goes.
type Ingest struct {
	Symbols []string `yaml:"symbols"`
	Target  string   `yaml:"target"`
}

// Server holds network listener configuration.
type Server struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AgentPort int    `yaml:"agent_port"`
	GRPCPort  int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs a buy-and-hold backtest over
// data/bars.csv with the simple execution model.
func Default() *Config {
	return &Config{
		Run: Run{
			Timeframe:      "1min",
			InitialCapital: 10_000,
		},
		Data: Data{
			Source:         SourceCSV,
			Path:           "data/bars.csv",
			Dir:            "data",
			Exchange:       "alpaca",
			Market:         "us",
			PostgresTable:  "ohlcv_candles",
			SignalsLag:     "0s",
			SignalsMissing: string(feed.MissingError),
		},
		Execution: broker.SimpleConfig(0),
		Risk:      engine.DefaultRiskLimits(),
		Features: features.Config{
			ReturnMode: features.ReturnLog,
			SMAWindows: []int{5, 20},
			RSIWindow:  features.DefaultRSIWindow,
		},
		Sizing:   Sizing{Mode: string(engine.SizeQuantity)},
		Strategy: Strategy{Name: "buy_and_hold"},
		Agent: Agent{
			Transport: TransportHTTP,
			URL:       "http://127.0.0.1:8000",
			GRPCAddr:  "127.0.0.1:9000",
			Timeout:   200 * time.Millisecond,
			Retries:   0,
			Fallback:  string(domain.ActionHold),
		},
		Stream: Stream{
			PingInterval: 20 * time.Second,
			ReadTimeout:  60 * time.Second,
		},
		Output: Output{
			Dir:        "runs",
			SQLitePath: "runs/kairos.db",
		},
		Alpaca: Alpaca{
			DataURL:         "https://data.alpaca.markets",
			Feed:            "iex",
			RateLimitPerMin: 200,
			ChunkDays:       30,
			Retries:         3,
		},
		Ingest: Ingest{Target: SourceParquet},
		Server: Server{
			Host:      "127.0.0.1",
			Port:      8080,
			AgentPort: 8000,
			GRPCPort:  9000,
		},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// ResolvePath returns flagPath, then $KAIROS_CONFIG, then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if v := os.Getenv("KAIROS_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at path, decodes it over the
// defaults, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation. Services that never start a run (the
// agent, the results API, the ingester) use it and check what they need.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it. Environment
// overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse picks the execution preset from execution.model before decoding,
// so fields a complete-model file leaves out keep the complete defaults.
func parse(data []byte) (*Config, error) {
	var preset struct {
		Execution struct {
			Model broker.Model `yaml:"model"`
		} `yaml:"execution"`
	}
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return nil, err
	}

	cfg := Default()
	if preset.Execution.Model == broker.ModelComplete {
		cfg.Execution = broker.CompleteConfig(0)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Execution.SlippageBps == 0 {
		cfg.Execution.SlippageBps = cfg.Costs.SlippageBps
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"KAIROS_RUN_ID", &cfg.Run.ID},
		{"KAIROS_SYMBOL", &cfg.Run.Symbol},
		{"KAIROS_TIMEFRAME", &cfg.Run.Timeframe},
		{"KAIROS_OUT_DIR", &cfg.Output.Dir},
		{"KAIROS_SQLITE_PATH", &cfg.Output.SQLitePath},
		{"KAIROS_POSTGRES_DSN", &cfg.Data.PostgresDSN},
		{"KAIROS_AGENT_URL", &cfg.Agent.URL},
		{"KAIROS_AGENT_GRPC_ADDR", &cfg.Agent.GRPCAddr},
		{"LOG_LEVEL", &cfg.Logging.Level},
		{"ALPACA_API_KEY", &cfg.Alpaca.APIKey},
		{"ALPACA_API_SECRET", &cfg.Alpaca.APISecret},
		{"ALPACA_DATA_URL", &cfg.Alpaca.DataURL},
		// Canonical names used by the Alpaca SDK win over the ones above.
		{"APCA_API_KEY_ID", &cfg.Alpaca.APIKey},
		{"APCA_API_SECRET_KEY", &cfg.Alpaca.APISecret},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate fails fast on settings a run cannot start with.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Run.Symbol) == "" {
		fail("run.symbol is required")
	}
	if _, err := timeframe.ParseOrSeconds(c.Run.Timeframe); err != nil {
		fail("run.timeframe: %v", err)
	}
	if !(c.Run.InitialCapital > 0) {
		fail("run.initial_capital must be positive, got %v", c.Run.InitialCapital)
	}

	switch c.Data.Source {
	case SourceCSV:
		if c.Data.Path == "" {
			fail("data.path is required for the csv source")
		}
	case SourceParquet:
		if c.Data.Dir == "" {
			fail("data.dir is required for the parquet source")
		}
	case SourcePostgres:
		if c.Data.PostgresDSN == "" {
			fail("data.postgres_dsn is required for the postgres source")
		}
	case SourceStream:
		if c.Stream.URL == "" {
			fail("stream.url is required for the stream source")
		}
	default:
		fail("data.source %q is not one of csv, parquet, postgres, stream", c.Data.Source)
	}
	if c.Data.SourceTimeframe != "" {
		if _, err := timeframe.ParseOrSeconds(c.Data.SourceTimeframe); err != nil {
			fail("data.source_timeframe: %v", err)
		}
	}
	if _, _, err := c.Range(); err != nil {
		fail("data: %v", err)
	}
	if _, err := c.SignalsLag(); err != nil {
		fail("data.signals_lag: %v", err)
	}
	if _, err := feed.ParseMissingPolicy(c.Data.SignalsMissing); err != nil {
		fail("data.signals_missing: %v", err)
	}

	if c.Costs.FeeBps < 0 || c.Costs.SlippageBps < 0 {
		fail("costs must be non-negative")
	}
	if err := c.Execution.Validate(); err != nil {
		fail("execution: %v", err)
	}

	switch engine.SizeMode(c.Sizing.Mode) {
	case engine.SizeQuantity, engine.SizePctEquity:
	default:
		fail("sizing.mode %q is not one of quantity, pct_equity", c.Sizing.Mode)
	}
	switch c.Features.ReturnMode {
	case features.ReturnLog, features.ReturnPct:
	default:
		fail("features.return_mode %q is not one of log, pct", c.Features.ReturnMode)
	}

	if c.Strategy.Name == "" {
		fail("strategy.name is required")
	}
	if c.Agent.Retries < 0 {
		fail("agent.retries must be >= 0")
	}
	if c.UsesAgent() {
		switch c.Agent.Transport {
		case TransportHTTP:
			if c.Agent.URL == "" {
				fail("agent.url is required for the http transport")
			}
		case TransportGRPC:
			if c.Agent.GRPCAddr == "" {
				fail("agent.grpc_addr is required for the grpc transport")
			}
		default:
			fail("agent.transport %q is not one of http, grpc", c.Agent.Transport)
		}
		if c.Agent.Timeout <= 0 {
			fail("agent.timeout must be positive")
		}
	}
	switch strings.ToUpper(c.Agent.Fallback) {
	case "BUY", "SELL", "HOLD":
	default:
		fail("agent.fallback_action %q is not one of BUY, SELL, HOLD", c.Agent.Fallback)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived settings
// ---------------------------------------------------------------------------

// UsesAgent reports whether decisions come from the remote agent.
func (c *Config) UsesAgent() bool {
	return c.Strategy.Name == strategy.RemoteName
}

// FallbackAction is the action substituted when the agent fails.
func (c *Config) FallbackAction() domain.Action {
	return domain.Action{
		Type: domain.ParseActionType(c.Agent.Fallback),
		Size: c.Agent.FallbackSize,
	}.Normalize()
}

// Range returns the optional bar window in epoch seconds. A zero end means
// no upper bound.
func (c *Config) Range() (start, end int64, err error) {
	if start, err = parseBound(c.Data.Start); err != nil {
		return 0, 0, fmt.Errorf("start: %w", err)
	}
	if end, err = parseBound(c.Data.End); err != nil {
		return 0, 0, fmt.Errorf("end: %w", err)
	}
	if end > 0 && end < start {
		return 0, 0, fmt.Errorf("end %q is before start %q", c.Data.End, c.Data.Start)
	}
	return start, end, nil
}

func parseBound(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Unix(), nil
	}
	return feed.ParseTimestamp(s)
}

// SignalsLag returns data.signals_lag in seconds.
func (c *Config) SignalsLag() (int64, error) {
	s := strings.TrimSpace(c.Data.SignalsLag)
	if s == "" || s == "0" || s == "0s" {
		return 0, nil
	}
	return timeframe.ParseDurationSeconds(s)
}

// EngineConfig maps the run sections onto a runner configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		RunID:       c.Run.ID,
		Symbol:      strings.ToUpper(strings.TrimSpace(c.Run.Symbol)),
		Timeframe:   c.Run.Timeframe,
		InitialCash: c.Run.InitialCapital,
		FeeBps:      c.Costs.FeeBps,
		SizeMode:    engine.SizeMode(c.Sizing.Mode),
		Execution:   c.Execution,
		Risk:        c.Risk,
		Features:    c.Features,
		Metrics:     c.Metrics,
		Policy:      engine.Policy{AllowPartialFeatures: c.Run.AllowPartialFeatures},
	}
}

// Snapshot returns the configuration as a generic map for summary.json,
// with credentials blanked.
func (c *Config) Snapshot() (map[string]any, error) {
	redacted := *c
	redacted.Alpaca.APIKey = redact(c.Alpaca.APIKey)
	redacted.Alpaca.APISecret = redact(c.Alpaca.APISecret)
	redacted.Data.PostgresDSN = redact(c.Data.PostgresDSN)

	raw, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
