package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kairos/internal/broker"
	"kairos/internal/domain"
	"kairos/internal/engine"
)

// clearEnv blanks every variable applyEnvOverrides reads so the host
// environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"KAIROS_RUN_ID", "KAIROS_SYMBOL", "KAIROS_TIMEFRAME", "KAIROS_OUT_DIR",
		"KAIROS_SQLITE_PATH", "KAIROS_POSTGRES_DSN", "KAIROS_AGENT_URL",
		"KAIROS_AGENT_GRPC_ADDR", "LOG_LEVEL", "ALPACA_API_KEY", "ALPACA_API_SECRET",
		"ALPACA_DATA_URL", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kairos.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
run:
  run_id: "demo"
  symbol: "btcusd"
  timeframe: "5m"
  initial_capital: 50000
data:
  source: "parquet"
  dir: "/tmp/kairos/data"
  exchange: "kraken"
  market: "spot"
  start: "2024-01-01"
  end: "2024-02-01"
costs:
  fee_bps: 5
  slippage_bps: 2
execution:
  model: "complete"
  max_fill_pct_of_volume: 0.5
  tif: "ioc"
risk:
  max_position_qty: 3
  max_drawdown_pct: 0.3
  max_exposure_pct: 0.8
features:
  return_mode: "pct"
  sma_windows: [10]
  rsi_enabled: true
sizing:
  mode: "pct_equity"
strategy:
  name: "sma_cross"
  params:
    short: 3
    long: 12
agent:
  timeout: "2s"
  retries: 2
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Run / data --
	if cfg.Run.ID != "demo" || cfg.Run.InitialCapital != 50000 {
		t.Errorf("Run = %+v", cfg.Run)
	}
	if cfg.Data.Source != SourceParquet || cfg.Data.Exchange != "kraken" {
		t.Errorf("Data = %+v", cfg.Data)
	}
	if cfg.Data.PostgresTable != "ohlcv_candles" {
		t.Errorf("Data.PostgresTable = %q, want default %q", cfg.Data.PostgresTable, "ohlcv_candles")
	}

	// -- Execution: complete preset with overrides --
	if cfg.Execution.Model != broker.ModelComplete {
		t.Errorf("Execution.Model = %q, want %q", cfg.Execution.Model, broker.ModelComplete)
	}
	if cfg.Execution.LimitOffsetBps != 10 {
		t.Errorf("Execution.LimitOffsetBps = %v, want 10 from the complete preset", cfg.Execution.LimitOffsetBps)
	}
	if cfg.Execution.MaxFillPct != 0.5 || cfg.Execution.TIF != broker.IOC {
		t.Errorf("Execution = %+v", cfg.Execution)
	}
	if cfg.Execution.SlippageBps != 2 {
		t.Errorf("Execution.SlippageBps = %v, want 2 from costs", cfg.Execution.SlippageBps)
	}

	// -- Features --
	if len(cfg.Features.SMAWindows) != 1 || cfg.Features.SMAWindows[0] != 10 {
		t.Errorf("Features.SMAWindows = %v, want [10]", cfg.Features.SMAWindows)
	}
	if cfg.Features.RSIWindow != 14 {
		t.Errorf("Features.RSIWindow = %d, want 14", cfg.Features.RSIWindow)
	}

	// -- Strategy / agent --
	if cfg.Strategy.Params["long"] != 12 {
		t.Errorf("Strategy.Params = %v", cfg.Strategy.Params)
	}
	if cfg.Agent.Timeout != 2*time.Second || cfg.Agent.Retries != 2 {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.UsesAgent() {
		t.Error("UsesAgent() = true for a builtin strategy")
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	start, end, err := cfg.Range()
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if start != 1704067200 || end != 1706745600 {
		t.Errorf("Range = %d..%d, want 1704067200..1706745600", start, end)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
run:
  symbol: "AAPL"
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
output:
  dir: "/original/runs"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("KAIROS_OUT_DIR", "/env/runs")
	t.Setenv("KAIROS_SYMBOL", "MSFT")
	t.Setenv("APCA_API_SECRET_KEY", "canonical-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	if cfg.Alpaca.APISecret != "canonical-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (canonical env)", cfg.Alpaca.APISecret, "canonical-secret")
	}
	if cfg.Output.Dir != "/env/runs" {
		t.Errorf("Output.Dir = %q, want %q (env override)", cfg.Output.Dir, "/env/runs")
	}
	if cfg.Run.Symbol != "MSFT" {
		t.Errorf("Run.Symbol = %q, want %q (env override)", cfg.Run.Symbol, "MSFT")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestReadSkipsValidation(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 9090\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load err = %v, want ErrInvalid", err)
	}
	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.AgentPort != 8000 {
		t.Errorf("server = %+v, want port 9090 over defaults", cfg.Server)
	}
}

func TestParseRequiresSymbol(t *testing.T) {
	_, err := Parse([]byte("{}"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if !strings.Contains(err.Error(), "run.symbol") {
		t.Errorf("err = %v, want a run.symbol message", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		apply func(c *Config)
	}{
		{"timeframe", func(c *Config) { c.Run.Timeframe = "7x" }},
		{"capital", func(c *Config) { c.Run.InitialCapital = 0 }},
		{"source", func(c *Config) { c.Data.Source = "ftp" }},
		{"postgres dsn", func(c *Config) { c.Data.Source = SourcePostgres }},
		{"stream url", func(c *Config) { c.Data.Source = SourceStream }},
		{"negative fee", func(c *Config) { c.Costs.FeeBps = -1 }},
		{"fill pct", func(c *Config) {
			c.Execution = broker.CompleteConfig(0)
			c.Execution.MaxFillPct = 1.5
		}},
		{"size mode", func(c *Config) { c.Sizing.Mode = "notional" }},
		{"return mode", func(c *Config) { c.Features.ReturnMode = "diff" }},
		{"agent transport", func(c *Config) {
			c.Strategy.Name = "agent_remote"
			c.Agent.Transport = "smtp"
		}},
		{"agent url", func(c *Config) {
			c.Strategy.Name = "agent_remote"
			c.Agent.URL = ""
		}},
		{"retries", func(c *Config) { c.Agent.Retries = -1 }},
		{"fallback", func(c *Config) { c.Agent.Fallback = "short" }},
		{"range", func(c *Config) {
			c.Data.Start = "2024-02-01"
			c.Data.End = "2024-01-01"
		}},
		{"signals lag", func(c *Config) { c.Data.SignalsLag = "5 fortnights" }},
		{"signals lag overflow", func(c *Config) { c.Data.SignalsLag = "9223372036854775807w" }},
		{"signals policy", func(c *Config) { c.Data.SignalsMissing = "guess" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Run.Symbol = "AAPL"
			if err := cfg.Validate(); err != nil {
				t.Fatalf("baseline Validate: %v", err)
			}
			tc.apply(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := Default()
	cfg.Run.Symbol = " aapl "
	cfg.Run.AllowPartialFeatures = true
	cfg.Costs.FeeBps = 3
	cfg.Sizing.Mode = string(engine.SizePctEquity)

	ec := cfg.EngineConfig()
	if ec.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want %q", ec.Symbol, "AAPL")
	}
	if ec.FeeBps != 3 || ec.InitialCash != 10_000 {
		t.Errorf("FeeBps/InitialCash = %v/%v", ec.FeeBps, ec.InitialCash)
	}
	if ec.SizeMode != engine.SizePctEquity || !ec.Policy.AllowPartialFeatures {
		t.Errorf("EngineConfig = %+v", ec)
	}
}

func TestFallbackAction(t *testing.T) {
	cfg := Default()
	cfg.Agent.Fallback = "sell"
	cfg.Agent.FallbackSize = 2
	if got := cfg.FallbackAction(); got.Type != domain.ActionSell || got.Size != 2 {
		t.Errorf("FallbackAction() = %+v", got)
	}
	cfg.Agent.Fallback = "HOLD"
	if got := cfg.FallbackAction(); got.Type != domain.ActionHold || got.Size != 0 {
		t.Errorf("FallbackAction() = %+v, want a zero-size hold", got)
	}
}

func TestSnapshotRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Run.Symbol = "AAPL"
	cfg.Alpaca.APISecret = "s3cret"
	cfg.Data.PostgresDSN = "postgres://user:pw@db/kairos"

	snap, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	alpaca, ok := snap["alpaca"].(map[string]any)
	if !ok {
		t.Fatalf("snapshot alpaca = %T", snap["alpaca"])
	}
	if alpaca["api_secret"] != "***" {
		t.Errorf("api_secret = %v, want redacted", alpaca["api_secret"])
	}
	if alpaca["api_key"] != "" {
		t.Errorf("api_key = %v, want empty", alpaca["api_key"])
	}
	run := snap["run"].(map[string]any)
	if run["symbol"] != "AAPL" {
		t.Errorf("run.symbol = %v", run["symbol"])
	}
	if cfg.Alpaca.APISecret != "s3cret" {
		t.Error("Snapshot modified the receiver")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("KAIROS_CONFIG", "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("ResolvePath(\"\") = %q, want %q", got, DefaultPath)
	}
	t.Setenv("KAIROS_CONFIG", "/etc/kairos.yaml")
	if got := ResolvePath(""); got != "/etc/kairos.yaml" {
		t.Errorf("ResolvePath(\"\") = %q, want env path", got)
	}
	if got := ResolvePath("cli.yaml"); got != "cli.yaml" {
		t.Errorf("ResolvePath(flag) = %q, want flag path", got)
	}
}

func TestExampleConfigParses(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "config", "kairos.example.yaml"))
	if err != nil {
		t.Fatalf("reading example: %v", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(example): %v", err)
	}
	if cfg.Strategy.Name != "sma_cross" || cfg.Strategy.Params["long"] != 20 {
		t.Errorf("strategy = %+v", cfg.Strategy)
	}
	if cfg.Agent.Timeout != 200*time.Millisecond {
		t.Errorf("agent timeout = %v, want 200ms", cfg.Agent.Timeout)
	}
}
