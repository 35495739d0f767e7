// Package kairos is the Go SDK for the kairos-server results API.
package kairos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is matched by errors.Is for 404 responses.
var ErrNotFound = errors.New("not found")

// Client provides a Go SDK for interacting with the kairos-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new kairos API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kairos api: %d %s", e.Status, e.Message)
}

// Is reports a 404 as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Run is a stored run summary.
type Run struct {
	ID          string    `json:"id"`
	Mode        string    `json:"mode"`
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	Strategy    string    `json:"strategy"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	InitialCash float64   `json:"initial_cash"`
	FinalEquity float64   `json:"final_equity"`
	Bars        int       `json:"bars_processed"`
	Trades      int       `json:"trades"`
	WinRate     float64   `json:"win_rate"`
	NetProfit   float64   `json:"net_profit"`
	Sharpe      float64   `json:"sharpe"`
	MaxDrawdown float64   `json:"max_drawdown"`
	Error       string    `json:"error,omitempty"`
}

// Trade is one executed fill.
type Trade struct {
	Timestamp  int64   `json:"timestamp"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
	Fee        float64 `json:"fee"`
	Slippage   float64 `json:"slippage"`
	StrategyID string  `json:"strategy_id"`
	Reason     string  `json:"reason"`
}

// EquityPoint is the portfolio valuation after one bar.
type EquityPoint struct {
	Timestamp     int64   `json:"timestamp"`
	Equity        float64 `json:"equity"`
	Cash          float64 `json:"cash"`
	PositionQty   float64 `json:"position_qty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// AuditEvent is one entry of a run's audit trail.
type AuditEvent struct {
	RunID     string         `json:"run_id"`
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"event_type"`
	Symbol    string         `json:"symbol,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ListRuns returns the most recent runs first. limit <= 0 uses the server
// default.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	path := "/api/v1/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var body struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}

// GetRun retrieves one run.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), &run)
	return run, err
}

// GetTrades retrieves a run's trade log.
func (c *Client) GetTrades(ctx context.Context, id string) ([]Trade, error) {
	var body struct {
		Trades []Trade `json:"trades"`
	}
	err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id)+"/trades", &body)
	return body.Trades, err
}

// GetEquity retrieves a run's equity curve.
func (c *Client) GetEquity(ctx context.Context, id string) ([]EquityPoint, error) {
	var body struct {
		Points []EquityPoint `json:"points"`
	}
	err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id)+"/equity", &body)
	return body.Points, err
}

// GetAudit retrieves a run's audit trail.
func (c *Client) GetAudit(ctx context.Context, id string) ([]AuditEvent, error) {
	var body struct {
		Events []AuditEvent `json:"events"`
	}
	err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id)+"/audit", &body)
	return body.Events, err
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %s: reading body: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		var eb struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("GET %s: decoding: %w", path, err)
	}
	return nil
}
