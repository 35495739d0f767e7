// Package agent implements the remote decision service contract: wire
// types, an HTTP client and a gRPC transport, both with bounded immediate
// retries.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"kairos/internal/domain"
)

var (
	// ErrInvalidResponse is returned for bodies that decode but violate the
	// response contract.
	ErrInvalidResponse = errors.New("invalid agent response")

	// ErrBatchMismatch is returned when a batch response does not carry one
	// item per request item.
	ErrBatchMismatch = errors.New("agent batch size mismatch")
)

// Default wire versions.
const (
	APIVersion     = "v1"
	FeatureVersion = "v1"
)

// PortfolioState is the portfolio snapshot sent with every request.
type PortfolioState struct {
	Cash             float64 `json:"cash"`
	PositionQty      float64 `json:"position_qty"`
	PositionAvgPrice float64 `json:"position_avg_price"`
	Equity           float64 `json:"equity"`
}

// Request is one decision request.
type Request struct {
	APIVersion     string         `json:"api_version"`
	FeatureVersion string         `json:"feature_version"`
	RunID          string         `json:"run_id"`
	Timestamp      string         `json:"timestamp"`
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	Observation    []float64      `json:"observation"`
	Portfolio      PortfolioState `json:"portfolio_state"`
}

// NewRequest fills a Request from engine values. ts is Unix seconds and is
// rendered as RFC 3339 UTC.
func NewRequest(runID, symbol, timeframe string, ts int64, obs []float64, st domain.PortfolioState) Request {
	return Request{
		APIVersion:     APIVersion,
		FeatureVersion: FeatureVersion,
		RunID:          runID,
		Timestamp:      time.Unix(ts, 0).UTC().Format(time.RFC3339),
		Symbol:         symbol,
		Timeframe:      timeframe,
		Observation:    obs,
		Portfolio: PortfolioState{
			Cash:             st.Cash,
			PositionQty:      st.PositionQty,
			PositionAvgPrice: st.PositionAvgPrice,
			Equity:           st.Equity,
		},
	}
}

// Response is the agent's answer.
type Response struct {
	ActionType   string   `json:"action_type"`
	Size         float64  `json:"size"`
	Confidence   *float64 `json:"confidence,omitempty"`
	ModelVersion *string  `json:"model_version,omitempty"`
	LatencyMs    *int64   `json:"latency_ms,omitempty"`
	Reason       *string  `json:"reason,omitempty"`
}

// Validate checks the action type, size and confidence ranges.
func (r Response) Validate() error {
	switch strings.ToUpper(r.ActionType) {
	case "BUY", "SELL", "HOLD":
	default:
		return fmt.Errorf("%w: action_type %q", ErrInvalidResponse, r.ActionType)
	}
	if math.IsNaN(r.Size) || math.IsInf(r.Size, 0) || r.Size < 0 {
		return fmt.Errorf("%w: size %v", ErrInvalidResponse, r.Size)
	}
	if r.Confidence != nil {
		c := *r.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("%w: confidence %v", ErrInvalidResponse, c)
		}
	}
	return nil
}

// ToAction converts the response into an engine action. Unknown action
// types become Hold.
func (r Response) ToAction() domain.Action {
	a := domain.Action{Type: domain.ParseActionType(r.ActionType), Size: r.Size}
	if r.Reason != nil {
		a.Reason = *r.Reason
	}
	return a.Normalize()
}

// BatchRequest carries several requests in one call.
type BatchRequest struct {
	Items []Request `json:"items"`
}

// BatchResponse carries one response per request item, in order.
type BatchResponse struct {
	Items []Response `json:"items"`
}

// CallInfo describes how a call went. Status is the HTTP status or gRPC
// code of the last attempt (0 when no response arrived).
type CallInfo struct {
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Status   int           `json:"status"`
	Err      string        `json:"error,omitempty"`
	Fallback bool          `json:"fallback"`
}

// Actor is the capability shared by every transport.
type Actor interface {
	Act(ctx context.Context, req Request) (Response, CallInfo, error)
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent returned status %d", e.Code)
	}
	return fmt.Sprintf("agent returned status %d: %s", e.Code, e.Body)
}
