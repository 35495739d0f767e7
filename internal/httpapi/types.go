// Package httpapi serves stored run results over a read-only REST API.
package httpapi

import (
	"kairos/internal/domain"
	"kairos/internal/store"
)

// RunList is the body of GET /api/v1/runs.
type RunList struct {
	Count int               `json:"count"`
	Runs  []store.RunRecord `json:"runs"`
}

// TradeList is the body of GET /api/v1/runs/:id/trades.
type TradeList struct {
	RunID  string         `json:"run_id"`
	Count  int            `json:"count"`
	Trades []domain.Trade `json:"trades"`
}

// EquityList is the body of GET /api/v1/runs/:id/equity.
type EquityList struct {
	RunID  string               `json:"run_id"`
	Count  int                  `json:"count"`
	Points []domain.EquityPoint `json:"points"`
}

// AuditList is the body of GET /api/v1/runs/:id/audit.
type AuditList struct {
	RunID  string              `json:"run_id"`
	Count  int                 `json:"count"`
	Events []domain.AuditEvent `json:"events"`
}

// ErrorBody is returned with every non-2xx status.
type ErrorBody struct {
	Error string `json:"error"`
}
