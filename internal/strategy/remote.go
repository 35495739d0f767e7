package strategy

import (
	"context"
	"log/slog"

	"kairos/internal/agent"
	"kairos/internal/domain"
	"kairos/internal/util"
)

// RemoteName identifies decisions delegated to an external agent.
const RemoteName = "agent_remote"

// Compile-time interface check.
var _ Strategy = (*Remote)(nil)

// Remote delegates decisions to an agent service. Any failure resolves to
// the configured fallback action so a run never stops because the agent
// is unreachable.
type Remote struct {
	actor    agent.Actor
	fallback domain.Action
	logger   *slog.Logger
}

// NewRemote wraps actor. fallback is normalized (Hold keeps size 0).
func NewRemote(actor agent.Actor, fallback domain.Action, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = util.Discard()
	}
	fallback = fallback.Normalize()
	if fallback.Reason == "" {
		fallback.Reason = "agent_fallback"
	}
	return &Remote{actor: actor, fallback: fallback, logger: logger}
}

// Name returns "agent_remote".
func (r *Remote) Name() string { return RemoteName }

// Decide calls the agent once; retries are bounded by the client. Missing
// observation slots are sent as 0.
func (r *Remote) Decide(ctx context.Context, req Request) Decision {
	areq := agent.NewRequest(req.RunID, req.Symbol, req.Timeframe, req.Bar.Timestamp,
		req.Observation.Dense(), req.Portfolio)

	resp, info, err := r.actor.Act(ctx, areq)
	if err != nil {
		info.Fallback = true
		r.logger.Warn("agent call failed, using fallback",
			"symbol", req.Symbol,
			"timestamp", req.Bar.Timestamp,
			"attempts", info.Attempts,
			"status", info.Status,
			"error", err,
		)
		return Decision{Action: r.fallback, Call: &info}
	}
	return Decision{Action: resp.ToAction(), Call: &info}
}
