package engine

// RiskLimits holds the pre-trade limits checked by the runner before an
// order reaches the simulator. Any limit ≤ 0 is treated as unlimited.
//
//   - MaxPositionQty: largest position quantity allowed after a buy.
//   - MaxDrawdownPct: drawdown fraction (e.g. 0.2 for 20%) that halts trading.
//   - MaxExposurePct: largest position value as a fraction of equity.
type RiskLimits struct {
	MaxPositionQty float64 `yaml:"max_position_qty"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
	MaxExposurePct float64 `yaml:"max_exposure_pct"`
}

// DefaultRiskLimits leaves position size unlimited and allows full drawdown
// and full exposure.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{MaxPositionQty: 0, MaxDrawdownPct: 1, MaxExposurePct: 1}
}

// AllowsPosition reports whether adding add to current stays within the
// position limit.
func (r RiskLimits) AllowsPosition(current, add float64) bool {
	if r.MaxPositionQty <= 0 {
		return true
	}
	return current+add <= r.MaxPositionQty
}

// AllowsExposure reports whether nextExposure is within the exposure limit
// for the given equity. It always denies when equity ≤ 0.
func (r RiskLimits) AllowsExposure(equity, nextExposure float64) bool {
	if r.MaxExposurePct <= 0 {
		return true
	}
	if equity <= 0 {
		return false
	}
	return nextExposure/equity <= r.MaxExposurePct
}

// AllowsDrawdown reports whether drawdown is within the configured limit.
func (r RiskLimits) AllowsDrawdown(drawdown float64) bool {
	if r.MaxDrawdownPct <= 0 {
		return true
	}
	return drawdown <= r.MaxDrawdownPct
}
