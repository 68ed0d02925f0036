package migration

import (
	"sort"

	"github.com/shopspring/decimal"

	"portage/internal/gateway/exchange"
)

// Strategy is the closing policy of a transition.
type Strategy string

const (
	// StrategyImmediate closes every tracked position at market on the
	// first tick, regardless of P&L.
	StrategyImmediate Strategy = "IMMEDIATE"
	// StrategyProfitable closes winners and tightens the stop on
	// losers instead of realizing the loss.
	StrategyProfitable Strategy = "PROFITABLE"
	// StrategyWaitProfit closes winners and leaves losers untouched
	// until they recover.
	StrategyWaitProfit Strategy = "WAIT_PROFIT"
	// StrategyManual holds everything until an operator approves, then
	// behaves like IMMEDIATE.
	StrategyManual Strategy = "MANUAL"
)

// ParseStrategy validates a strategy name from config or API input.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyImmediate, StrategyProfitable, StrategyWaitProfit, StrategyManual:
		return Strategy(s), true
	}
	return "", false
}

// Action is the per-position outcome of one evaluation.
type Action string

const (
	ActionCloseNow        Action = "CLOSE_NOW"
	ActionTightenStop     Action = "TIGHTEN_STOP"
	ActionWait            Action = "WAIT"
	ActionHoldForApproval Action = "HOLD_FOR_APPROVAL"
)

// Policy carries the tunables the evaluator needs. Values come from
// config and may be hot-reloaded between ticks.
type Policy struct {
	// EmergencyLossPct is the loss ratio (relative to stake, positive
	// number, e.g. 0.25 for -25%) beyond which a position is closed
	// unconditionally, approval gate or not.
	EmergencyLossPct float64
	// TightenStopPct is the remaining fraction of stop distance after a
	// TIGHTEN_STOP action.
	TightenStopPct float64
}

// EmergencyBreach reports whether the position's loss exceeds the
// configured emergency threshold.
func (p Policy) EmergencyBreach(pos exchange.Position) bool {
	if p.EmergencyLossPct <= 0 {
		return false
	}
	loss := decimal.NewFromFloat(pos.UnrealizedPnLRatio).Neg()
	return loss.GreaterThanOrEqual(decimal.NewFromFloat(p.EmergencyLossPct))
}

// Evaluate maps one open position to an action. Pure: same inputs, same
// action. The emergency-threshold override beats every strategy row so
// the approval gate can never hold a runaway loss open.
func Evaluate(strategy Strategy, pos exchange.Position, approved bool, policy Policy) Action {
	if policy.EmergencyBreach(pos) {
		return ActionCloseNow
	}
	switch strategy {
	case StrategyImmediate:
		return ActionCloseNow
	case StrategyProfitable:
		if pos.UnrealizedPnL > 0 {
			return ActionCloseNow
		}
		return ActionTightenStop
	case StrategyWaitProfit:
		if pos.UnrealizedPnL > 0 {
			return ActionCloseNow
		}
		return ActionWait
	case StrategyManual:
		if approved {
			return ActionCloseNow
		}
		return ActionHoldForApproval
	}
	return ActionWait
}

// OrderForClose sorts close-eligible positions into execution order:
// emergency breaches first, then largest profit first so gains are
// locked in before conditions move, then position id for determinism.
func OrderForClose(positions []exchange.Position, policy Policy) []exchange.Position {
	out := make([]exchange.Position, len(positions))
	copy(out, positions)
	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := policy.EmergencyBreach(out[i]), policy.EmergencyBreach(out[j])
		if bi != bj {
			return bi
		}
		pi := decimal.NewFromFloat(out[i].UnrealizedPnL)
		pj := decimal.NewFromFloat(out[j].UnrealizedPnL)
		if !pi.Equal(pj) {
			return pi.GreaterThan(pj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
