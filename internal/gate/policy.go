package gate

import "github.com/danielpatrickdp/agent-state-protocol/internal/state"

// #region tier-ceilings
// tierActions is the set of actions each tier may bind outputs for.
var tierActions = map[state.AgentTier]map[state.Action]bool{
	state.TierObserver: {state.ActionAnalyze: true},
	state.TierAnalyst:  {state.ActionAnalyze: true, state.ActionRecommend: true},
	state.TierExecutor: {state.ActionAnalyze: true, state.ActionRecommend: true, state.ActionExecute: true},
	state.TierTrader:   {state.ActionAnalyze: true, state.ActionRecommend: true, state.ActionExecute: true, state.ActionTrade: true},
}

// #endregion tier-ceilings

// #region alert-ceilings
// ActionAllowedAt reports whether action may proceed under the given alert
// level. Nothing proceeds at HALT; unknown levels and actions are refused.
func ActionAllowedAt(action state.Action, level state.AlertLevel) bool {
	if _, err := state.ParseAlertLevel(string(level)); err != nil || level == state.MostRestrictiveAlert {
		return false
	}
	switch action {
	case state.ActionAnalyze, state.ActionRecommend:
		return true
	case state.ActionExecute:
		return level == state.AlertNormal || level == state.AlertCaution
	case state.ActionTrade:
		return level == state.AlertNormal
	default:
		return false
	}
}

// TierPermits reports whether tier may perform action at all.
func TierPermits(tier state.AgentTier, action state.Action) bool {
	return tierActions[tier][action]
}

// Permitted combines the tier and alert ceilings.
func Permitted(tier state.AgentTier, action state.Action, level state.AlertLevel) bool {
	return TierPermits(tier, action) && ActionAllowedAt(action, level)
}

// #endregion alert-ceilings
