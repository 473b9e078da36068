package state

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownVariant is returned when a stored or supplied enum value is not one
// of the known variants. Callers on the read path map it to HALT.
var ErrUnknownVariant = errors.New("unknown enum variant")

// #region alert-level
// AlertLevel is the ordered circuit-breaker state. Lower rank is more restrictive.
type AlertLevel string

const (
	AlertHalt     AlertLevel = "HALT"
	AlertCritical AlertLevel = "CRITICAL"
	AlertElevated AlertLevel = "ELEVATED"
	AlertCaution  AlertLevel = "CAUTION"
	AlertNormal   AlertLevel = "NORMAL"
)

// MostRestrictiveAlert is the level forced onto every HALT vector.
const MostRestrictiveAlert = AlertHalt

// ParseAlertLevel decodes s into an AlertLevel.
func ParseAlertLevel(s string) (AlertLevel, error) {
	switch AlertLevel(s) {
	case AlertHalt:
		return AlertHalt, nil
	case AlertCritical:
		return AlertCritical, nil
	case AlertElevated:
		return AlertElevated, nil
	case AlertCaution:
		return AlertCaution, nil
	case AlertNormal:
		return AlertNormal, nil
	default:
		return "", fmt.Errorf("alert level %q: %w", s, ErrUnknownVariant)
	}
}

// Rank returns 0 for the most restrictive level and grows toward NORMAL.
// Unknown levels rank as most restrictive.
func (a AlertLevel) Rank() int {
	switch a {
	case AlertCritical:
		return 1
	case AlertElevated:
		return 2
	case AlertCaution:
		return 3
	case AlertNormal:
		return 4
	default:
		return 0
	}
}

// MoreRestrictiveThan reports whether a gates more than b.
func (a AlertLevel) MoreRestrictiveThan(b AlertLevel) bool {
	return a.Rank() < b.Rank()
}

// #endregion alert-level

// #region regime-label
// RegimeLabel classifies current market conditions.
type RegimeLabel string

const (
	RegimeBullish   RegimeLabel = "BULLISH"
	RegimeBearish   RegimeLabel = "BEARISH"
	RegimeSideways  RegimeLabel = "SIDEWAYS"
	RegimeVolatile  RegimeLabel = "VOLATILE"
	RegimeCrisis    RegimeLabel = "CRISIS"
	RegimeUntrusted RegimeLabel = "UNTRUSTED"
)

// ParseRegimeLabel decodes s into a RegimeLabel.
func ParseRegimeLabel(s string) (RegimeLabel, error) {
	switch RegimeLabel(s) {
	case RegimeBullish:
		return RegimeBullish, nil
	case RegimeBearish:
		return RegimeBearish, nil
	case RegimeSideways:
		return RegimeSideways, nil
	case RegimeVolatile:
		return RegimeVolatile, nil
	case RegimeCrisis:
		return RegimeCrisis, nil
	case RegimeUntrusted:
		return RegimeUntrusted, nil
	default:
		return "", fmt.Errorf("regime label %q: %w", s, ErrUnknownVariant)
	}
}

// #endregion regime-label

// #region strategy-posture
// StrategyPosture is the directional stance recommended by the strategy layer.
type StrategyPosture string

const (
	PostureLong      StrategyPosture = "LONG"
	PostureShort     StrategyPosture = "SHORT"
	PostureNeutral   StrategyPosture = "NEUTRAL"
	PostureDefensive StrategyPosture = "DEFENSIVE"
	PostureFlat      StrategyPosture = "FLAT"
)

// MostConservativePosture carries zero exposure.
const MostConservativePosture = PostureFlat

// ParseStrategyPosture decodes s into a StrategyPosture.
func ParseStrategyPosture(s string) (StrategyPosture, error) {
	switch StrategyPosture(s) {
	case PostureLong:
		return PostureLong, nil
	case PostureShort:
		return PostureShort, nil
	case PostureNeutral:
		return PostureNeutral, nil
	case PostureDefensive:
		return PostureDefensive, nil
	case PostureFlat:
		return PostureFlat, nil
	default:
		return "", fmt.Errorf("strategy posture %q: %w", s, ErrUnknownVariant)
	}
}

// #endregion strategy-posture

// #region snapshot
// Snapshot is one atomically captured, immutable bundle of the three upstream signals.
type Snapshot struct {
	SnapshotID       string
	StateHash        string
	CapturedAt       time.Time
	AlertLevel       AlertLevel
	RegimeLabel      RegimeLabel
	RegimeConfidence float64
	StrategyPosture  StrategyPosture
	StrategyExposure float64
	IsCurrent        bool
}

// Verify recomputes the content hash and compares it with StateHash.
func (s Snapshot) Verify() bool {
	return s.StateHash != "" && s.StateHash == ComputeStateHash(s)
}

// #endregion snapshot

// #region signals
// Signals are the three upstream values captured into one snapshot.
type Signals struct {
	AlertLevel       AlertLevel
	RegimeLabel      RegimeLabel
	RegimeConfidence float64
	StrategyPosture  StrategyPosture
	StrategyExposure float64
}

// #endregion signals

// #region agent-tier
// AgentTier is the authority class of a calling agent.
type AgentTier string

const (
	TierObserver AgentTier = "OBSERVER"
	TierAnalyst  AgentTier = "ANALYST"
	TierExecutor AgentTier = "EXECUTOR"
	TierTrader   AgentTier = "TRADER"
)

// ParseAgentTier decodes s into an AgentTier.
func ParseAgentTier(s string) (AgentTier, error) {
	switch AgentTier(s) {
	case TierObserver:
		return TierObserver, nil
	case TierAnalyst:
		return TierAnalyst, nil
	case TierExecutor:
		return TierExecutor, nil
	case TierTrader:
		return TierTrader, nil
	default:
		return "", fmt.Errorf("agent tier %q: %w", s, ErrUnknownVariant)
	}
}

// #endregion agent-tier

// #region action
// Action is what an agent intends to do with an output.
type Action string

const (
	ActionAnalyze   Action = "ANALYZE"
	ActionRecommend Action = "RECOMMEND"
	ActionExecute   Action = "EXECUTE"
	ActionTrade     Action = "TRADE"
)

// ParseAction decodes s into an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionAnalyze:
		return ActionAnalyze, nil
	case ActionRecommend:
		return ActionRecommend, nil
	case ActionExecute:
		return ActionExecute, nil
	case ActionTrade:
		return ActionTrade, nil
	default:
		return "", fmt.Errorf("action %q: %w", s, ErrUnknownVariant)
	}
}

// #endregion action
