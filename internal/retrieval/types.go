package retrieval

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
)

// #region status
// Status classifies the outcome of one retrieve call.
type Status string

const (
	StatusSuccess      Status = "SUCCESS"
	StatusStale        Status = "STALE"
	StatusHashMismatch Status = "HASH_MISMATCH"
	StatusNotFound     Status = "NOT_FOUND"
	StatusSystemError  Status = "SYSTEM_ERROR"
	StatusHaltRequired Status = "HALT_REQUIRED"
)

// ParseStatus decodes s into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusSuccess, StatusStale, StatusHashMismatch, StatusNotFound, StatusSystemError, StatusHaltRequired:
		return Status(s), nil
	default:
		return "", fmt.Errorf("retrieval status %q: %w", s, state.ErrUnknownVariant)
	}
}

// #endregion status

// #region phase
// Phase is where a vector leaves a retrieve-then-act cycle.
type Phase string

const (
	PhaseValid Phase = "VALID"
	PhaseStale Phase = "STALE"
	PhaseHalt  Phase = "HALT"
)

// #endregion phase

// #region state-vector
// StateVector is the read projection handed to an agent for one reasoning
// cycle. It is a value; nothing on the read path holds on to it.
//
// For HALT vectors Status is HALT_REQUIRED and Cause carries the underlying
// classification (NOT_FOUND, SYSTEM_ERROR or HASH_MISMATCH).
type StateVector struct {
	SnapshotID       string                `json:"snapshot_id,omitempty"`
	StateHash        string                `json:"state_hash,omitempty"`
	CapturedAt       time.Time             `json:"captured_at"`
	AlertLevel       state.AlertLevel      `json:"alert_level"`
	RegimeLabel      state.RegimeLabel     `json:"regime_label"`
	RegimeConfidence float64               `json:"regime_confidence"`
	StrategyPosture  state.StrategyPosture `json:"strategy_posture"`
	StrategyExposure float64               `json:"strategy_exposure"`

	AgentID     string          `json:"agent_id"`
	AgentTier   state.AgentTier `json:"agent_tier"`
	RetrievedAt time.Time       `json:"retrieved_at"`
	IsFresh     bool            `json:"is_fresh"`
	Status      Status          `json:"retrieval_status"`
	Cause       Status          `json:"cause,omitempty"`
}

// IsValid holds only for a fresh, successful read whose alert level is not
// the most restrictive one.
func (v StateVector) IsValid() bool {
	return v.Status == StatusSuccess && v.IsFresh && v.AlertLevel != state.MostRestrictiveAlert
}

// AllowsExecution reports whether execution branches may be entered.
func (v StateVector) AllowsExecution() bool {
	return v.IsValid() && (v.AlertLevel == state.AlertNormal || v.AlertLevel == state.AlertCaution)
}

// AllowsTrading reports whether trading branches may be entered.
func (v StateVector) AllowsTrading() bool {
	return v.IsValid() && v.AlertLevel == state.AlertNormal
}

// Phase maps the vector onto the cycle state it terminates in.
func (v StateVector) Phase() Phase {
	switch {
	case v.IsValid():
		return PhaseValid
	case v.Status == StatusStale:
		return PhaseStale
	default:
		return PhaseHalt
	}
}

// IsHalt reports whether this is the canonical HALT sentinel.
func (v StateVector) IsHalt() bool {
	return v.Status == StatusHaltRequired
}

// #endregion state-vector

// #region halt
// Halt builds the canonical fail-closed vector.
func Halt(agentID string, tier state.AgentTier, cause Status, at time.Time) StateVector {
	return StateVector{
		AlertLevel:       state.MostRestrictiveAlert,
		RegimeLabel:      state.RegimeUntrusted,
		RegimeConfidence: 0,
		StrategyPosture:  state.MostConservativePosture,
		StrategyExposure: 0,
		AgentID:          agentID,
		AgentTier:        tier,
		RetrievedAt:      at,
		IsFresh:          false,
		Status:           StatusHaltRequired,
		Cause:            cause,
	}
}

// #endregion halt
