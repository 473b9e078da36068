package codec

import "time"

// #region retrieve
type RetrieveRequest struct {
	AgentID   string `json:"agent_id"`
	AgentTier string `json:"agent_tier"`
}

// StateVector is the wire form of a retrieval vector. The derived predicates
// are informational for non-Go callers; the Go client recomputes them.
type StateVector struct {
	SnapshotID       string    `json:"snapshot_id,omitempty"`
	StateHash        string    `json:"state_hash,omitempty"`
	CapturedAt       time.Time `json:"captured_at"`
	AlertLevel       string    `json:"alert_level"`
	RegimeLabel      string    `json:"regime_label"`
	RegimeConfidence float64   `json:"regime_confidence"`
	StrategyPosture  string    `json:"strategy_posture"`
	StrategyExposure float64   `json:"strategy_exposure"`
	AgentID          string    `json:"agent_id"`
	AgentTier        string    `json:"agent_tier"`
	RetrievedAt      time.Time `json:"retrieved_at"`
	IsFresh          bool      `json:"is_fresh"`
	RetrievalStatus  string    `json:"retrieval_status"`
	Cause            string    `json:"cause,omitempty"`

	IsValid         bool `json:"is_valid"`
	AllowsExecution bool `json:"allows_execution"`
	AllowsTrading   bool `json:"allows_trading"`
}

type RetrieveResponse struct {
	Vector StateVector `json:"vector"`
}

// #endregion retrieve

// #region validate
type ValidateRequest struct {
	AgentID        string `json:"agent_id"`
	AgentTier      string `json:"agent_tier"`
	StateHash      string `json:"state_hash"`
	IntendedAction string `json:"intended_action"`
}

type ValidateResponse struct {
	Approved    bool   `json:"approved"`
	Code        string `json:"code"`
	Reason      string `json:"rejection_reason,omitempty"`
	CurrentHash string `json:"current_hash,omitempty"`
	AlertLevel  string `json:"alert_level,omitempty"`
}

// #endregion validate

// #region bind
type BindRequest struct {
	AgentID        string `json:"agent_id"`
	AgentTier      string `json:"agent_tier"`
	StateHash      string `json:"state_hash"`
	IntendedAction string `json:"intended_action"`
	OutputType     string `json:"output_type"`
	OutputID       string `json:"output_id"`
	OutputTable    string `json:"output_table"`
	OutputHash     string `json:"output_hash"`
}

type BindResponse struct {
	Approved    bool   `json:"approved"`
	Code        string `json:"code"`
	Reason      string `json:"reason,omitempty"`
	BindingID   string `json:"binding_id,omitempty"`
	ViolationID string `json:"violation_id,omitempty"`
}

// #endregion bind

// #region violation
type LogViolationRequest struct {
	ViolationType     string   `json:"violation_type"`
	AgentID           string   `json:"agent_id"`
	AttemptedAction   string   `json:"attempted_action"`
	StateHashExpected string   `json:"state_hash_expected,omitempty"`
	StateHashProvided string   `json:"state_hash_provided,omitempty"`
	EnforcementAction string   `json:"enforcement_action,omitempty"`
	Evidence          Evidence `json:"evidence_bundle"`
}

type LogViolationResponse struct {
	ViolationID string `json:"violation_id"`
}

// #endregion violation

// #region snapshot
type CurrentSnapshotRequest struct{}

type Snapshot struct {
	SnapshotID       string    `json:"snapshot_id"`
	StateHash        string    `json:"state_hash"`
	CapturedAt       time.Time `json:"captured_at"`
	AlertLevel       string    `json:"alert_level"`
	RegimeLabel      string    `json:"regime_label"`
	RegimeConfidence float64   `json:"regime_confidence"`
	StrategyPosture  string    `json:"strategy_posture"`
	StrategyExposure float64   `json:"strategy_exposure"`
}

type CurrentSnapshotResponse struct {
	Snapshot Snapshot `json:"snapshot"`
}

// #endregion snapshot
