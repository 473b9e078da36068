package gate

import (
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
)

// #region reject-code
// Code classifies a validation outcome.
type Code string

const (
	CodeApproved     Code = "approved"
	CodeMissingHash  Code = "missing_hash"
	CodeStaleHash    Code = "stale_hash"
	CodeUnknownHash  Code = "unknown_hash"
	CodeNotPermitted Code = "not_permitted"
	CodeHalt         Code = "halt"
	CodeLookupError  Code = "lookup_error"
)

// #endregion reject-code

// #region request
// Request asks whether an output produced under StateHash may be bound.
type Request struct {
	AgentID   string
	Tier      state.AgentTier
	StateHash string
	Action    state.Action
}

// #endregion request

// #region decision
// Decision is the validator's answer. A rejection always carries a non-empty
// Reason.
type Decision struct {
	Approved bool
	Code     Code
	Reason   string

	// CurrentHash is the hash of the current snapshot when it could be read.
	CurrentHash string
	// AlertLevel is the current snapshot's alert level when it could be read.
	AlertLevel state.AlertLevel
	// StateTimestamp is the capture time of the snapshot StateHash matched.
	StateTimestamp time.Time
	// GraceDepth is 0 for the current snapshot, n for the n-th predecessor.
	GraceDepth int
}

// #endregion decision
