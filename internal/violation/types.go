package violation

import (
	"fmt"
	"time"
)

// #region violation-type
// Type enumerates protocol breaches.
type Type string

const (
	BypassAttempt     Type = "BYPASS_ATTEMPT"
	StaleStateUse     Type = "STALE_STATE_USE"
	MissingHash       Type = "MISSING_HASH"
	AuthorityOverride Type = "AUTHORITY_OVERRIDE"
	InvalidRead       Type = "INVALID_READ"
	LocalCache        Type = "LOCAL_CACHE"
	TornRead          Type = "TORN_READ"
)

// ParseType decodes s into a Type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case BypassAttempt, StaleStateUse, MissingHash, AuthorityOverride, InvalidRead, LocalCache, TornRead:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown violation type %q", s)
	}
}

// #endregion violation-type

// #region enforcement
// Enforcement is what the protocol did about the breach.
type Enforcement string

const (
	Blocked   Enforcement = "BLOCKED"
	Isolated  Enforcement = "ISOLATED"
	Flagged   Enforcement = "FLAGGED"
	Suspended Enforcement = "SUSPENDED"
)

// ParseEnforcement decodes s into an Enforcement.
func ParseEnforcement(s string) (Enforcement, error) {
	switch Enforcement(s) {
	case Blocked, Isolated, Flagged, Suspended:
		return Enforcement(s), nil
	default:
		return "", fmt.Errorf("unknown enforcement action %q", s)
	}
}

// #endregion enforcement

// #region violation-record
// Violation is a single row in the violations table.
type Violation struct {
	ViolationID       string         `json:"violation_id"`
	Type              Type           `json:"violation_type"`
	AgentID           string         `json:"agent_id"`
	AttemptedAction   string         `json:"attempted_action"`
	StateHashExpected string         `json:"state_hash_expected,omitempty"`
	StateHashProvided string         `json:"state_hash_provided,omitempty"`
	Enforcement       Enforcement    `json:"enforcement_action"`
	Evidence          map[string]any `json:"evidence_bundle,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	AgentID string
	Type    Type
	Since   time.Time
	Limit   int
}

// #endregion violation-record
