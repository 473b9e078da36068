package protocol

import (
	"context"

	"github.com/danielpatrickdp/agent-state-protocol/internal/gate"
	"github.com/danielpatrickdp/agent-state-protocol/internal/ledger"
	"github.com/danielpatrickdp/agent-state-protocol/internal/retrieval"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
)

// #region collaborators
// Retriever is the fail-closed read path.
type Retriever interface {
	Retrieve(ctx context.Context, agentID string, tier state.AgentTier) retrieval.StateVector
}

// Validator decides whether a binding may be written.
type Validator interface {
	Validate(ctx context.Context, req gate.Request) gate.Decision
}

// Binder appends output bindings.
type Binder interface {
	BindOutput(ctx context.Context, b ledger.Binding) (string, error)
}

// ViolationLogger records protocol breaches.
type ViolationLogger interface {
	LogViolation(ctx context.Context, v violation.Violation) (string, error)
}

// #endregion collaborators

// #region submission
// Output identifies an artifact the agent persisted in its own table.
type Output struct {
	OutputType  string
	OutputID    string
	OutputTable string
	OutputHash  string
}

// Submission asks to bind Output to the state it was computed under.
type Submission struct {
	AgentID   string
	Tier      state.AgentTier
	StateHash string
	Action    state.Action
	Output    Output
}

// Result reports what the guard did with a submission.
type Result struct {
	Approved    bool
	Decision    gate.Decision
	BindingID   string
	ViolationID string
	Reason      string
}

// #endregion submission

// #region cycle-state
// CycleState is the position of one retrieve-then-act cycle.
type CycleState string

const (
	CycleUninitialized CycleState = "UNINITIALIZED"
	CycleFetching      CycleState = "FETCHING"
	CycleValid         CycleState = "VALID"
	CycleStale         CycleState = "STALE"
	CycleHalt          CycleState = "HALT"
	CycleClosed        CycleState = "CLOSED"
)

// #endregion cycle-state
