package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/retrieval"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
)

const DefaultCycleTTL = 30 * time.Second

// #region agent
// Agent is one identity acting under the protocol. It holds no state vector;
// each Begin starts a new cycle with a fresh retrieve.
type Agent struct {
	id        string
	tier      state.AgentTier
	retriever Retriever
	guard     *Guard
	cycleTTL  time.Duration
	now       func() time.Time
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithCycleTTL bounds how long a VALID cycle may be committed from.
func WithCycleTTL(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.cycleTTL = d
		}
	}
}

// WithAgentClock overrides time.Now for cycle ageing.
func WithAgentClock(now func() time.Time) AgentOption {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAgent creates an agent identity.
func NewAgent(id string, tier state.AgentTier, r Retriever, g *Guard, opts ...AgentOption) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if _, err := state.ParseAgentTier(string(tier)); err != nil {
		return nil, err
	}
	if r == nil || g == nil {
		return nil, fmt.Errorf("retriever and guard are required")
	}
	a := &Agent{id: id, tier: tier, retriever: r, guard: g, cycleTTL: DefaultCycleTTL, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// #endregion agent

// #region begin
// Begin retrieves the current state and returns a cycle in VALID, STALE or
// HALT.
func (a *Agent) Begin(ctx context.Context) *Cycle {
	c := &Cycle{agent: a, state: CycleUninitialized}
	c.state = CycleFetching
	c.vector = a.retriever.Retrieve(ctx, a.id, a.tier)
	c.started = a.now()
	switch c.vector.Phase() {
	case retrieval.PhaseValid:
		c.state = CycleValid
	case retrieval.PhaseStale:
		c.state = CycleStale
	default:
		c.state = CycleHalt
	}
	return c
}

// #endregion begin

// #region cycle
// Cycle is one retrieve-then-act pass. It can commit at most one output, and
// only from VALID within the cycle TTL. Every other commit is blocked and
// recorded.
type Cycle struct {
	agent   *Agent
	mu      sync.Mutex
	state   CycleState
	vector  retrieval.StateVector
	started time.Time
}

// State returns the cycle's current position.
func (c *Cycle) State() CycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Vector returns the state vector this cycle was opened with.
func (c *Cycle) Vector() retrieval.StateVector {
	return c.vector
}

// Commit binds out for action through the guard. The cycle is CLOSED
// afterwards whatever the outcome; acting again requires a new Begin.
func (c *Cycle) Commit(ctx context.Context, out Output, action state.Action) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state
	c.state = CycleClosed

	var vType violation.Type
	var reason string
	switch {
	case from == CycleStale:
		vType, reason = violation.StaleStateUse, "commit from a STALE cycle"
	case from == CycleHalt:
		vType, reason = violation.BypassAttempt, "commit from a HALT cycle"
	case from == CycleClosed:
		vType, reason = violation.LocalCache, "commit reused a closed cycle's state vector"
	case from != CycleValid:
		vType, reason = violation.BypassAttempt, fmt.Sprintf("commit from %s", from)
	case c.agent.now().Sub(c.started) > c.agent.cycleTTL:
		vType, reason = violation.LocalCache, "state vector held beyond the cycle ttl"
	default:
		return c.agent.guard.Submit(ctx, Submission{
			AgentID:   c.agent.id,
			Tier:      c.agent.tier,
			StateHash: c.vector.StateHash,
			Action:    action,
			Output:    out,
		})
	}

	id, err := c.agent.guard.violations.LogViolation(ctx, violation.Violation{
		Type:              vType,
		AgentID:           c.agent.id,
		AttemptedAction:   string(action),
		StateHashProvided: c.vector.StateHash,
		Enforcement:       violation.Blocked,
		Evidence: map[string]any{
			"cycle_state":      string(from),
			"retrieval_status": string(c.vector.Status),
			"retrieved_at":     state.FormatTime(c.vector.RetrievedAt),
			"output_id":        out.OutputID,
			"reason":           reason,
		},
	})
	return Result{ViolationID: id, Reason: reason}, err
}

// #endregion cycle
