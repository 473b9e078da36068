// Package protocol is the agent-side half of the state protocol: the
// retrieve-then-act cycle and the guard that turns validation outcomes into
// bindings or violation records.
package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielpatrickdp/agent-state-protocol/internal/gate"
	"github.com/danielpatrickdp/agent-state-protocol/internal/ledger"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
)

// #region guard
// Guard sequences validate, bind and record. It is the only caller of the
// ledger in this module.
type Guard struct {
	validator  Validator
	binder     Binder
	violations ViolationLogger
	logger     *slog.Logger
}

// NewGuard wires a guard. All three collaborators are required.
func NewGuard(v Validator, b Binder, vl ViolationLogger, logger *slog.Logger) (*Guard, error) {
	if v == nil || b == nil || vl == nil {
		return nil, fmt.Errorf("validator, binder and violation logger are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{validator: v, binder: b, violations: vl, logger: logger}, nil
}

// #endregion guard

// #region submit
// Submit binds the output when the validator approves. A rejection is
// returned as data and, except for lookup errors, recorded as a violation
// with enforcement BLOCKED. The error is non-nil only when the binding or the
// violation evidence could not be written; callers must treat it as a
// rejection.
func (g *Guard) Submit(ctx context.Context, s Submission) (Result, error) {
	return g.submit(ctx, s, g.validator.Validate(ctx, g.request(s)))
}

func (g *Guard) submit(ctx context.Context, s Submission, d gate.Decision) (Result, error) {
	res := Result{Approved: d.Approved, Decision: d, Reason: d.Reason}

	if d.Approved {
		id, err := g.bind(ctx, s, d, ledger.StatusValid)
		if err != nil {
			res.Approved = false
			return res, err
		}
		res.BindingID = id
		return res, nil
	}

	vType, ok := submitViolation(d.Code)
	if !ok {
		g.logger.Warn("binding rejected", "agent_id", s.AgentID, "code", d.Code, "reason", d.Reason)
		return res, nil
	}
	id, err := g.violations.LogViolation(ctx, g.violation(s, d, vType, violation.Blocked))
	res.ViolationID = id
	return res, err
}

// #endregion submit

// #region override
// Override binds the output even though validation failed. The violation is
// recorded first, enforcement ISOLATED, then the binding is appended with
// status INVALID so auditors can see exactly what was forced through. An
// approved submission is bound normally. A submission without a state hash
// cannot be bound at all; only the violation is written.
func (g *Guard) Override(ctx context.Context, s Submission) (Result, error) {
	d := g.validator.Validate(ctx, g.request(s))
	if d.Approved {
		return g.submit(ctx, s, d)
	}

	res := Result{Decision: d, Reason: d.Reason}
	vType := overrideViolation(d.Code)
	vid, verr := g.violations.LogViolation(ctx, g.violation(s, d, vType, violation.Isolated))
	res.ViolationID = vid
	g.logger.Warn("binding forced past validation",
		"agent_id", s.AgentID,
		"code", d.Code,
		"violation_type", vType,
		"violation_id", vid,
	)

	if d.Code == gate.CodeMissingHash {
		if verr != nil {
			return res, verr
		}
		return res, fmt.Errorf("cannot bind output %s without a state hash", s.Output.OutputID)
	}

	bid, err := g.bind(ctx, s, d, ledger.StatusInvalid)
	res.BindingID = bid
	if err != nil {
		return res, err
	}
	return res, verr
}

// #endregion override

// #region helpers
func (g *Guard) request(s Submission) gate.Request {
	return gate.Request{AgentID: s.AgentID, Tier: s.Tier, StateHash: s.StateHash, Action: s.Action}
}

func (g *Guard) bind(ctx context.Context, s Submission, d gate.Decision, status ledger.Status) (string, error) {
	id, err := g.binder.BindOutput(ctx, ledger.Binding{
		StateHash:      s.StateHash,
		StateTimestamp: d.StateTimestamp,
		AgentID:        s.AgentID,
		OutputType:     s.Output.OutputType,
		OutputID:       s.Output.OutputID,
		OutputTable:    s.Output.OutputTable,
		OutputHash:     s.Output.OutputHash,
		Status:         status,
	})
	if err != nil {
		return "", fmt.Errorf("bind output %s: %w", s.Output.OutputID, err)
	}
	return id, nil
}

func (g *Guard) violation(s Submission, d gate.Decision, vType violation.Type, enforcement violation.Enforcement) violation.Violation {
	return violation.Violation{
		Type:              vType,
		AgentID:           s.AgentID,
		AttemptedAction:   string(s.Action),
		StateHashExpected: d.CurrentHash,
		StateHashProvided: s.StateHash,
		Enforcement:       enforcement,
		Evidence: map[string]any{
			"code":         string(d.Code),
			"reason":       d.Reason,
			"tier":         string(s.Tier),
			"alert_level":  string(d.AlertLevel),
			"output_type":  s.Output.OutputType,
			"output_id":    s.Output.OutputID,
			"output_table": s.Output.OutputTable,
			"output_hash":  s.Output.OutputHash,
		},
	}
}

// submitViolation maps a reject code to the breach it evidences. Lookup
// errors are the protocol's own failure, not the agent's.
func submitViolation(code gate.Code) (violation.Type, bool) {
	switch code {
	case gate.CodeMissingHash:
		return violation.MissingHash, true
	case gate.CodeStaleHash, gate.CodeUnknownHash:
		return violation.StaleStateUse, true
	case gate.CodeNotPermitted, gate.CodeHalt:
		return violation.AuthorityOverride, true
	default:
		return "", false
	}
}

// overrideViolation maps a reject code to the breach of binding anyway.
func overrideViolation(code gate.Code) violation.Type {
	switch code {
	case gate.CodeMissingHash:
		return violation.MissingHash
	case gate.CodeStaleHash, gate.CodeUnknownHash:
		return violation.StaleStateUse
	default:
		return violation.AuthorityOverride
	}
}

// #endregion helpers
