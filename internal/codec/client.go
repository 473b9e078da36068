package codec

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/gate"
	"github.com/danielpatrickdp/agent-state-protocol/internal/protocol"
	"github.com/danielpatrickdp/agent-state-protocol/internal/retrieval"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// #region client-struct
// Client is what agent processes use to reach the protocol daemon. Retrieve
// and Validate fail closed on transport errors, so a Client can stand in for
// the in-process retriever and validator.
type Client struct {
	conn   *grpc.ClientConn
	client StateProtocolClient
	now    func() time.Time
}

// #endregion client-struct

// #region constructor
// NewClient connects to the daemon at addr.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, client: NewStateProtocolClient(conn), now: time.Now}, nil
}

// NewClientWithService creates a Client over an injected service
// implementation. Used for testing without a real connection.
func NewClientWithService(svc StateProtocolClient) *Client {
	return &Client{client: svc, now: time.Now}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region retrieve
// Retrieve fetches the current vector. Transport errors, unknown enum values
// and a hash that does not recompute from the received fields all yield HALT.
// Derived predicates are recomputed locally, never taken from the wire.
func (c *Client) Retrieve(ctx context.Context, agentID string, tier state.AgentTier) retrieval.StateVector {
	resp, err := c.client.Retrieve(ctx, &RetrieveRequest{AgentID: agentID, AgentTier: string(tier)})
	if err != nil {
		return retrieval.Halt(agentID, tier, retrieval.StatusSystemError, c.now())
	}
	return DecodeVector(resp.Vector, c.now())
}

// #endregion retrieve

// #region validate
// Validate asks the daemon whether a binding may be written. A transport
// error is a lookup_error rejection.
func (c *Client) Validate(ctx context.Context, req gate.Request) gate.Decision {
	resp, err := c.client.ValidateBinding(ctx, &ValidateRequest{
		AgentID:        req.AgentID,
		AgentTier:      string(req.Tier),
		StateHash:      req.StateHash,
		IntendedAction: string(req.Action),
	})
	if err != nil {
		return gate.Decision{Code: gate.CodeLookupError, Reason: fmt.Sprintf("validate rpc: %v", err)}
	}
	return gate.Decision{
		Approved:    resp.Approved && resp.Code == string(gate.CodeApproved),
		Code:        gate.Code(resp.Code),
		Reason:      resp.Reason,
		CurrentHash: resp.CurrentHash,
		AlertLevel:  state.AlertLevel(resp.AlertLevel),
	}
}

// #endregion validate

// #region bind
// BindOutput submits an output through the daemon's guard.
func (c *Client) BindOutput(ctx context.Context, s protocol.Submission) (protocol.Result, error) {
	resp, err := c.client.BindOutput(ctx, bindRequest(s))
	if err != nil {
		return protocol.Result{}, fmt.Errorf("bind output rpc: %w", err)
	}
	return bindResult(resp), nil
}

// OverrideBinding forces a binding past validation. The daemon records the
// violation and marks the binding INVALID.
func (c *Client) OverrideBinding(ctx context.Context, s protocol.Submission) (protocol.Result, error) {
	resp, err := c.client.OverrideBinding(ctx, bindRequest(s))
	if err != nil {
		return protocol.Result{}, fmt.Errorf("override binding rpc: %w", err)
	}
	return bindResult(resp), nil
}

func bindRequest(s protocol.Submission) *BindRequest {
	return &BindRequest{
		AgentID:        s.AgentID,
		AgentTier:      string(s.Tier),
		StateHash:      s.StateHash,
		IntendedAction: string(s.Action),
		OutputType:     s.Output.OutputType,
		OutputID:       s.Output.OutputID,
		OutputTable:    s.Output.OutputTable,
		OutputHash:     s.Output.OutputHash,
	}
}

func bindResult(resp *BindResponse) protocol.Result {
	return protocol.Result{
		Approved:    resp.Approved,
		Decision:    gate.Decision{Approved: resp.Approved, Code: gate.Code(resp.Code), Reason: resp.Reason},
		BindingID:   resp.BindingID,
		ViolationID: resp.ViolationID,
		Reason:      resp.Reason,
	}
}

// #endregion bind

// #region log-violation
// LogViolation records a violation the agent detected on its own side.
func (c *Client) LogViolation(ctx context.Context, v violation.Violation) (string, error) {
	evidence, err := NewEvidence(v.Evidence)
	if err != nil {
		return "", err
	}
	resp, err := c.client.LogViolation(ctx, &LogViolationRequest{
		ViolationType:     string(v.Type),
		AgentID:           v.AgentID,
		AttemptedAction:   v.AttemptedAction,
		StateHashExpected: v.StateHashExpected,
		StateHashProvided: v.StateHashProvided,
		EnforcementAction: string(v.Enforcement),
		Evidence:          evidence,
	})
	if err != nil {
		return "", fmt.Errorf("log violation rpc: %w", err)
	}
	return resp.ViolationID, nil
}

// #endregion log-violation

// #region current-snapshot
// CurrentSnapshot returns the current snapshot for diagnostics.
func (c *Client) CurrentSnapshot(ctx context.Context) (Snapshot, error) {
	resp, err := c.client.CurrentSnapshot(ctx, &CurrentSnapshotRequest{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("current snapshot rpc: %w", err)
	}
	return resp.Snapshot, nil
}

// #endregion current-snapshot

// #region vector-conversion
// EncodeVector converts a vector to wire form.
func EncodeVector(v retrieval.StateVector) StateVector {
	return StateVector{
		SnapshotID:       v.SnapshotID,
		StateHash:        v.StateHash,
		CapturedAt:       v.CapturedAt,
		AlertLevel:       string(v.AlertLevel),
		RegimeLabel:      string(v.RegimeLabel),
		RegimeConfidence: v.RegimeConfidence,
		StrategyPosture:  string(v.StrategyPosture),
		StrategyExposure: v.StrategyExposure,
		AgentID:          v.AgentID,
		AgentTier:        string(v.AgentTier),
		RetrievedAt:      v.RetrievedAt,
		IsFresh:          v.IsFresh,
		RetrievalStatus:  string(v.Status),
		Cause:            string(v.Cause),
		IsValid:          v.IsValid(),
		AllowsExecution:  v.AllowsExecution(),
		AllowsTrading:    v.AllowsTrading(),
	}
}

// DecodeVector rebuilds a vector from wire form. Anything that does not
// decode cleanly, or a non-HALT vector whose hash does not recompute, is HALT.
func DecodeVector(w StateVector, now time.Time) retrieval.StateVector {
	tier := state.AgentTier(w.AgentTier)
	halt := func(cause retrieval.Status) retrieval.StateVector {
		return retrieval.Halt(w.AgentID, tier, cause, now)
	}

	status, err := retrieval.ParseStatus(w.RetrievalStatus)
	if err != nil {
		return halt(retrieval.StatusSystemError)
	}
	if status == retrieval.StatusHaltRequired {
		cause, err := retrieval.ParseStatus(w.Cause)
		if err != nil {
			cause = retrieval.StatusSystemError
		}
		return retrieval.Halt(w.AgentID, tier, cause, w.RetrievedAt)
	}

	alert, err := state.ParseAlertLevel(w.AlertLevel)
	if err != nil {
		return halt(retrieval.StatusSystemError)
	}
	regime, err := state.ParseRegimeLabel(w.RegimeLabel)
	if err != nil {
		return halt(retrieval.StatusSystemError)
	}
	posture, err := state.ParseStrategyPosture(w.StrategyPosture)
	if err != nil {
		return halt(retrieval.StatusSystemError)
	}

	snap := state.Snapshot{
		SnapshotID:       w.SnapshotID,
		StateHash:        w.StateHash,
		CapturedAt:       w.CapturedAt,
		AlertLevel:       alert,
		RegimeLabel:      regime,
		RegimeConfidence: w.RegimeConfidence,
		StrategyPosture:  posture,
		StrategyExposure: w.StrategyExposure,
	}
	if !snap.Verify() {
		return halt(retrieval.StatusHashMismatch)
	}

	return retrieval.StateVector{
		SnapshotID:       snap.SnapshotID,
		StateHash:        snap.StateHash,
		CapturedAt:       snap.CapturedAt,
		AlertLevel:       alert,
		RegimeLabel:      regime,
		RegimeConfidence: snap.RegimeConfidence,
		StrategyPosture:  posture,
		StrategyExposure: snap.StrategyExposure,
		AgentID:          w.AgentID,
		AgentTier:        tier,
		RetrievedAt:      w.RetrievedAt,
		IsFresh:          w.IsFresh && status == retrieval.StatusSuccess,
		Status:           status,
	}
}

// #endregion vector-conversion
