package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/codec"
	"github.com/danielpatrickdp/agent-state-protocol/internal/gate"
	"github.com/danielpatrickdp/agent-state-protocol/internal/ledger"
	"github.com/danielpatrickdp/agent-state-protocol/internal/protocol"
	"github.com/danielpatrickdp/agent-state-protocol/internal/retrieval"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state/statetest"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// #region fixture
type fixture struct {
	store    *state.Store
	ledger   *ledger.Ledger
	recorder *violation.Recorder
	client   *codec.Client
	conn     *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := statetest.NewStore(t)
	l, err := ledger.New(store.DB())
	require.NoError(t, err)
	rec, err := violation.NewRecorder(store.DB())
	require.NoError(t, err)
	validator := gate.NewValidator(store, 0)
	guard, err := protocol.NewGuard(validator, l, rec, nil)
	require.NoError(t, err)

	svc, err := NewService(Deps{
		Retriever:  retrieval.New(store.DB(), retrieval.WithViolationLogger(rec)),
		Validator:  validator,
		Guard:      guard,
		Violations: rec,
		Snapshots:  store,
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := New(lis, svc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	creds := grpc.WithTransportCredentials(insecure.NewCredentials())
	client, err := codec.NewClient("passthrough:///bufnet", dialer, creds)
	require.NoError(t, err)
	conn, err := grpc.NewClient("passthrough:///bufnet", dialer, creds)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = conn.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return &fixture{store: store, ledger: l, recorder: rec, client: client, conn: conn}
}

func (f *fixture) violations(t *testing.T) []violation.Violation {
	t.Helper()
	out, err := f.recorder.List(context.Background(), violation.Filter{})
	require.NoError(t, err)
	return out
}

func testSubmission(hash string, tier state.AgentTier, action state.Action) protocol.Submission {
	return protocol.Submission{
		AgentID:   "agent-1",
		Tier:      tier,
		StateHash: hash,
		Action:    action,
		Output: protocol.Output{
			OutputType:  "trade_signal",
			OutputID:    "sig-1",
			OutputTable: "trade_signals",
			OutputHash:  "out-hash",
		},
	}
}

// #endregion fixture

// #region retrieve-tests
func TestRetrieveOverWire(t *testing.T) {
	f := newFixture(t)
	snap := statetest.Publish(t, f.store, statetest.Signals(), time.Now())

	v := f.client.Retrieve(context.Background(), "agent-1", state.TierTrader)
	require.Equal(t, retrieval.StatusSuccess, v.Status, "cause %s", v.Cause)
	assert.Equal(t, snap.StateHash, v.StateHash)
	assert.True(t, v.CapturedAt.Equal(snap.CapturedAt))
	assert.True(t, v.AllowsTrading())
}

func TestRetrieveOverWireEmptyStoreHalts(t *testing.T) {
	f := newFixture(t)

	v := f.client.Retrieve(context.Background(), "agent-1", state.TierObserver)
	assert.True(t, v.IsHalt())
	assert.Equal(t, retrieval.StatusNotFound, v.Cause)
}

func TestRetrieveUnknownTierHalts(t *testing.T) {
	f := newFixture(t)
	statetest.Publish(t, f.store, statetest.Signals(), time.Now())

	v := f.client.Retrieve(context.Background(), "agent-1", "ROOT")
	assert.True(t, v.IsHalt())
	assert.Equal(t, retrieval.StatusSystemError, v.Cause)
}

// #endregion retrieve-tests

// #region bind-tests
func TestValidateAndBindOverWire(t *testing.T) {
	f := newFixture(t)
	snap := statetest.Publish(t, f.store, statetest.Signals(), time.Now())
	sub := testSubmission(snap.StateHash, state.TierTrader, state.ActionTrade)

	d := f.client.Validate(context.Background(), gate.Request{AgentID: sub.AgentID, Tier: sub.Tier, StateHash: sub.StateHash, Action: sub.Action})
	require.True(t, d.Approved, d.Reason)

	res, err := f.client.BindOutput(context.Background(), sub)
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.NotEmpty(t, res.BindingID)

	b, err := f.ledger.Get(context.Background(), res.BindingID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusValid, b.Status)
	assert.Equal(t, snap.StateHash, b.StateHash)
	assert.True(t, b.StateTimestamp.Equal(snap.CapturedAt))
}

func TestBindStaleHashRecordsViolation(t *testing.T) {
	f := newFixture(t)
	old := statetest.Publish(t, f.store, statetest.Signals(), time.Now().Add(-time.Minute))
	statetest.Publish(t, f.store, statetest.Signals(), time.Now())

	res, err := f.client.BindOutput(context.Background(), testSubmission(old.StateHash, state.TierTrader, state.ActionTrade))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, gate.CodeStaleHash, res.Decision.Code)
	assert.Empty(t, res.BindingID)
	require.NotEmpty(t, res.ViolationID)

	vs := f.violations(t)
	require.Len(t, vs, 1)
	assert.Equal(t, violation.StaleStateUse, vs[0].Type)
	assert.Equal(t, violation.Blocked, vs[0].Enforcement)
}

func TestOverrideOverWire(t *testing.T) {
	f := newFixture(t)
	sig := statetest.Signals()
	sig.AlertLevel = state.AlertCaution
	snap := statetest.Publish(t, f.store, sig, time.Now())

	res, err := f.client.OverrideBinding(context.Background(), testSubmission(snap.StateHash, state.TierTrader, state.ActionTrade))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	require.NotEmpty(t, res.BindingID)
	require.NotEmpty(t, res.ViolationID)

	b, err := f.ledger.Get(context.Background(), res.BindingID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInvalid, b.Status)

	vs := f.violations(t)
	require.Len(t, vs, 1)
	assert.Equal(t, violation.AuthorityOverride, vs[0].Type)
	assert.Equal(t, violation.Isolated, vs[0].Enforcement)
}

func TestOverrideWithoutHashIsFailedPrecondition(t *testing.T) {
	f := newFixture(t)
	snap := statetest.Publish(t, f.store, statetest.Signals(), time.Now())

	_, err := f.client.OverrideBinding(context.Background(), testSubmission("", state.TierTrader, state.ActionTrade))
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	vs := f.violations(t)
	require.Len(t, vs, 1)
	assert.Equal(t, violation.MissingHash, vs[0].Type)
	assert.Equal(t, snap.StateHash, vs[0].StateHashExpected)
}

func TestBindRejectsMalformedRequest(t *testing.T) {
	f := newFixture(t)

	bad := testSubmission("abc", "ROOT", state.ActionTrade)
	_, err := f.client.BindOutput(context.Background(), bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bad = testSubmission("abc", state.TierTrader, "WITHDRAW")
	_, err = f.client.BindOutput(context.Background(), bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bad = testSubmission("abc", state.TierTrader, state.ActionTrade)
	bad.Output.OutputHash = ""
	_, err = f.client.BindOutput(context.Background(), bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Empty(t, f.violations(t))
}

// #endregion bind-tests

// #region violation-tests
func TestLogViolationOverWire(t *testing.T) {
	f := newFixture(t)

	id, err := f.client.LogViolation(context.Background(), violation.Violation{
		Type:            violation.LocalCache,
		AgentID:         "agent-7",
		AttemptedAction: "EXECUTE",
		Enforcement:     violation.Flagged,
		Evidence:        map[string]any{"cached_hash": "abc", "age_seconds": float64(42)},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	vs := f.violations(t)
	require.Len(t, vs, 1)
	assert.Equal(t, id, vs[0].ViolationID)
	assert.Equal(t, violation.Flagged, vs[0].Enforcement)
	assert.Equal(t, "abc", vs[0].Evidence["cached_hash"])
	assert.Equal(t, float64(42), vs[0].Evidence["age_seconds"])
}

func TestLogViolationRejectsUnknownType(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.LogViolation(context.Background(), violation.Violation{Type: "JAYWALKING", AgentID: "a"})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// #endregion violation-tests

// #region snapshot-tests
func TestCurrentSnapshotOverWire(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.CurrentSnapshot(context.Background())
	assert.Equal(t, codes.NotFound, status.Code(err))

	snap := statetest.Publish(t, f.store, statetest.Signals(), time.Now())
	got, err := f.client.CurrentSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.SnapshotID, got.SnapshotID)
	assert.Equal(t, snap.StateHash, got.StateHash)
}

func TestHealthServing(t *testing.T) {
	f := newFixture(t)

	resp, err := grpc_health_v1.NewHealthClient(f.conn).Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: codec.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

// #endregion snapshot-tests

func TestNewServiceRequiresDeps(t *testing.T) {
	_, err := NewService(Deps{})
	assert.Error(t, err)
}
