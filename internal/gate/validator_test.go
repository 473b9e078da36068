package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state/statetest"
)

func publishSeries(t *testing.T, store *state.Store, n int) []state.Snapshot {
	t.Helper()
	base := time.Now().Add(-time.Duration(n) * time.Second)
	out := make([]state.Snapshot, n)
	for i := range out {
		out[i] = statetest.Publish(t, store, statetest.Signals(), base.Add(time.Duration(i)*time.Second))
	}
	return out
}

func traderRequest(hash string) Request {
	return Request{AgentID: "agent-1", Tier: state.TierTrader, StateHash: hash, Action: state.ActionTrade}
}

func TestValidateApprovesCurrentHash(t *testing.T) {
	store := statetest.NewStore(t)
	snaps := publishSeries(t, store, 2)
	current := snaps[1]

	d := NewValidator(store, 0).Validate(context.Background(), traderRequest(current.StateHash))

	if !d.Approved || d.Code != CodeApproved {
		t.Fatalf("expected approval, got %s: %s", d.Code, d.Reason)
	}
	if d.CurrentHash != current.StateHash || !d.StateTimestamp.Equal(current.CapturedAt) || d.GraceDepth != 0 {
		t.Fatalf("decision does not describe the current snapshot: %+v", d)
	}
}

func TestValidateRejectsMissingHash(t *testing.T) {
	store := statetest.NewStore(t)
	snaps := publishSeries(t, store, 1)

	d := NewValidator(store, 0).Validate(context.Background(), traderRequest("  "))
	if d.Approved || d.Code != CodeMissingHash || d.Reason == "" {
		t.Fatalf("expected missing_hash rejection, got %+v", d)
	}
	if d.CurrentHash != snaps[0].StateHash {
		t.Fatalf("missing_hash rejection should name the current hash, got %q", d.CurrentHash)
	}
}

func TestValidateMissingHashWithLookupError(t *testing.T) {
	d := NewValidator(failingSnapshots{}, 0).Validate(context.Background(), traderRequest(""))
	if d.Approved || d.Code != CodeMissingHash {
		t.Fatalf("expected missing_hash rejection, got %+v", d)
	}
	if d.CurrentHash != "" {
		t.Fatalf("no current hash could be read, got %q", d.CurrentHash)
	}

	if d := NewValidator(nil, 0).Validate(context.Background(), traderRequest("")); d.Approved || d.Code != CodeMissingHash {
		t.Fatalf("validator without a store: expected missing_hash, got %+v", d)
	}
}

func TestValidateGraceWindow(t *testing.T) {
	store := statetest.NewStore(t)
	snaps := publishSeries(t, store, 4)

	strict := NewValidator(store, 0)
	if d := strict.Validate(context.Background(), traderRequest(snaps[2].StateHash)); d.Approved || d.Code != CodeStaleHash {
		t.Fatalf("previous hash without grace: expected stale_hash, got %+v", d)
	}

	lenient := NewValidator(store, 2)
	for depth, idx := range []int{3, 2, 1} {
		d := lenient.Validate(context.Background(), traderRequest(snaps[idx].StateHash))
		if !d.Approved {
			t.Fatalf("snapshot %d within grace: %s", idx, d.Reason)
		}
		if d.GraceDepth != depth {
			t.Fatalf("snapshot %d: expected depth %d, got %d", idx, depth, d.GraceDepth)
		}
	}
	if d := lenient.Validate(context.Background(), traderRequest(snaps[0].StateHash)); d.Approved || d.Code != CodeStaleHash {
		t.Fatalf("beyond grace: expected stale_hash, got %+v", d)
	}
}

func TestValidateRejectsUnknownHash(t *testing.T) {
	store := statetest.NewStore(t)
	publishSeries(t, store, 2)

	d := NewValidator(store, 5).Validate(context.Background(), traderRequest("deadbeef"))
	if d.Approved || d.Code != CodeUnknownHash {
		t.Fatalf("expected unknown_hash, got %+v", d)
	}
}

func TestValidateRejectsAtHalt(t *testing.T) {
	store := statetest.NewStore(t)
	sig := statetest.Signals()
	sig.AlertLevel = state.AlertHalt
	snap := statetest.Publish(t, store, sig, time.Now())

	req := traderRequest(snap.StateHash)
	req.Action = state.ActionAnalyze
	d := NewValidator(store, 0).Validate(context.Background(), req)
	if d.Approved || d.Code != CodeHalt {
		t.Fatalf("expected halt rejection even for ANALYZE, got %+v", d)
	}
}

func TestValidateRejectsWithoutCurrentSnapshot(t *testing.T) {
	store := statetest.NewStore(t)
	d := NewValidator(store, 0).Validate(context.Background(), traderRequest("abc"))
	if d.Approved || d.Code != CodeHalt {
		t.Fatalf("expected halt with empty store, got %+v", d)
	}
}

func TestValidatePermissionMatrix(t *testing.T) {
	cases := []struct {
		tier   state.AgentTier
		action state.Action
		alert  state.AlertLevel
		want   bool
	}{
		{state.TierObserver, state.ActionAnalyze, state.AlertCritical, true},
		{state.TierObserver, state.ActionRecommend, state.AlertNormal, false},
		{state.TierAnalyst, state.ActionRecommend, state.AlertElevated, true},
		{state.TierAnalyst, state.ActionExecute, state.AlertNormal, false},
		{state.TierExecutor, state.ActionExecute, state.AlertCaution, true},
		{state.TierExecutor, state.ActionExecute, state.AlertElevated, false},
		{state.TierExecutor, state.ActionTrade, state.AlertNormal, false},
		{state.TierTrader, state.ActionTrade, state.AlertNormal, true},
		{state.TierTrader, state.ActionTrade, state.AlertCaution, false},
		{state.TierTrader, state.ActionAnalyze, state.AlertHalt, false},
		{"ROOT", state.ActionAnalyze, state.AlertNormal, false},
		{state.TierTrader, "WITHDRAW", state.AlertNormal, false},
	}
	for _, tc := range cases {
		if got := Permitted(tc.tier, tc.action, tc.alert); got != tc.want {
			t.Errorf("Permitted(%s, %s, %s) = %v, want %v", tc.tier, tc.action, tc.alert, got, tc.want)
		}
	}
}

func TestValidateRejectsTradeUnderCaution(t *testing.T) {
	store := statetest.NewStore(t)
	sig := statetest.Signals()
	sig.AlertLevel = state.AlertCaution
	snap := statetest.Publish(t, store, sig, time.Now())

	d := NewValidator(store, 0).Validate(context.Background(), traderRequest(snap.StateHash))
	if d.Approved || d.Code != CodeNotPermitted {
		t.Fatalf("expected not_permitted, got %+v", d)
	}
	if d.AlertLevel != state.AlertCaution {
		t.Fatalf("decision should report the current alert level, got %s", d.AlertLevel)
	}
}

func TestValidateRejectsLowTier(t *testing.T) {
	store := statetest.NewStore(t)
	snap := statetest.Publish(t, store, statetest.Signals(), time.Now())

	req := traderRequest(snap.StateHash)
	req.Tier = state.TierAnalyst
	if d := NewValidator(store, 0).Validate(context.Background(), req); d.Approved || d.Code != CodeNotPermitted {
		t.Fatalf("expected not_permitted, got %+v", d)
	}
}

type failingSnapshots struct{}

func (failingSnapshots) RecentSnapshots(context.Context, int) ([]state.Snapshot, error) {
	return nil, errors.New("disk on fire")
}

func (failingSnapshots) GetByHash(context.Context, string) (state.Snapshot, error) {
	return state.Snapshot{}, errors.New("disk on fire")
}

func TestValidateFailsClosedOnLookupError(t *testing.T) {
	d := NewValidator(failingSnapshots{}, 0).Validate(context.Background(), traderRequest("abc"))
	if d.Approved || d.Code != CodeLookupError || d.Reason == "" {
		t.Fatalf("expected lookup_error rejection, got %+v", d)
	}

	if d := NewValidator(nil, 0).Validate(context.Background(), traderRequest("abc")); d.Approved {
		t.Fatal("validator without a store must not approve")
	}
}

func TestValidateFailsClosedOnClosedStore(t *testing.T) {
	store := statetest.NewStore(t)
	snap := statetest.Publish(t, store, statetest.Signals(), time.Now())
	v := NewValidator(store, 0)
	store.Close()

	if d := v.Validate(context.Background(), traderRequest(snap.StateHash)); d.Approved || d.Code != CodeLookupError {
		t.Fatalf("expected lookup_error, got %+v", d)
	}
}

func TestValidateHaltCarriesStateTimestamp(t *testing.T) {
	store := statetest.NewStore(t)
	earlier := statetest.Publish(t, store, statetest.Signals(), time.Now().Add(-time.Minute))
	sig := statetest.Signals()
	sig.AlertLevel = state.AlertHalt
	statetest.Publish(t, store, sig, time.Now())

	d := NewValidator(store, 0).Validate(context.Background(), traderRequest(earlier.StateHash))
	if d.Code != CodeHalt {
		t.Fatalf("expected halt, got %+v", d)
	}
	if !d.StateTimestamp.Equal(earlier.CapturedAt) {
		t.Fatalf("halt decision should carry the supplied hash's capture time, got %v", d.StateTimestamp)
	}
}
