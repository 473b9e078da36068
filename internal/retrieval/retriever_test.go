package retrieval

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state/statetest"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
)

// #region helpers
type captureViolations struct {
	mu  sync.Mutex
	got []violation.Violation
}

func (c *captureViolations) LogViolation(_ context.Context, v violation.Violation) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, v)
	return "v-" + string(v.Type), nil
}

func (c *captureViolations) types() []violation.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]violation.Type, len(c.got))
	for i, v := range c.got {
		out[i] = v.Type
	}
	return out
}

func assertHalt(t *testing.T, vec StateVector, cause Status) {
	t.Helper()
	if vec.Status != StatusHaltRequired {
		t.Fatalf("expected HALT_REQUIRED, got %s", vec.Status)
	}
	if vec.Cause != cause {
		t.Fatalf("expected cause %s, got %s", cause, vec.Cause)
	}
	if vec.AlertLevel != state.MostRestrictiveAlert {
		t.Fatalf("expected alert %s, got %s", state.MostRestrictiveAlert, vec.AlertLevel)
	}
	if vec.RegimeLabel != state.RegimeUntrusted {
		t.Fatalf("expected UNTRUSTED regime, got %s", vec.RegimeLabel)
	}
	if vec.StrategyPosture != state.MostConservativePosture || vec.StrategyExposure != 0 {
		t.Fatalf("expected FLAT/0, got %s/%v", vec.StrategyPosture, vec.StrategyExposure)
	}
	if vec.IsFresh || vec.IsValid() || vec.AllowsExecution() || vec.AllowsTrading() {
		t.Fatal("HALT vector must not be fresh, valid, executable or tradable")
	}
	if vec.Phase() != PhaseHalt {
		t.Fatalf("expected phase HALT, got %s", vec.Phase())
	}
}

func validRaw(id string, at time.Time) state.RawSnapshot {
	snap, _ := state.NewSnapshot(id, at, statetest.Signals())
	return state.RawSnapshot{
		SnapshotID:       snap.SnapshotID,
		StateHash:        snap.StateHash,
		CapturedAt:       state.FormatTime(snap.CapturedAt),
		AlertLevel:       string(snap.AlertLevel),
		RegimeLabel:      string(snap.RegimeLabel),
		RegimeConfidence: snap.RegimeConfidence,
		StrategyPosture:  string(snap.StrategyPosture),
		StrategyExposure: snap.StrategyExposure,
		IsCurrent:        true,
	}
}

// #endregion helpers

// #region scenario-tests
func TestRetrieveNormalScenario(t *testing.T) {
	store := statetest.NewStore(t)
	snap := statetest.Publish(t, store, statetest.Signals(), time.Now())

	vec := New(store.DB()).Retrieve(context.Background(), "agent-1", state.TierTrader)

	if vec.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", vec.Status, vec.Cause)
	}
	if vec.StateHash != snap.StateHash {
		t.Fatalf("round trip: expected %s, got %s", snap.StateHash, vec.StateHash)
	}
	if !vec.IsValid() || !vec.AllowsExecution() || !vec.AllowsTrading() {
		t.Fatal("normal/bullish/long should be valid and tradable")
	}
	if vec.Phase() != PhaseValid {
		t.Fatalf("expected VALID phase, got %s", vec.Phase())
	}
	if vec.AgentID != "agent-1" || vec.AgentTier != state.TierTrader {
		t.Fatalf("agent identity not carried: %+v", vec)
	}
}

func TestRetrieveCircuitBreaker(t *testing.T) {
	store := statetest.NewStore(t)
	sig := state.Signals{
		AlertLevel:       state.AlertHalt,
		RegimeLabel:      state.RegimeBullish,
		RegimeConfidence: 0.9,
		StrategyPosture:  state.PostureLong,
		StrategyExposure: 0.9,
	}
	statetest.Publish(t, store, sig, time.Now())

	vec := New(store.DB()).Retrieve(context.Background(), "agent-1", state.TierTrader)

	if vec.Status != StatusSuccess {
		t.Fatalf("the read itself succeeded, got %s", vec.Status)
	}
	if vec.IsValid() || vec.AllowsTrading() || vec.AllowsExecution() {
		t.Fatal("most restrictive alert must invalidate the vector regardless of other fields")
	}
	if vec.Phase() != PhaseHalt {
		t.Fatalf("expected HALT phase, got %s", vec.Phase())
	}
}

func TestAlertLevelPredicates(t *testing.T) {
	cases := []struct {
		level     state.AlertLevel
		execution bool
		trading   bool
	}{
		{state.AlertNormal, true, true},
		{state.AlertCaution, true, false},
		{state.AlertElevated, false, false},
		{state.AlertCritical, false, false},
		{state.AlertHalt, false, false},
	}
	for _, tc := range cases {
		vec := StateVector{AlertLevel: tc.level, Status: StatusSuccess, IsFresh: true}
		if got := vec.AllowsExecution(); got != tc.execution {
			t.Errorf("%s: AllowsExecution = %v", tc.level, got)
		}
		if got := vec.AllowsTrading(); got != tc.trading {
			t.Errorf("%s: AllowsTrading = %v", tc.level, got)
		}
	}
}

func TestNonSuccessNeverTrades(t *testing.T) {
	for _, status := range []Status{StatusStale, StatusHashMismatch, StatusNotFound, StatusSystemError, StatusHaltRequired} {
		vec := StateVector{AlertLevel: state.AlertNormal, Status: status, IsFresh: true}
		if vec.AllowsTrading() || vec.IsValid() {
			t.Errorf("status %s must not allow trading", status)
		}
	}
}

// #endregion scenario-tests

// #region halt-tests
func TestRetrieveNoCurrentIsHalt(t *testing.T) {
	store := statetest.NewStore(t)
	vec := New(store.DB()).Retrieve(context.Background(), "agent-1", state.TierAnalyst)
	assertHalt(t, vec, StatusNotFound)
}

func TestRetrieveUnreachableStoreIsHalt(t *testing.T) {
	store := statetest.NewStore(t)
	statetest.Publish(t, store, statetest.Signals(), time.Now())
	r := New(store.DB())
	store.Close()

	assertHalt(t, r.Retrieve(context.Background(), "agent-1", state.TierTrader), StatusSystemError)
}

func TestRetrieveNilDBIsHalt(t *testing.T) {
	assertHalt(t, New(nil).Retrieve(context.Background(), "agent-1", state.TierTrader), StatusSystemError)
}

func TestRetrieveExpiredDeadlineIsHalt(t *testing.T) {
	store := statetest.NewStore(t)
	statetest.Publish(t, store, statetest.Signals(), time.Now())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	assertHalt(t, New(store.DB()).Retrieve(ctx, "agent-1", state.TierTrader), StatusSystemError)
}

func TestRetrieveUnknownTierIsHalt(t *testing.T) {
	store := statetest.NewStore(t)
	statetest.Publish(t, store, statetest.Signals(), time.Now())
	assertHalt(t, New(store.DB()).Retrieve(context.Background(), "agent-1", "ROOT"), StatusSystemError)
}

func TestRetrieveMalformedRowIsHalt(t *testing.T) {
	store := statetest.NewStore(t)
	raw := validRaw("bad-enum", time.Now())
	raw.AlertLevel = "GREEN"
	statetest.InsertRaw(t, store, raw)

	violations := &captureViolations{}
	vec := New(store.DB(), WithViolationLogger(violations)).Retrieve(context.Background(), "agent-1", state.TierTrader)

	assertHalt(t, vec, StatusSystemError)
	got := violations.types()
	if len(got) != 1 || got[0] != violation.InvalidRead {
		t.Fatalf("expected one INVALID_READ, got %v", got)
	}
}

func TestRetrieveHashMismatchIsHalt(t *testing.T) {
	store := statetest.NewStore(t)
	raw := validRaw("tampered", time.Now())
	raw.StrategyExposure = 0.99
	statetest.InsertRaw(t, store, raw)

	violations := &captureViolations{}
	vec := New(store.DB(), WithViolationLogger(violations)).Retrieve(context.Background(), "agent-1", state.TierTrader)

	assertHalt(t, vec, StatusHashMismatch)
	if len(violations.got) != 1 || violations.got[0].StateHashProvided != raw.StateHash {
		t.Fatalf("expected INVALID_READ carrying the stored hash, got %+v", violations.got)
	}
}

func TestRetrieveTornReadIsHalt(t *testing.T) {
	store := statetest.NewStore(t)
	if _, err := store.DB().Exec(`DROP INDEX state_snapshot_one_current`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	statetest.InsertRaw(t, store, validRaw("first", time.Now()))
	statetest.InsertRaw(t, store, validRaw("second", time.Now()))

	violations := &captureViolations{}
	vec := New(store.DB(), WithViolationLogger(violations)).Retrieve(context.Background(), "agent-1", state.TierTrader)

	assertHalt(t, vec, StatusSystemError)
	got := violations.types()
	if len(got) != 1 || got[0] != violation.TornRead {
		t.Fatalf("expected one TORN_READ, got %v", got)
	}
}

// #endregion halt-tests

// #region freshness-tests
func TestRetrieveStaleKeepsFields(t *testing.T) {
	store := statetest.NewStore(t)
	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := statetest.Publish(t, store, statetest.Signals(), captured)

	r := New(store.DB(),
		WithStaleAfter(time.Minute),
		WithClock(func() time.Time { return captured.Add(2 * time.Minute) }),
	)
	vec := r.Retrieve(context.Background(), "agent-1", state.TierTrader)

	if vec.Status != StatusStale || vec.IsFresh {
		t.Fatalf("expected STALE and not fresh, got %s fresh=%v", vec.Status, vec.IsFresh)
	}
	if vec.StateHash != snap.StateHash || vec.AlertLevel != state.AlertNormal || vec.RegimeLabel != state.RegimeBullish {
		t.Fatalf("stale vector should keep snapshot fields for diagnostics: %+v", vec)
	}
	if vec.IsValid() || vec.AllowsTrading() {
		t.Fatal("stale vector must not be valid")
	}
	if vec.Phase() != PhaseStale {
		t.Fatalf("expected STALE phase, got %s", vec.Phase())
	}
}

func TestRetrieveWithinWindowIsFresh(t *testing.T) {
	store := statetest.NewStore(t)
	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	statetest.Publish(t, store, statetest.Signals(), captured)

	r := New(store.DB(),
		WithStaleAfter(time.Minute),
		WithClock(func() time.Time { return captured.Add(30 * time.Second) }),
	)
	if vec := r.Retrieve(context.Background(), "agent-1", state.TierTrader); !vec.IsFresh {
		t.Fatalf("expected fresh vector, got %+v", vec)
	}
}

// #endregion freshness-tests

// #region consistency-tests
func TestConcurrentRetrievesSeeSameHash(t *testing.T) {
	store := statetest.NewStore(t)
	statetest.Publish(t, store, statetest.Signals(), time.Now().Add(-time.Second))
	latest := statetest.Publish(t, store, statetest.Signals(), time.Now())

	r := New(store.DB())
	const n = 16
	hashes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hashes[i] = r.Retrieve(context.Background(), "agent", state.TierObserver).StateHash
		}(i)
	}
	wg.Wait()

	for i, h := range hashes {
		if h != latest.StateHash {
			t.Fatalf("retrieve %d saw %q, want %q", i, h, latest.StateHash)
		}
	}
}

func TestRetrieveDuringPublishesNeverHalts(t *testing.T) {
	store := statetest.NewStore(t)
	statetest.Publish(t, store, statetest.Signals(), time.Now())
	r := New(store.DB())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 25; i++ {
			snap, err := state.NewSnapshot(fmt.Sprintf("flip-%d", i), time.Now(), statetest.Signals())
			if err != nil {
				t.Error(err)
				return
			}
			if err := store.Publish(context.Background(), snap, state.Lease{}); err != nil {
				t.Errorf("publish %d: %v", i, err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		if vec := r.Retrieve(context.Background(), "agent", state.TierObserver); vec.Status != StatusSuccess {
			t.Fatalf("reader observed %s/%s during publication", vec.Status, vec.Cause)
		}
	}
}

// #endregion consistency-tests
