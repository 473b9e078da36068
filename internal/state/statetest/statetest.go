// Package statetest provides SQLite-backed fixtures for packages that sit on
// top of the snapshot store.
package statetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/google/uuid"
)

// NewStore opens a store in a per-test temp directory and closes it on cleanup.
func NewStore(t testing.TB) *state.Store {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "protocol.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Signals returns a normal/bullish/long signal set that callers can tweak.
func Signals() state.Signals {
	return state.Signals{
		AlertLevel:       state.AlertNormal,
		RegimeLabel:      state.RegimeBullish,
		RegimeConfidence: 0.8,
		StrategyPosture:  state.PostureLong,
		StrategyExposure: 0.5,
	}
}

// Publish writes sig as the current snapshot captured at at.
func Publish(t testing.TB, s *state.Store, sig state.Signals, at time.Time) state.Snapshot {
	t.Helper()
	snap, err := state.NewSnapshot(uuid.NewString(), at, sig)
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	if err := s.Publish(context.Background(), snap, state.Lease{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return snap
}

// InsertRaw bypasses validation to plant a row, current or not.
func InsertRaw(t testing.TB, s *state.Store, raw state.RawSnapshot) {
	t.Helper()
	current := 0
	if raw.IsCurrent {
		current = 1
	}
	_, err := s.DB().Exec(
		`INSERT INTO state_snapshot (snapshot_id, state_hash, captured_at, alert_level, regime_label,
			regime_confidence, strategy_posture, strategy_exposure, is_current)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		raw.SnapshotID, raw.StateHash, raw.CapturedAt, raw.AlertLevel, raw.RegimeLabel,
		raw.RegimeConfidence, raw.StrategyPosture, raw.StrategyExposure, current,
	)
	if err != nil {
		t.Fatalf("insert raw snapshot: %v", err)
	}
}
