package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func bullish() Signals {
	return Signals{
		AlertLevel:       AlertNormal,
		RegimeLabel:      RegimeBullish,
		RegimeConfidence: 0.8,
		StrategyPosture:  PostureLong,
		StrategyExposure: 0.5,
	}
}

func mustSnapshot(t *testing.T, id string, at time.Time, sig Signals) Snapshot {
	t.Helper()
	snap, err := NewSnapshot(id, at, sig)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return snap
}

func TestPublishAndGetCurrent(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	snap := mustSnapshot(t, "snap-1", now, bullish())
	if err := s.Publish(ctx, snap, Lease{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	cur, err := s.GetCurrent(ctx)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.SnapshotID != "snap-1" {
		t.Fatalf("expected snap-1, got %s", cur.SnapshotID)
	}
	if !cur.IsCurrent {
		t.Fatal("expected current flag")
	}
	if cur.StateHash != snap.StateHash {
		t.Fatalf("hash mismatch: %s != %s", cur.StateHash, snap.StateHash)
	}
	// Recomputing from stored fields must reproduce the hash.
	if !cur.Verify() {
		t.Fatal("stored snapshot does not verify")
	}
	if !cur.CapturedAt.Equal(now) {
		t.Fatalf("captured_at round trip: %v != %v", cur.CapturedAt, now)
	}
}

func TestPublishFlipsCurrent(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		snap := mustSnapshot(t, fmt.Sprintf("snap-%d", i), base.Add(time.Duration(i)*time.Second), bullish())
		if err := s.Publish(ctx, snap, Lease{}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		n, err := s.CountCurrent(ctx)
		if err != nil {
			t.Fatalf("CountCurrent: %v", err)
		}
		if n != 1 {
			t.Fatalf("after publish %d: expected exactly 1 current row, got %d", i, n)
		}
	}

	cur, _ := s.GetCurrent(ctx)
	if cur.SnapshotID != "snap-4" {
		t.Fatalf("expected snap-4, got %s", cur.SnapshotID)
	}

	old, err := s.GetSnapshot(ctx, "snap-0")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if old.IsCurrent {
		t.Fatal("old snapshot should no longer be current")
	}
}

func TestPublishRejectsTamperedHash(t *testing.T) {
	s := tempDB(t)
	snap := mustSnapshot(t, "snap-1", time.Now(), bullish())
	snap.StrategyExposure = 0.9

	if err := s.Publish(context.Background(), snap, Lease{}); err == nil {
		t.Fatal("expected error for hash that does not match content")
	}
	if n, _ := s.CountCurrent(context.Background()); n != 0 {
		t.Fatalf("expected no current rows, got %d", n)
	}
}

func TestPublishFailureKeepsPreviousCurrent(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	first := mustSnapshot(t, "snap-1", time.Now(), bullish())
	if err := s.Publish(ctx, first, Lease{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Duplicate primary key aborts the transaction after the flip statement.
	dup := mustSnapshot(t, "snap-1", time.Now().Add(time.Second), bullish())
	if err := s.Publish(ctx, dup, Lease{}); err == nil {
		t.Fatal("expected duplicate id error")
	}

	cur, err := s.GetCurrent(ctx)
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.StateHash != first.StateHash {
		t.Fatal("failed publish must leave the previous snapshot current")
	}
}

func TestLeaseSerializesAuthorities(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := mustSnapshot(t, "a-1", now, bullish())
	if err := s.Publish(ctx, a, Lease{Holder: "authority-a", TTL: time.Minute}); err != nil {
		t.Fatalf("Publish a: %v", err)
	}

	b := mustSnapshot(t, "b-1", now.Add(time.Second), bullish())
	err := s.Publish(ctx, b, Lease{Holder: "authority-b", TTL: time.Minute})
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}

	// Renewal by the holder succeeds.
	a2 := mustSnapshot(t, "a-2", now.Add(2*time.Second), bullish())
	if err := s.Publish(ctx, a2, Lease{Holder: "authority-a", TTL: time.Minute}); err != nil {
		t.Fatalf("renew: %v", err)
	}

	// After expiry another authority may take over.
	b2 := mustSnapshot(t, "b-2", now.Add(2*time.Minute), bullish())
	if err := s.Publish(ctx, b2, Lease{Holder: "authority-b", TTL: time.Minute}); err != nil {
		t.Fatalf("takeover after expiry: %v", err)
	}
	holder, _, err := s.LeaseHolder(ctx)
	if err != nil {
		t.Fatalf("LeaseHolder: %v", err)
	}
	if holder != "authority-b" {
		t.Fatalf("expected authority-b, got %s", holder)
	}
}

func TestConcurrentPublishKeepsSingleCurrent(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := NewSnapshot(fmt.Sprintf("c-%d", i), base.Add(time.Duration(i)*time.Millisecond), bullish())
			if err != nil {
				t.Errorf("NewSnapshot: %v", err)
				return
			}
			if err := s.Publish(ctx, snap, Lease{}); err != nil {
				t.Errorf("Publish %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	n, err := s.CountCurrent(ctx)
	if err != nil {
		t.Fatalf("CountCurrent: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 current row, got %d", n)
	}
}

func TestGetCurrentNoSnapshot(t *testing.T) {
	s := tempDB(t)
	_, err := s.GetCurrent(context.Background())
	if !errors.Is(err, ErrNoCurrent) {
		t.Fatalf("expected ErrNoCurrent, got %v", err)
	}
}

func TestGetByHash(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	snap := mustSnapshot(t, "snap-1", time.Now(), bullish())
	s.Publish(ctx, snap, Lease{})

	got, err := s.GetByHash(ctx, snap.StateHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got.SnapshotID != "snap-1" {
		t.Fatalf("expected snap-1, got %s", got.SnapshotID)
	}

	if _, err := s.GetByHash(ctx, "deadbeef"); err == nil {
		t.Fatal("expected error for unknown hash")
	}
}

func TestRecentSnapshotsOrder(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		s.Publish(ctx, mustSnapshot(t, fmt.Sprintf("r-%d", i), base.Add(time.Duration(i)*time.Second), bullish()), Lease{})
	}

	recent, err := s.RecentSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSnapshots: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2, got %d", len(recent))
	}
	if recent[0].SnapshotID != "r-2" || recent[1].SnapshotID != "r-1" {
		t.Fatalf("unexpected order: %s, %s", recent[0].SnapshotID, recent[1].SnapshotID)
	}

	if _, err := s.RecentSnapshots(ctx, 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestDecodeMalformedRow(t *testing.T) {
	raw := RawSnapshot{
		SnapshotID:      "bad",
		CapturedAt:      FormatTime(time.Now()),
		AlertLevel:      "DEFCON_1",
		RegimeLabel:     "BULLISH",
		StrategyPosture: "LONG",
	}
	_, err := raw.Decode()
	if !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow, got %v", err)
	}
	if !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant in chain, got %v", err)
	}

	raw.AlertLevel = "NORMAL"
	raw.CapturedAt = "yesterday"
	if _, err := raw.Decode(); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow for bad timestamp, got %v", err)
	}
}

func TestNewStoreInvalidPath(t *testing.T) {
	_, err := NewStore(filepath.Join(string(os.PathSeparator), "nonexistent", "deep", "path", "test.db"))
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
	if _, err := NewStore("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestGetCurrentOnClosedDB(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(filepath.Join(dir, "test.db"))
	s.Publish(context.Background(), mustSnapshot(t, "x", time.Now(), bullish()), Lease{})
	s.Close()

	if _, err := s.GetCurrent(context.Background()); err == nil {
		t.Fatal("expected error on closed DB")
	}
}
