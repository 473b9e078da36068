package state

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSignal means a captured signal value is outside its domain.
var ErrInvalidSignal = errors.New("invalid signal")

// #region new-snapshot
// NewSnapshot validates sig and builds a hashed, not-yet-current snapshot.
func NewSnapshot(id string, capturedAt time.Time, sig Signals) (Snapshot, error) {
	if err := sig.Validate(); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		SnapshotID:       id,
		CapturedAt:       capturedAt.UTC(),
		AlertLevel:       sig.AlertLevel,
		RegimeLabel:      sig.RegimeLabel,
		RegimeConfidence: sig.RegimeConfidence,
		StrategyPosture:  sig.StrategyPosture,
		StrategyExposure: sig.StrategyExposure,
	}
	snap.StateHash = ComputeStateHash(snap)
	return snap, nil
}

// Validate checks every enum is a known variant and both scalars lie in [0, 1].
func (sig Signals) Validate() error {
	if _, err := ParseAlertLevel(string(sig.AlertLevel)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if _, err := ParseRegimeLabel(string(sig.RegimeLabel)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if _, err := ParseStrategyPosture(string(sig.StrategyPosture)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if !unitInterval(sig.RegimeConfidence) {
		return fmt.Errorf("%w: regime confidence %v outside [0,1]", ErrInvalidSignal, sig.RegimeConfidence)
	}
	if !unitInterval(sig.StrategyExposure) {
		return fmt.Errorf("%w: strategy exposure %v outside [0,1]", ErrInvalidSignal, sig.StrategyExposure)
	}
	if sig.StrategyPosture == PostureFlat && sig.StrategyExposure != 0 {
		return fmt.Errorf("%w: FLAT posture must carry zero exposure", ErrInvalidSignal)
	}
	return nil
}

func unitInterval(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}

// #endregion new-snapshot
