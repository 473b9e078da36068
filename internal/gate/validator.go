// Package gate approves or rejects requests to bind an output to a state hash.
package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "state_protocol_binding_decisions_total",
	Help: "Binding validation outcomes by code",
}, []string{"code"})

// #region validator
// Snapshots is the read side of the snapshot store the validator needs.
type Snapshots interface {
	RecentSnapshots(ctx context.Context, n int) ([]state.Snapshot, error)
	GetByHash(ctx context.Context, stateHash string) (state.Snapshot, error)
}

// Validator evaluates binding requests against the current snapshot. It holds
// no snapshot data between calls.
type Validator struct {
	snapshots Snapshots
	grace     int
}

// NewValidator creates a validator. grace is the number of snapshots
// immediately preceding the current one whose hashes are still accepted.
func NewValidator(snapshots Snapshots, grace int) *Validator {
	if grace < 0 {
		grace = 0
	}
	return &Validator{snapshots: snapshots, grace: grace}
}

// #endregion validator

// #region validate
// Validate approves only when the hash is current (or within the grace
// window), the current alert level is not HALT and the tier may perform the
// action at that level. Every lookup failure rejects.
func (v *Validator) Validate(ctx context.Context, req Request) Decision {
	d := v.evaluate(ctx, req)
	decisions.WithLabelValues(string(d.Code)).Inc()
	return d
}

func (v *Validator) evaluate(ctx context.Context, req Request) Decision {
	hash := strings.TrimSpace(req.StateHash)
	if hash == "" {
		return v.missingHash(ctx)
	}
	if v.snapshots == nil {
		return reject(CodeLookupError, "no snapshot store configured")
	}

	recent, err := v.snapshots.RecentSnapshots(ctx, v.grace+1)
	if err != nil {
		return reject(CodeLookupError, fmt.Sprintf("read recent snapshots: %v", err))
	}
	if len(recent) == 0 || !recent[0].IsCurrent {
		return reject(CodeHalt, "no current snapshot")
	}
	current := recent[0]
	if !current.Verify() {
		return reject(CodeLookupError, fmt.Sprintf("current snapshot %s fails hash verification", current.SnapshotID))
	}

	d := Decision{CurrentHash: current.StateHash, AlertLevel: current.AlertLevel}
	if current.AlertLevel == state.MostRestrictiveAlert {
		d.StateTimestamp = v.capturedAt(ctx, recent, hash)
		return d.rejected(CodeHalt, "current alert level is HALT")
	}

	depth := -1
	for i, snap := range recent {
		if snap.StateHash == hash {
			depth = i
			d.StateTimestamp = snap.CapturedAt
			break
		}
	}
	if depth < 0 {
		old, err := v.snapshots.GetByHash(ctx, hash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return d.rejected(CodeUnknownHash, fmt.Sprintf("state hash %s matches no snapshot", hash))
		case err != nil:
			return d.rejected(CodeLookupError, fmt.Sprintf("look up state hash: %v", err))
		default:
			d.StateTimestamp = old.CapturedAt
			return d.rejected(CodeStaleHash, fmt.Sprintf("state hash %s is outside the grace window of %d", hash, v.grace))
		}
	}
	d.GraceDepth = depth

	if !TierPermits(req.Tier, req.Action) {
		return d.rejected(CodeNotPermitted, fmt.Sprintf("tier %q may not %s", req.Tier, req.Action))
	}
	if !ActionAllowedAt(req.Action, current.AlertLevel) {
		return d.rejected(CodeNotPermitted, fmt.Sprintf("%s is not permitted at alert level %s", req.Action, current.AlertLevel))
	}

	d.Approved = true
	d.Code = CodeApproved
	d.Reason = "approved"
	return d
}

// #endregion validate

// #region helpers
// missingHash rejects but still reports the current snapshot. A failed read
// leaves CurrentHash empty.
func (v *Validator) missingHash(ctx context.Context) Decision {
	d := reject(CodeMissingHash, "no state hash supplied")
	if v.snapshots == nil {
		return d
	}
	recent, err := v.snapshots.RecentSnapshots(ctx, 1)
	if err != nil || len(recent) == 0 || !recent[0].IsCurrent {
		return d
	}
	d.CurrentHash = recent[0].StateHash
	d.AlertLevel = recent[0].AlertLevel
	return d
}

// capturedAt resolves hash to its capture time, zero when it cannot.
func (v *Validator) capturedAt(ctx context.Context, recent []state.Snapshot, hash string) time.Time {
	for _, snap := range recent {
		if snap.StateHash == hash {
			return snap.CapturedAt
		}
	}
	if old, err := v.snapshots.GetByHash(ctx, hash); err == nil {
		return old.CapturedAt
	}
	return time.Time{}
}

func reject(code Code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

func (d Decision) rejected(code Code, reason string) Decision {
	d.Approved = false
	d.Code = code
	d.Reason = reason
	return d
}

// #endregion helpers
