// Package retrieval is the fail-closed read path every agent calls before
// reasoning. A call never partially succeeds: it yields either a vector bound
// to the current snapshot or the canonical HALT sentinel.
package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	DefaultTimeout    = 2 * time.Second

	// attemptedAction labels violations raised on the read path.
	attemptedAction = "RETRIEVE"
)

var (
	retrievals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "state_protocol_retrieval_total",
		Help: "Retrieve calls by resulting status and HALT cause",
	}, []string{"status", "cause"})

	retrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "state_protocol_retrieval_duration_seconds",
		Help:    "Latency of retrieve calls including the HALT paths",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	tracer = otel.Tracer("github.com/danielpatrickdp/agent-state-protocol/internal/retrieval")
)

// #region retriever
// ViolationLogger receives breaches detected while reading.
type ViolationLogger interface {
	LogViolation(ctx context.Context, v violation.Violation) (string, error)
}

// Retriever reads the current snapshot. It keeps only the database handle and
// its policy; every call opens its own connection and transaction.
type Retriever struct {
	db         *sql.DB
	staleAfter time.Duration
	timeout    time.Duration
	violations ViolationLogger
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithStaleAfter sets the freshness window.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Retriever) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithTimeout bounds each call. Expiry yields HALT.
func WithTimeout(d time.Duration) Option {
	return func(r *Retriever) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithViolationLogger records torn and invalid reads.
func WithViolationLogger(v ViolationLogger) Option {
	return func(r *Retriever) { r.violations = v }
}

// WithClock overrides time.Now for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Retriever over db. A nil db is allowed and yields HALT on
// every call.
func New(db *sql.DB, opts ...Option) *Retriever {
	r := &Retriever{
		db:         db,
		staleAfter: DefaultStaleAfter,
		timeout:    DefaultTimeout,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// #endregion retriever

// #region retrieve
// Retrieve returns the current state for one reasoning cycle. It never
// returns an error: unreachable store, missing or duplicated current rows,
// unknown enum values, hash mismatches and timeouts all collapse to HALT.
// A snapshot older than the freshness window comes back STALE with its fields
// populated for diagnostics.
func (r *Retriever) Retrieve(ctx context.Context, agentID string, tier state.AgentTier) StateVector {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("agent.tier", string(tier)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vec, breach, err := r.read(ctx, agentID, tier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("retrieve halted",
			"agent_id", agentID,
			"tier", tier,
			"cause", vec.Cause,
			"error", err,
		)
	}
	if breach != nil && r.violations != nil {
		if _, verr := r.violations.LogViolation(ctx, *breach); verr != nil {
			r.logger.Error("record read violation", "type", breach.Type, "error", verr)
		}
	}

	span.SetAttributes(
		attribute.String("retrieval.status", string(vec.Status)),
		attribute.String("state.hash", vec.StateHash),
	)
	retrievals.WithLabelValues(string(vec.Status), string(vec.Cause)).Inc()
	retrievalDuration.Observe(time.Since(start).Seconds())
	return vec
}

// read performs the transactional read. The returned vector is always usable;
// err explains a HALT and breach is the violation the read revealed, if any.
func (r *Retriever) read(ctx context.Context, agentID string, tier state.AgentTier) (StateVector, *violation.Violation, error) {
	halt := func(cause Status, err error) (StateVector, *violation.Violation, error) {
		return Halt(agentID, tier, cause, r.now()), nil, err
	}

	if _, err := state.ParseAgentTier(string(tier)); err != nil {
		return halt(StatusSystemError, err)
	}
	if r.db == nil {
		return halt(StatusSystemError, errors.New("no database handle"))
	}

	raws, err := r.queryCurrent(ctx)
	if err != nil {
		return halt(StatusSystemError, err)
	}

	switch len(raws) {
	case 0:
		return halt(StatusNotFound, state.ErrNoCurrent)
	case 1:
	default:
		vec, _, _ := halt(StatusSystemError, nil)
		ids := make([]any, 0, len(raws))
		for _, raw := range raws {
			ids = append(ids, raw.SnapshotID)
		}
		return vec, &violation.Violation{
			Type:            violation.TornRead,
			AgentID:         agentID,
			AttemptedAction: attemptedAction,
			Enforcement:     violation.Blocked,
			Evidence:        map[string]any{"current_rows": len(raws), "snapshot_ids": ids},
		}, fmt.Errorf("%d rows marked current", len(raws))
	}

	raw := raws[0]
	snap, err := raw.Decode()
	if err != nil {
		vec, _, _ := halt(StatusSystemError, nil)
		return vec, &violation.Violation{
			Type:              violation.InvalidRead,
			AgentID:           agentID,
			AttemptedAction:   attemptedAction,
			StateHashProvided: raw.StateHash,
			Enforcement:       violation.Blocked,
			Evidence:          map[string]any{"snapshot_id": raw.SnapshotID, "decode_error": err.Error()},
		}, err
	}

	if !snap.Verify() {
		vec, _, _ := halt(StatusHashMismatch, nil)
		recomputed := state.ComputeStateHash(snap)
		return vec, &violation.Violation{
			Type:              violation.InvalidRead,
			AgentID:           agentID,
			AttemptedAction:   attemptedAction,
			StateHashExpected: recomputed,
			StateHashProvided: snap.StateHash,
			Enforcement:       violation.Blocked,
			Evidence:          map[string]any{"snapshot_id": snap.SnapshotID, "reason": "stored hash does not match content"},
		}, fmt.Errorf("snapshot %s: stored hash does not match content", snap.SnapshotID)
	}

	now := r.now()
	vec := StateVector{
		SnapshotID:       snap.SnapshotID,
		StateHash:        snap.StateHash,
		CapturedAt:       snap.CapturedAt,
		AlertLevel:       snap.AlertLevel,
		RegimeLabel:      snap.RegimeLabel,
		RegimeConfidence: snap.RegimeConfidence,
		StrategyPosture:  snap.StrategyPosture,
		StrategyExposure: snap.StrategyExposure,
		AgentID:          agentID,
		AgentTier:        tier,
		RetrievedAt:      now,
		IsFresh:          true,
		Status:           StatusSuccess,
	}
	if now.Sub(snap.CapturedAt) > r.staleAfter {
		vec.IsFresh = false
		vec.Status = StatusStale
	}
	return vec, nil, nil
}

// queryCurrent reads the current rows inside a transaction on a dedicated
// connection. Both are released on every path before returning.
func (r *Retriever) queryCurrent(ctx context.Context) ([]state.RawSnapshot, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	raws, err := state.QueryCurrent(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return raws, nil
}

// #endregion retrieve
