// Package ledger is the append-only record linking agent outputs to the
// state snapshot that governed them.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bindingsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "state_protocol_bindings_written_total",
	Help: "Output bindings appended to the ledger, by binding status",
}, []string{"status"})

const schema = `
CREATE TABLE IF NOT EXISTS output_bindings (
	binding_id       TEXT PRIMARY KEY,
	state_hash       TEXT NOT NULL,
	state_timestamp  TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	output_type      TEXT NOT NULL,
	output_id        TEXT NOT NULL,
	output_table     TEXT NOT NULL,
	output_hash      TEXT NOT NULL,
	binding_hash     TEXT NOT NULL,
	binding_status   TEXT NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS output_bindings_state ON output_bindings (state_hash);
CREATE INDEX IF NOT EXISTS output_bindings_agent ON output_bindings (agent_id, created_at);
`

// Ledger appends output bindings. It owns the output_bindings table and
// performs no approval checks of its own: callers bind only after the
// validator approved.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates the output_bindings table if needed.
func New(db *sql.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate output_bindings: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// BindOutput computes the binding hash and appends one row. An empty Status
// is recorded as VALID.
func (l *Ledger) BindOutput(ctx context.Context, b Binding) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.StateHash = strings.TrimSpace(b.StateHash)
	b.AgentID = strings.TrimSpace(b.AgentID)
	switch {
	case b.StateHash == "":
		return "", fmt.Errorf("state hash is required")
	case b.AgentID == "":
		return "", fmt.Errorf("agent id is required")
	case b.OutputType == "":
		return "", fmt.Errorf("output type is required")
	case b.OutputID == "":
		return "", fmt.Errorf("output id is required")
	case b.OutputHash == "":
		return "", fmt.Errorf("output hash is required")
	}
	if b.Status == "" {
		b.Status = StatusValid
	}
	if _, err := ParseStatus(string(b.Status)); err != nil {
		return "", err
	}
	if b.BindingID == "" {
		b.BindingID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = l.now()
	}
	b.BindingHash = ComputeBindingHash(b.StateHash, b.AgentID, b.OutputType, b.OutputID, b.OutputHash)

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO output_bindings (binding_id, state_hash, state_timestamp, agent_id, output_type, output_id,
			output_table, output_hash, binding_hash, binding_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BindingID, b.StateHash, state.FormatTime(b.StateTimestamp), b.AgentID, b.OutputType, b.OutputID,
		b.OutputTable, b.OutputHash, b.BindingHash, string(b.Status), state.FormatTime(b.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("bind output: %w", err)
	}
	bindingsWritten.WithLabelValues(string(b.Status)).Inc()
	return b.BindingID, nil
}

// Get returns one binding by ID.
func (l *Ledger) Get(ctx context.Context, bindingID string) (Binding, error) {
	out, err := l.query(ctx, `WHERE binding_id = ?`, bindingID)
	if err != nil {
		return Binding{}, err
	}
	if len(out) == 0 {
		return Binding{}, fmt.Errorf("binding %s: %w", bindingID, sql.ErrNoRows)
	}
	return out[0], nil
}

// List returns bindings newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Binding, error) {
	where := `WHERE 1 = 1`
	var args []any
	if f.AgentID != "" {
		where += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.StateHash != "" {
		where += ` AND state_hash = ?`
		args = append(args, f.StateHash)
	}
	if f.Status != "" {
		where += ` AND binding_status = ?`
		args = append(args, string(f.Status))
	}
	where += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		where += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return l.query(ctx, where, args...)
}

func (l *Ledger) query(ctx context.Context, where string, args ...any) ([]Binding, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT binding_id, state_hash, state_timestamp, agent_id, output_type, output_id, output_table,
			output_hash, binding_hash, binding_status, created_at
		 FROM output_bindings `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		var stateTS, created, status string
		if err := rows.Scan(&b.BindingID, &b.StateHash, &stateTS, &b.AgentID, &b.OutputType, &b.OutputID,
			&b.OutputTable, &b.OutputHash, &b.BindingHash, &status, &created); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.Status = Status(status)
		if b.StateTimestamp, err = state.ParseTime(stateTS); err != nil {
			return nil, fmt.Errorf("binding %s state_timestamp: %w", b.BindingID, err)
		}
		if b.CreatedAt, err = state.ParseTime(created); err != nil {
			return nil, fmt.Errorf("binding %s created_at: %w", b.BindingID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Verify replays every row: it recomputes binding_hash, checks the referenced
// snapshot exists, and checks state_timestamp equals the snapshot's capture
// time. A nil lookup skips the snapshot checks.
func (l *Ledger) Verify(ctx context.Context, lookup SnapshotLookup) (VerifyReport, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT binding_id, state_hash, state_timestamp, agent_id, output_type, output_id, output_hash,
			binding_hash, binding_status
		 FROM output_bindings ORDER BY rowid`)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("query bindings: %w", err)
	}

	type row struct {
		id, stateHash, stateTS, agentID, outputType, outputID, outputHash, bindingHash, status string
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.stateHash, &r.stateTS, &r.agentID, &r.outputType, &r.outputID,
			&r.outputHash, &r.bindingHash, &r.status); err != nil {
			rows.Close()
			return VerifyReport{}, fmt.Errorf("scan binding: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return VerifyReport{}, err
	}
	rows.Close()

	var report VerifyReport
	for _, r := range pending {
		report.Checked++
		status, err := ParseStatus(r.status)
		if err != nil {
			report.Mismatches = append(report.Mismatches, Mismatch{BindingID: r.id, Reason: err.Error()})
			continue
		}
		if status == StatusInvalid {
			report.Invalid++
		}
		if want := ComputeBindingHash(r.stateHash, r.agentID, r.outputType, r.outputID, r.outputHash); want != r.bindingHash {
			report.Mismatches = append(report.Mismatches, Mismatch{BindingID: r.id, Reason: "binding hash does not recompute"})
			continue
		}
		if lookup == nil {
			continue
		}
		captured, found, err := lookup.CapturedAt(ctx, r.stateHash)
		if err != nil {
			return report, fmt.Errorf("lookup snapshot %s: %w", r.stateHash, err)
		}
		if !found {
			report.Mismatches = append(report.Mismatches, Mismatch{BindingID: r.id, Reason: "state hash references no snapshot"})
			continue
		}
		ts, err := state.ParseTime(r.stateTS)
		if err != nil || !ts.Equal(captured) {
			report.Mismatches = append(report.Mismatches, Mismatch{BindingID: r.id, Reason: "state timestamp differs from snapshot capture time"})
		}
	}
	return report, nil
}

// StoreLookup adapts the snapshot store to SnapshotLookup.
type StoreLookup struct {
	Store *state.Store
}

// CapturedAt implements SnapshotLookup.
func (s StoreLookup) CapturedAt(ctx context.Context, stateHash string) (time.Time, bool, error) {
	snap, err := s.Store.GetByHash(ctx, stateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return snap.CapturedAt, true, nil
}
