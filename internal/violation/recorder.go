package violation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	violationsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "state_protocol_violations_recorded_total",
		Help: "Protocol violations written to the violations table, by type",
	}, []string{"type"})

	violationWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "state_protocol_violation_write_failures_total",
		Help: "Violation records that could not be written and were handed to the alerter",
	})
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS violations (
	violation_id         TEXT PRIMARY KEY,
	violation_type       TEXT NOT NULL,
	agent_id             TEXT NOT NULL,
	attempted_action     TEXT NOT NULL,
	state_hash_expected  TEXT,
	state_hash_provided  TEXT,
	enforcement_action   TEXT NOT NULL,
	evidence_bundle      TEXT NOT NULL,
	created_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS violations_agent ON violations (agent_id, created_at);
`

const defaultWriteTimeout = 2 * time.Second

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// #endregion schema

// #region recorder
// Recorder appends violation records. It owns the violations table.
type Recorder struct {
	db           *sql.DB
	alerter      Alerter
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithAlerter sets the channel that receives records whose write failed.
func WithAlerter(a Alerter) Option {
	return func(r *Recorder) { r.alerter = a }
}

// WithWriteTimeout bounds each insert.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder creates the violations table if needed and returns a Recorder.
// Without WithAlerter, failed writes are reported through a LogAlerter.
func NewRecorder(db *sql.DB, opts ...Option) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	r := &Recorder{
		db:           db,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.alerter == nil {
		r.alerter = LogAlerter{Logger: r.logger}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate violations: %w", err)
	}
	return r, nil
}

// #endregion recorder

// #region log-violation
// LogViolation always attempts the write and returns the violation ID. The
// insert is bounded by the write timeout and survives caller cancellation. A
// failed write is handed to the alerter and also returned, so callers can fail
// closed.
func (r *Recorder) LogViolation(ctx context.Context, v Violation) (string, error) {
	if v.ViolationID == "" {
		v.ViolationID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now().UTC()
	}
	if v.Enforcement == "" {
		v.Enforcement = Blocked
	}

	err := r.insert(ctx, v)
	if err != nil {
		violationWriteFailures.Inc()
		r.alerter.Alert(context.WithoutCancel(ctx), v, err)
		return v.ViolationID, fmt.Errorf("record violation %s: %w", v.ViolationID, err)
	}

	violationsRecorded.WithLabelValues(string(v.Type)).Inc()
	r.logger.Warn("protocol violation recorded",
		"violation_id", v.ViolationID,
		"type", v.Type,
		"agent_id", v.AgentID,
		"attempted_action", v.AttemptedAction,
		"enforcement", v.Enforcement,
	)
	return v.ViolationID, nil
}

func (r *Recorder) insert(ctx context.Context, v Violation) error {
	if _, err := ParseType(string(v.Type)); err != nil {
		return err
	}
	if _, err := ParseEnforcement(string(v.Enforcement)); err != nil {
		return err
	}
	if strings.TrimSpace(v.AgentID) == "" {
		return fmt.Errorf("agent id is required")
	}

	evidence := v.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	bundle, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	_, err = r.db.ExecContext(writeCtx,
		`INSERT INTO violations (violation_id, violation_type, agent_id, attempted_action, state_hash_expected,
			state_hash_provided, enforcement_action, evidence_bundle, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(violation_id) DO NOTHING`,
		v.ViolationID,
		string(v.Type),
		v.AgentID,
		v.AttemptedAction,
		nullIfEmpty(v.StateHashExpected),
		nullIfEmpty(v.StateHashProvided),
		string(v.Enforcement),
		string(bundle),
		v.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// #endregion log-violation

// #region queries
// List returns violations newest first.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Violation, error) {
	query := `SELECT violation_id, violation_type, agent_id, attempted_action, state_hash_expected,
		state_hash_provided, enforcement_action, evidence_bundle, created_at FROM violations WHERE 1 = 1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		query += ` AND violation_type = ?`
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var vType, enforcement, bundle, created string
		var expected, provided sql.NullString
		if err := rows.Scan(&v.ViolationID, &vType, &v.AgentID, &v.AttemptedAction, &expected, &provided,
			&enforcement, &bundle, &created); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Type = Type(vType)
		v.Enforcement = Enforcement(enforcement)
		v.StateHashExpected = expected.String
		v.StateHashProvided = provided.String
		if err := json.Unmarshal([]byte(bundle), &v.Evidence); err != nil {
			return nil, fmt.Errorf("violation %s evidence: %w", v.ViolationID, err)
		}
		v.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("violation %s created_at: %w", v.ViolationID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountByAgent counts an agent's violations since the given time, the input
// the suspension review works from.
func (r *Recorder) CountByAgent(ctx context.Context, agentID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM violations WHERE agent_id = ? AND created_at >= ?`,
		agentID, since.UTC().Format(timeLayout),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}

// #endregion queries

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
