package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNoCurrent means no snapshot has been published yet.
	ErrNoCurrent = errors.New("no current snapshot")
	// ErrNotLeader means another publisher holds the writer lease.
	ErrNotLeader = errors.New("publisher lease held by another authority")
	// ErrMalformedRow means a stored snapshot row could not be decoded.
	ErrMalformedRow = errors.New("malformed snapshot row")
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS state_snapshot (
	snapshot_id        TEXT PRIMARY KEY,
	state_hash         TEXT NOT NULL,
	captured_at        TEXT NOT NULL,
	alert_level        TEXT NOT NULL,
	regime_label       TEXT NOT NULL,
	regime_confidence  REAL NOT NULL,
	strategy_posture   TEXT NOT NULL,
	strategy_exposure  REAL NOT NULL,
	is_current         INTEGER NOT NULL DEFAULT 0 CHECK (is_current IN (0, 1))
);

CREATE UNIQUE INDEX IF NOT EXISTS state_snapshot_one_current
	ON state_snapshot (is_current) WHERE is_current = 1;

CREATE INDEX IF NOT EXISTS state_snapshot_hash ON state_snapshot (state_hash);

CREATE TABLE IF NOT EXISTS publisher_lease (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	holder      TEXT NOT NULL,
	expires_at  INTEGER NOT NULL
);
`

// #endregion schema

// #region store-struct
// Store owns the state_snapshot table. It holds no snapshot data in memory.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database in WAL mode and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	store, err := NewStoreFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreFromDB wraps an existing handle and ensures the schema exists.
func NewStoreFromDB(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DSN builds the connection string shared by every package that opens the
// protocol database. busy_timeout serializes concurrent appends.
func DSN(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for the ledger, recorder and retriever.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region publish
// Lease identifies the publishing authority for writer serialization.
type Lease struct {
	Holder string
	TTL    time.Duration
}

// Publish inserts snap as the new current snapshot and clears the previous one
// in a single transaction. Readers observe either the old or the new current
// row, never neither. When lease.Holder is set the writer lease is acquired or
// renewed in the same transaction and ErrNotLeader aborts the publish.
func (s *Store) Publish(ctx context.Context, snap Snapshot, lease Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.SnapshotID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	if !snap.Verify() {
		return fmt.Errorf("snapshot %s: state hash does not match content", snap.SnapshotID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if lease.Holder != "" {
		if err := acquireLease(ctx, tx, lease, snap.CapturedAt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE state_snapshot SET is_current = 0 WHERE is_current = 1`); err != nil {
		return fmt.Errorf("clear current: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO state_snapshot (snapshot_id, state_hash, captured_at, alert_level, regime_label,
			regime_confidence, strategy_posture, strategy_exposure, is_current)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		snap.SnapshotID, snap.StateHash, FormatTime(snap.CapturedAt), string(snap.AlertLevel),
		string(snap.RegimeLabel), snap.RegimeConfidence, string(snap.StrategyPosture), snap.StrategyExposure,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func acquireLease(ctx context.Context, tx *sql.Tx, lease Lease, now time.Time) error {
	ttl := lease.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO publisher_lease (id, holder, expires_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE publisher_lease.holder = excluded.holder OR publisher_lease.expires_at <= ?`,
		lease.Holder, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if n == 0 {
		return ErrNotLeader
	}
	return nil
}

// LeaseHolder returns the current lease holder and its expiry.
func (s *Store) LeaseHolder(ctx context.Context) (string, time.Time, error) {
	var holder string
	var expires int64
	err := s.db.QueryRowContext(ctx, `SELECT holder, expires_at FROM publisher_lease WHERE id = 1`).Scan(&holder, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read lease: %w", err)
	}
	return holder, time.UnixMilli(expires).UTC(), nil
}

// #endregion publish

// #region raw-rows
// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// RawSnapshot is a stored row before enum and timestamp decoding.
type RawSnapshot struct {
	SnapshotID       string
	StateHash        string
	CapturedAt       string
	AlertLevel       string
	RegimeLabel      string
	RegimeConfidence float64
	StrategyPosture  string
	StrategyExposure float64
	IsCurrent        bool
}

const selectColumns = `snapshot_id, state_hash, captured_at, alert_level, regime_label,
	regime_confidence, strategy_posture, strategy_exposure, is_current`

// QueryCurrent returns up to two rows flagged current. More than one row means
// the single-current invariant is broken and the caller must not pick one.
func QueryCurrent(ctx context.Context, q Querier) ([]RawSnapshot, error) {
	return queryRaw(ctx, q, `SELECT `+selectColumns+` FROM state_snapshot WHERE is_current = 1 LIMIT 2`)
}

func queryRaw(ctx context.Context, q Querier, query string, args ...any) ([]RawSnapshot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []RawSnapshot
	for rows.Next() {
		var raw RawSnapshot
		var current int
		if err := rows.Scan(&raw.SnapshotID, &raw.StateHash, &raw.CapturedAt, &raw.AlertLevel, &raw.RegimeLabel,
			&raw.RegimeConfidence, &raw.StrategyPosture, &raw.StrategyExposure, &current); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		raw.IsCurrent = current == 1
		out = append(out, raw)
	}
	return out, rows.Err()
}

// Decode turns a stored row into a Snapshot. Any unknown enum variant or
// unparsable timestamp yields an error wrapping ErrMalformedRow.
func (r RawSnapshot) Decode() (Snapshot, error) {
	alert, err := ParseAlertLevel(r.AlertLevel)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedRow, err)
	}
	regime, err := ParseRegimeLabel(r.RegimeLabel)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedRow, err)
	}
	posture, err := ParseStrategyPosture(r.StrategyPosture)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedRow, err)
	}
	captured, err := ParseTime(r.CapturedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: captured_at: %w", ErrMalformedRow, err)
	}
	return Snapshot{
		SnapshotID:       r.SnapshotID,
		StateHash:        r.StateHash,
		CapturedAt:       captured,
		AlertLevel:       alert,
		RegimeLabel:      regime,
		RegimeConfidence: r.RegimeConfidence,
		StrategyPosture:  posture,
		StrategyExposure: r.StrategyExposure,
		IsCurrent:        r.IsCurrent,
	}, nil
}

// #endregion raw-rows

// #region get-current
// GetCurrent reads and decodes the current snapshot.
func (s *Store) GetCurrent(ctx context.Context) (Snapshot, error) {
	rows, err := QueryCurrent(ctx, s.db)
	if err != nil {
		return Snapshot{}, err
	}
	switch len(rows) {
	case 0:
		return Snapshot{}, ErrNoCurrent
	case 1:
		return rows[0].Decode()
	default:
		return Snapshot{}, fmt.Errorf("%d rows marked current", len(rows))
	}
}

// #endregion get-current

// #region get-by-hash
// GetByHash retrieves the most recent snapshot with the given state hash.
func (s *Store) GetByHash(ctx context.Context, stateHash string) (Snapshot, error) {
	rows, err := queryRaw(ctx, s.db,
		`SELECT `+selectColumns+` FROM state_snapshot WHERE state_hash = ? ORDER BY rowid DESC LIMIT 1`, stateHash)
	if err != nil {
		return Snapshot{}, err
	}
	if len(rows) == 0 {
		return Snapshot{}, fmt.Errorf("snapshot with hash %s: %w", stateHash, sql.ErrNoRows)
	}
	return rows[0].Decode()
}

// GetSnapshot retrieves a snapshot by ID.
func (s *Store) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	rows, err := queryRaw(ctx, s.db, `SELECT `+selectColumns+` FROM state_snapshot WHERE snapshot_id = ?`, id)
	if err != nil {
		return Snapshot{}, err
	}
	if len(rows) == 0 {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", id, sql.ErrNoRows)
	}
	return rows[0].Decode()
}

// #endregion get-by-hash

// #region recent
// RecentSnapshots returns the newest n snapshots in publication order, newest
// first. The first element is the current snapshot when one exists.
func (s *Store) RecentSnapshots(ctx context.Context, n int) ([]Snapshot, error) {
	if n <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := queryRaw(ctx, s.db,
		`SELECT `+selectColumns+` FROM state_snapshot ORDER BY rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, raw := range rows {
		snap, err := raw.Decode()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", raw.SnapshotID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// CountCurrent returns how many rows are flagged current.
func (s *Store) CountCurrent(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM state_snapshot WHERE is_current = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count current: %w", err)
	}
	return n, nil
}

// #endregion recent
