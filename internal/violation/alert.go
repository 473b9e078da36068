package violation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// #region alerter
// Alerter is the independent channel for violations that could not be
// persisted. Implementations must not block for long and must not drop the
// record silently.
type Alerter interface {
	Alert(ctx context.Context, v Violation, writeErr error)
}

// LogAlerter reports failed writes at error level.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert implements Alerter.
func (a LogAlerter) Alert(ctx context.Context, v Violation, writeErr error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "violation evidence could not be persisted",
		"violation_id", v.ViolationID,
		"type", v.Type,
		"agent_id", v.AgentID,
		"attempted_action", v.AttemptedAction,
		"state_hash_expected", v.StateHashExpected,
		"state_hash_provided", v.StateHashProvided,
		"error", writeErr,
	)
}

// MultiAlerter fans out to every alerter in order.
type MultiAlerter []Alerter

// Alert implements Alerter.
func (m MultiAlerter) Alert(ctx context.Context, v Violation, writeErr error) {
	for _, a := range m {
		if a != nil {
			a.Alert(ctx, v, writeErr)
		}
	}
}

// #endregion alerter

// #region spool
// spoolEntry is one JSONL line in the spool file.
type spoolEntry struct {
	Violation  Violation `json:"violation"`
	WriteError string    `json:"write_error"`
	SpooledAt  time.Time `json:"spooled_at"`
}

// SpoolAlerter appends failed records to a local JSONL file so the evidence
// survives until it can be replayed into the violations table.
type SpoolAlerter struct {
	Path     string
	Fallback Alerter

	mu sync.Mutex
}

// NewSpoolAlerter returns a SpoolAlerter writing to path. Errors writing the
// spool itself go to a LogAlerter.
func NewSpoolAlerter(path string, logger *slog.Logger) *SpoolAlerter {
	return &SpoolAlerter{Path: path, Fallback: LogAlerter{Logger: logger}}
}

// Alert implements Alerter.
func (s *SpoolAlerter) Alert(ctx context.Context, v Violation, writeErr error) {
	entry := spoolEntry{Violation: v, SpooledAt: time.Now().UTC()}
	if writeErr != nil {
		entry.WriteError = writeErr.Error()
	}
	if err := s.append(entry); err != nil && s.Fallback != nil {
		s.Fallback.Alert(ctx, v, fmt.Errorf("%v; spool: %w", writeErr, err))
	}
}

func (s *SpoolAlerter) append(entry spoolEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReplaySpool writes every spooled record into the recorder and removes the
// spool file once all of them are persisted. Replays are idempotent on
// violation_id. It returns the number of records replayed.
func (s *SpoolAlerter) ReplaySpool(ctx context.Context, r *Recorder) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.Path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open spool: %w", err)
	}

	var entries []spoolEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry spoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("decode spool line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
	scanErr := scanner.Err()
	_ = f.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("read spool: %w", scanErr)
	}

	for i, entry := range entries {
		if err := r.insert(ctx, entry.Violation); err != nil {
			return i, fmt.Errorf("replay violation %s: %w", entry.Violation.ViolationID, err)
		}
	}
	if err := os.Remove(s.Path); err != nil {
		return len(entries), fmt.Errorf("remove spool: %w", err)
	}
	return len(entries), nil
}

// #endregion spool
