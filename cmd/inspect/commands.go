package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/ledger"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
	"github.com/spf13/cobra"
)

// errVerifyFailed makes verify exit non-zero without printing usage.
var errVerifyFailed = errors.New("ledger verification failed")

type options struct {
	dbPath  string
	jsonOut bool
	limit   int
	agentID string
	count   bool
	since   time.Duration
}

// #region root
func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Audit snapshots, bindings and violations in a state protocol database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "data/state_protocol.db", "path to the protocol database")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "output as JSON instead of table")
	root.PersistentFlags().IntVar(&opts.limit, "last", 20, "show N most recent rows")
	root.PersistentFlags().StringVar(&opts.agentID, "agent", "", "filter by agent id")

	violations := &cobra.Command{
		Use:   "violations",
		Short: "List recent protocol violations",
		Args:  cobra.NoArgs,
		RunE:  withStore(opts, runViolations),
	}
	violations.Flags().BoolVar(&opts.count, "count", false, "print how many violations --agent has instead of listing them")
	violations.Flags().DurationVar(&opts.since, "since", 0, "with --count, only count violations newer than this (0 counts all)")

	root.AddCommand(
		&cobra.Command{
			Use:   "current",
			Short: "Show the current snapshot and whether its hash verifies",
			Args:  cobra.NoArgs,
			RunE:  withStore(opts, runCurrent),
		},
		&cobra.Command{
			Use:   "snapshots",
			Short: "List recent snapshots, newest first",
			Args:  cobra.NoArgs,
			RunE:  withStore(opts, runSnapshots),
		},
		&cobra.Command{
			Use:   "bindings",
			Short: "List recent output bindings",
			Args:  cobra.NoArgs,
			RunE:  withStore(opts, runBindings),
		},
		violations,
		&cobra.Command{
			Use:   "verify",
			Short: "Recompute every binding hash, check it against the snapshot history and count current rows",
			Args:  cobra.NoArgs,
			RunE:  withStore(opts, runVerify),
		},
		&cobra.Command{
			Use:   "lease",
			Short: "Show which publisher holds the lease",
			Args:  cobra.NoArgs,
			RunE:  withStore(opts, runLease),
		},
	)
	return root
}

type runFunc func(cmd *cobra.Command, store *state.Store, opts *options) error

func withStore(opts *options, run runFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		store, err := state.NewStore(opts.dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		return run(cmd, store, opts)
	}
}

// #endregion root

// #region snapshots
type snapshotRow struct {
	SnapshotID       string    `json:"snapshot_id"`
	StateHash        string    `json:"state_hash"`
	CapturedAt       time.Time `json:"captured_at"`
	AlertLevel       string    `json:"alert_level"`
	RegimeLabel      string    `json:"regime_label"`
	RegimeConfidence float64   `json:"regime_confidence"`
	StrategyPosture  string    `json:"strategy_posture"`
	StrategyExposure float64   `json:"strategy_exposure"`
	IsCurrent        bool      `json:"is_current"`
	HashOK           bool      `json:"hash_ok"`
}

func toRow(s state.Snapshot) snapshotRow {
	return snapshotRow{
		SnapshotID:       s.SnapshotID,
		StateHash:        s.StateHash,
		CapturedAt:       s.CapturedAt,
		AlertLevel:       string(s.AlertLevel),
		RegimeLabel:      string(s.RegimeLabel),
		RegimeConfidence: s.RegimeConfidence,
		StrategyPosture:  string(s.StrategyPosture),
		StrategyExposure: s.StrategyExposure,
		IsCurrent:        s.IsCurrent,
		HashOK:           s.Verify(),
	}
}

func runCurrent(cmd *cobra.Command, store *state.Store, opts *options) error {
	snap, err := store.GetCurrent(cmd.Context())
	if err != nil {
		return err
	}
	row := toRow(snap)
	row.IsCurrent = true
	if opts.jsonOut {
		return writeJSON(cmd.OutOrStdout(), row)
	}
	printSnapshots(cmd.OutOrStdout(), []snapshotRow{row})
	return nil
}

func runSnapshots(cmd *cobra.Command, store *state.Store, opts *options) error {
	snaps, err := store.RecentSnapshots(cmd.Context(), opts.limit)
	if err != nil {
		return err
	}
	rows := make([]snapshotRow, len(snaps))
	for i, s := range snaps {
		rows[i] = toRow(s)
	}
	if opts.jsonOut {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no snapshots found")
		return nil
	}
	printSnapshots(cmd.OutOrStdout(), rows)
	return nil
}

func printSnapshots(w io.Writer, rows []snapshotRow) {
	fmt.Fprintf(w, "%-36s  %-16s  %-30s  %-8s  %-12s  %5s  %-12s  %5s  %-3s  %s\n",
		"SNAPSHOT", "HASH", "CAPTURED", "ALERT", "REGIME", "CONF", "POSTURE", "EXPO", "CUR", "HASH_OK")
	for _, r := range rows {
		cur := ""
		if r.IsCurrent {
			cur = "*"
		}
		fmt.Fprintf(w, "%-36s  %-16s  %-30s  %-8s  %-12s  %5.2f  %-12s  %5.2f  %-3s  %v\n",
			r.SnapshotID, short(r.StateHash), state.FormatTime(r.CapturedAt), r.AlertLevel, r.RegimeLabel,
			r.RegimeConfidence, r.StrategyPosture, r.StrategyExposure, cur, r.HashOK)
	}
}

// #endregion snapshots

// #region bindings
func runBindings(cmd *cobra.Command, store *state.Store, opts *options) error {
	l, err := ledger.New(store.DB())
	if err != nil {
		return err
	}
	bindings, err := l.List(cmd.Context(), ledger.Filter{AgentID: opts.agentID, Limit: opts.limit})
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return writeJSON(cmd.OutOrStdout(), bindings)
	}
	if len(bindings) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no bindings found")
		return nil
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-36s  %-16s  %-20s  %-16s  %-24s  %-7s  %s\n",
		"BINDING", "STATE_HASH", "AGENT", "TYPE", "OUTPUT", "STATUS", "CREATED")
	for _, b := range bindings {
		fmt.Fprintf(w, "%-36s  %-16s  %-20s  %-16s  %-24s  %-7s  %s\n",
			b.BindingID, short(b.StateHash), b.AgentID, b.OutputType, b.OutputID, b.Status, state.FormatTime(b.CreatedAt))
	}
	return nil
}

type verifyOutput struct {
	ledger.VerifyReport
	CurrentRows int `json:"current_rows"`
}

func runVerify(cmd *cobra.Command, store *state.Store, opts *options) error {
	l, err := ledger.New(store.DB())
	if err != nil {
		return err
	}
	report, err := l.Verify(cmd.Context(), ledger.StoreLookup{Store: store})
	if err != nil {
		return err
	}
	current, err := store.CountCurrent(cmd.Context())
	if err != nil {
		return err
	}
	out := verifyOutput{VerifyReport: report, CurrentRows: current}
	if opts.jsonOut {
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "checked %d bindings, %d marked INVALID, %d mismatches\n",
			report.Checked, report.Invalid, len(report.Mismatches))
		for _, m := range report.Mismatches {
			fmt.Fprintf(w, "  %s: %s\n", m.BindingID, m.Reason)
		}
		fmt.Fprintf(w, "current snapshots: %d\n", current)
	}
	if !report.OK() || current > 1 {
		return errVerifyFailed
	}
	return nil
}

// #endregion bindings

// #region violations
func runViolations(cmd *cobra.Command, store *state.Store, opts *options) error {
	rec, err := violation.NewRecorder(store.DB())
	if err != nil {
		return err
	}
	if opts.count {
		return countViolations(cmd, rec, opts)
	}
	vs, err := rec.List(cmd.Context(), violation.Filter{AgentID: opts.agentID, Limit: opts.limit})
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return writeJSON(cmd.OutOrStdout(), vs)
	}
	if len(vs) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no violations found")
		return nil
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-36s  %-18s  %-20s  %-10s  %-16s  %-16s  %-9s  %s\n",
		"VIOLATION", "TYPE", "AGENT", "ACTION", "EXPECTED", "PROVIDED", "ENFORCED", "AT")
	for _, v := range vs {
		fmt.Fprintf(w, "%-36s  %-18s  %-20s  %-10s  %-16s  %-16s  %-9s  %s\n",
			v.ViolationID, v.Type, v.AgentID, v.AttemptedAction, short(v.StateHashExpected),
			short(v.StateHashProvided), v.Enforcement, state.FormatTime(v.CreatedAt))
	}
	return nil
}

func countViolations(cmd *cobra.Command, rec *violation.Recorder, opts *options) error {
	if opts.agentID == "" {
		return fmt.Errorf("--count requires --agent")
	}
	var since time.Time
	if opts.since > 0 {
		since = time.Now().Add(-opts.since)
	}
	n, err := rec.CountByAgent(cmd.Context(), opts.agentID, since)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return writeJSON(cmd.OutOrStdout(), struct {
			AgentID string    `json:"agent_id"`
			Since   time.Time `json:"since"`
			Count   int       `json:"count"`
		}{opts.agentID, since, n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d violations\n", opts.agentID, n)
	return nil
}

// #endregion violations

// #region lease
func runLease(cmd *cobra.Command, store *state.Store, opts *options) error {
	holder, expires, err := store.LeaseHolder(cmd.Context())
	if err != nil {
		return err
	}
	out := struct {
		Holder    string    `json:"holder"`
		ExpiresAt time.Time `json:"expires_at"`
		Expired   bool      `json:"expired"`
	}{holder, expires, holder == "" || time.Now().After(expires)}
	if opts.jsonOut {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	if holder == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "no lease has been taken")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "holder %s, expires %s (expired=%v)\n", out.Holder, state.FormatTime(out.ExpiresAt), out.Expired)
	return nil
}

// #endregion lease

// #region output
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16]
}

// #endregion output
