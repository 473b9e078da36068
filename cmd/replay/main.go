// Command replay runs a protocol scenario against a scratch database and
// reports whether every step behaved as declared.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielpatrickdp/agent-state-protocol/internal/replay"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
)

// #region main

func main() {
	scenarioPath := flag.String("scenario", "", "path to scenario YAML")
	dbPath := flag.String("db", "", "database to replay into (default: temporary, removed afterwards)")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	verbose := flag.Bool("v", false, "log component activity to stderr")
	flag.Parse()

	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --scenario path/to/scenario.yaml [--db path] [--json] [-v]")
		os.Exit(2)
	}
	os.Exit(run(*scenarioPath, *dbPath, *jsonOut, *verbose))
}

// #endregion main

// #region run

func run(scenarioPath, dbPath string, jsonOut, verbose bool) int {
	sc, err := replay.Load(scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load scenario: %v\n", err)
		return 2
	}

	if dbPath == "" {
		dir, err := os.MkdirTemp("", "replay-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
			return 2
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "replay.db")
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer store.Close()

	var logOut io.Writer = io.Discard
	if verbose {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h, err := replay.NewHarness(store, sc, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wire harness: %v\n", err)
		return 2
	}
	results, sum, err := h.Run(context.Background(), sc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Description string              `json:"description"`
			Results     []replay.StepResult `json:"results"`
			Summary     replay.Summary      `json:"summary"`
		}{sc.Description, results, sum}); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 2
		}
	} else {
		printTable(sc.Description, results, sum)
	}

	if sum.Failed > 0 || !sum.LedgerOK {
		return 1
	}
	return 0
}

// #endregion run

// #region output

func printTable(description string, results []replay.StepResult, sum replay.Summary) {
	if description != "" {
		fmt.Printf("Scenario: %s\n\n", description)
	}
	fmt.Printf("%-24s  %-8s  %-16s  %-14s  %-8s  %-28s  %s\n",
		"STEP", "KIND", "HASH", "CODE", "PHASE", "VIOLATIONS", "RESULT")
	for _, r := range results {
		hash := r.StateHash
		if len(hash) > 16 {
			hash = hash[:16]
		}
		outcome := "ok"
		if !r.Passed() {
			outcome = "FAIL: " + strings.Join(r.Failures, "; ")
		}
		fmt.Printf("%-24s  %-8s  %-16s  %-14s  %-8s  %-28s  %s\n",
			r.ID, r.Kind, hash, r.Code, r.Phase, strings.Join(r.Violations, ","), outcome)
	}
	fmt.Printf("\n%d steps, %d published, %d bound, %d violations, %d failed, ledger ok=%v\n",
		sum.Steps, sum.Published, sum.Bound, sum.Violations, sum.Failed, sum.LedgerOK)
}

// #endregion output
