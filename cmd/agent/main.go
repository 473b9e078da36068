// Command agent is a thin protocol client: it retrieves state, binds outputs
// and reports violations against a running stated.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/codec"
	"github.com/danielpatrickdp/agent-state-protocol/internal/protocol"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
	"github.com/spf13/cobra"
)

// #region main
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

type options struct {
	addr    string
	agentID string
	tier    string
	timeout time.Duration
}

// #region commands
func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Talk to the state protocol daemon as an agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("STATEPROTO_ADDR", "localhost:50061"), "daemon gRPC address")
	root.PersistentFlags().StringVar(&opts.agentID, "agent", envOr("STATEPROTO_AGENT_ID", ""), "agent id")
	root.PersistentFlags().StringVar(&opts.tier, "tier", envOr("STATEPROTO_AGENT_TIER", string(state.TierObserver)), "agent tier")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-call timeout")

	var (
		hash, action, outputType, outputTable, outputHash    string
		override                                             bool
		enforcement, attempted, expected, provided, evidence string
	)

	retrieve := &cobra.Command{
		Use:   "retrieve",
		Short: "Fetch the current state vector",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(ctx context.Context, cmd *cobra.Command, c *codec.Client, _ []string) error {
			v := c.Retrieve(ctx, opts.agentID, state.AgentTier(opts.tier))
			out := codec.EncodeVector(v)
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if v.IsHalt() {
				return fmt.Errorf("HALT: %s", v.Cause)
			}
			return nil
		}),
	}

	bind := &cobra.Command{
		Use:   "bind OUTPUT_ID",
		Short: "Bind an output to the state hash it was computed under",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx context.Context, cmd *cobra.Command, c *codec.Client, args []string) error {
			sub := protocol.Submission{
				AgentID:   opts.agentID,
				Tier:      state.AgentTier(opts.tier),
				StateHash: hash,
				Action:    state.Action(action),
				Output: protocol.Output{
					OutputType:  outputType,
					OutputID:    args[0],
					OutputTable: outputTable,
					OutputHash:  outputHash,
				},
			}
			call := c.BindOutput
			if override {
				call = c.OverrideBinding
			}
			res, err := call(ctx, sub)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return bindOutcome(res, override)
		}),
	}
	bind.Flags().StringVar(&hash, "state-hash", "", "state hash the output was computed under")
	bind.Flags().StringVar(&action, "action", string(state.ActionAnalyze), "intended action")
	bind.Flags().StringVar(&outputType, "type", "", "output type")
	bind.Flags().StringVar(&outputTable, "table", "", "table holding the output")
	bind.Flags().StringVar(&outputHash, "output-hash", "", "hash of the output content")
	bind.Flags().BoolVar(&override, "override", false, "bind even if validation fails (recorded as a violation)")

	report := &cobra.Command{
		Use:   "violation TYPE",
		Short: "Report a violation detected on the agent side",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx context.Context, cmd *cobra.Command, c *codec.Client, args []string) error {
			var ev map[string]any
			if evidence != "" {
				if err := json.Unmarshal([]byte(evidence), &ev); err != nil {
					return fmt.Errorf("evidence must be a JSON object: %w", err)
				}
			}
			id, err := c.LogViolation(ctx, violation.Violation{
				Type:              violation.Type(args[0]),
				AgentID:           opts.agentID,
				AttemptedAction:   attempted,
				StateHashExpected: expected,
				StateHashProvided: provided,
				Enforcement:       violation.Enforcement(enforcement),
				Evidence:          ev,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}
	report.Flags().StringVar(&enforcement, "enforcement", string(violation.Flagged), "enforcement action taken")
	report.Flags().StringVar(&attempted, "attempted", "", "attempted action")
	report.Flags().StringVar(&expected, "expected-hash", "", "state hash that should have been used")
	report.Flags().StringVar(&provided, "provided-hash", "", "state hash that was used")
	report.Flags().StringVar(&evidence, "evidence", "", "evidence bundle as a JSON object")

	current := &cobra.Command{
		Use:   "current",
		Short: "Show the daemon's current snapshot",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(ctx context.Context, cmd *cobra.Command, c *codec.Client, _ []string) error {
			snap, err := c.CurrentSnapshot(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		}),
	}

	root.AddCommand(retrieve, bind, report, current)
	return root
}

// #endregion commands

// #region helpers
type clientFunc func(ctx context.Context, cmd *cobra.Command, c *codec.Client, args []string) error

func withClient(opts *options, fn clientFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := codec.NewClient(opts.addr)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
		defer cancel()
		return fn(ctx, cmd, c, args)
	}
}

// bindOutcome fails a plain bind that was not approved. An override succeeds
// once the daemon wrote a binding, even though that binding is INVALID.
func bindOutcome(res protocol.Result, override bool) error {
	if override {
		if res.BindingID == "" {
			return fmt.Errorf("override not bound (%s): %s", res.Decision.Code, res.Reason)
		}
		return nil
	}
	if !res.Approved {
		return fmt.Errorf("rejected (%s): %s", res.Decision.Code, res.Reason)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
