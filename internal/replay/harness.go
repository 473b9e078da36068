package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/gate"
	"github.com/danielpatrickdp/agent-state-protocol/internal/ledger"
	"github.com/danielpatrickdp/agent-state-protocol/internal/protocol"
	"github.com/danielpatrickdp/agent-state-protocol/internal/publisher"
	"github.com/danielpatrickdp/agent-state-protocol/internal/retrieval"
	"github.com/danielpatrickdp/agent-state-protocol/internal/signals"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
)

// #region types

// StepResult is what one step actually did.
type StepResult struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	StateHash  string   `json:"state_hash,omitempty"`
	Code       string   `json:"code,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Binding    string   `json:"binding,omitempty"`
	Error      string   `json:"error,omitempty"`
	Failures   []string `json:"failures,omitempty"`
}

// Passed reports whether every expectation held.
func (r StepResult) Passed() bool {
	return len(r.Failures) == 0
}

// Summary aggregates a run.
type Summary struct {
	Steps      int  `json:"steps"`
	Published  int  `json:"published"`
	Bound      int  `json:"bound"`
	Violations int  `json:"violations"`
	Failed     int  `json:"failed"`
	LedgerOK   bool `json:"ledger_ok"`
}

// #endregion types

// #region clock

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// #endregion clock

// #region violation-tap

// tap records the types of violations logged during the current step.
type tap struct {
	inner *violation.Recorder
	mu    sync.Mutex
	seen  []string
}

func (t *tap) LogViolation(ctx context.Context, v violation.Violation) (string, error) {
	t.mu.Lock()
	t.seen = append(t.seen, string(v.Type))
	t.mu.Unlock()
	return t.inner.LogViolation(ctx, v)
}

func (t *tap) drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.seen
	t.seen = nil
	return out
}

// #endregion violation-tap

// #region harness

// Harness holds the wired components for one scenario run.
type Harness struct {
	store     *state.Store
	clock     *clock
	source    *signals.Static
	publisher *publisher.Publisher
	retriever *retrieval.Retriever
	guard     *protocol.Guard
	ledger    *ledger.Ledger
	tap       *tap
	agents    map[string]*protocol.Agent
	cycleTTL  time.Duration
	published []string
}

// NewHarness wires every component over store using the scenario's clock and
// windows. The store should be empty.
func NewHarness(store *state.Store, sc Scenario, logger *slog.Logger) (*Harness, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clk := &clock{t: sc.Start.UTC()}

	rec, err := violation.NewRecorder(store.DB(), violation.WithClock(clk.now), violation.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	t := &tap{inner: rec}
	l, err := ledger.New(store.DB())
	if err != nil {
		return nil, err
	}
	guard, err := protocol.NewGuard(gate.NewValidator(store, sc.GraceSnapshots), l, t, logger)
	if err != nil {
		return nil, err
	}
	source := signals.NewStatic(state.Signals{})
	pub, err := publisher.New(store, source,
		publisher.WithHolder("replay"),
		publisher.WithClock(clk.now),
		publisher.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return &Harness{
		store:     store,
		clock:     clk,
		source:    source,
		publisher: pub,
		retriever: retrieval.New(store.DB(),
			retrieval.WithStaleAfter(sc.StaleAfter),
			retrieval.WithViolationLogger(t),
			retrieval.WithClock(clk.now),
			retrieval.WithLogger(logger),
		),
		guard:    guard,
		ledger:   l,
		tap:      t,
		agents:   make(map[string]*protocol.Agent),
		cycleTTL: sc.CycleTTL,
	}, nil
}

// Run replays every step in order. A step whose expectations fail does not
// stop the run.
func (h *Harness) Run(ctx context.Context, sc Scenario) ([]StepResult, Summary, error) {
	results := make([]StepResult, 0, len(sc.Steps))
	var sum Summary
	for _, st := range sc.Steps {
		res := h.step(ctx, st)
		res.Violations = h.tap.drain()
		res.Failures = check(st.Expect, res)
		results = append(results, res)

		sum.Steps++
		sum.Violations += len(res.Violations)
		if res.Kind == "publish" && res.Error == "" {
			sum.Published++
		}
		if res.Binding != "" {
			sum.Bound++
		}
		if !res.Passed() {
			sum.Failed++
		}
	}

	report, err := h.ledger.Verify(ctx, ledger.StoreLookup{Store: h.store})
	if err != nil {
		return results, sum, fmt.Errorf("verify ledger: %w", err)
	}
	sum.LedgerOK = report.OK()
	return results, sum, nil
}

func (h *Harness) step(ctx context.Context, st Step) StepResult {
	switch {
	case st.Publish != nil:
		return h.publish(ctx, st)
	case st.Submit != nil:
		return h.submit(ctx, st)
	case st.Cycle != nil:
		return h.cycle(ctx, st)
	default:
		h.clock.advance(st.Advance)
		return StepResult{ID: st.ID, Kind: "advance"}
	}
}

// #endregion harness

// #region steps

func (h *Harness) publish(ctx context.Context, st Step) StepResult {
	res := StepResult{ID: st.ID, Kind: "publish"}
	p := st.Publish
	sig := state.Signals{
		AlertLevel:       state.AlertLevel(p.AlertLevel),
		RegimeLabel:      state.RegimeLabel(p.Regime),
		RegimeConfidence: p.Confidence,
		StrategyPosture:  state.StrategyPosture(p.Posture),
		StrategyExposure: p.Exposure,
	}
	h.source.Set(sig)
	id, err := h.publisher.CreateSnapshot(ctx)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	snap, err := h.store.GetSnapshot(ctx, id)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	h.published = append(h.published, snap.StateHash)
	res.StateHash = snap.StateHash
	return res
}

func (h *Harness) submit(ctx context.Context, st Step) StepResult {
	res := StepResult{ID: st.ID, Kind: "submit"}
	s := st.Submit
	hash, err := h.resolveHash(s.Hash)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.StateHash = hash
	sub := protocol.Submission{
		AgentID:   s.Agent,
		Tier:      state.AgentTier(s.Tier),
		StateHash: hash,
		Action:    state.Action(s.Action),
		Output:    output(st.ID, s.OutputID),
	}

	var out protocol.Result
	if s.Override {
		out, err = h.guard.Override(ctx, sub)
	} else {
		out, err = h.guard.Submit(ctx, sub)
	}
	h.finish(ctx, &res, out, err)
	return res
}

func (h *Harness) cycle(ctx context.Context, st Step) StepResult {
	res := StepResult{ID: st.ID, Kind: "cycle"}
	c := st.Cycle
	agent, err := h.agent(c.Agent, state.AgentTier(c.Tier))
	if err != nil {
		res.Error = err.Error()
		return res
	}

	cyc := agent.Begin(ctx)
	res.Phase = string(cyc.State())
	res.StateHash = cyc.Vector().StateHash
	if c.Hold > 0 {
		h.clock.advance(c.Hold)
	}
	out := output(st.ID, c.OutputID)
	result, err := cyc.Commit(ctx, out, state.Action(c.Action))
	h.finish(ctx, &res, result, err)
	if c.Recommit {
		if _, err := cyc.Commit(ctx, out, state.Action(c.Action)); err != nil {
			res.Error = err.Error()
		}
	}
	return res
}

func (h *Harness) finish(ctx context.Context, res *StepResult, out protocol.Result, err error) {
	res.Code = string(out.Decision.Code)
	if err != nil {
		res.Error = err.Error()
	}
	if out.BindingID == "" {
		return
	}
	b, gerr := h.ledger.Get(ctx, out.BindingID)
	if gerr != nil {
		res.Error = gerr.Error()
		return
	}
	res.Binding = string(b.Status)
}

func (h *Harness) agent(id string, tier state.AgentTier) (*protocol.Agent, error) {
	key := id + "/" + string(tier)
	if a, ok := h.agents[key]; ok {
		return a, nil
	}
	a, err := protocol.NewAgent(id, tier, h.retriever, h.guard,
		protocol.WithCycleTTL(h.cycleTTL),
		protocol.WithAgentClock(h.clock.now),
	)
	if err != nil {
		return nil, err
	}
	h.agents[key] = a
	return a, nil
}

func (h *Harness) resolveHash(ref string) (string, error) {
	switch {
	case ref == "none":
		return "", nil
	case ref == "current" || ref == "":
		return h.previous(0)
	case ref == "previous":
		return h.previous(1)
	case strings.HasPrefix(ref, "previous:"):
		n, err := strconv.Atoi(strings.TrimPrefix(ref, "previous:"))
		if err != nil || n < 0 {
			return "", fmt.Errorf("bad hash reference %q", ref)
		}
		return h.previous(n)
	default:
		return ref, nil
	}
}

func (h *Harness) previous(n int) (string, error) {
	idx := len(h.published) - 1 - n
	if idx < 0 {
		return "", fmt.Errorf("only %d snapshots published, cannot go back %d", len(h.published), n)
	}
	return h.published[idx], nil
}

func output(stepID, outputID string) protocol.Output {
	if outputID == "" {
		outputID = stepID
	}
	return protocol.Output{
		OutputType:  "replay",
		OutputID:    outputID,
		OutputTable: "replay_outputs",
		OutputHash:  "replay:" + outputID,
	}
}

// #endregion steps

// #region check

func check(want Expect, got StepResult) []string {
	var failures []string
	if want.Code != "" && want.Code != got.Code {
		failures = append(failures, fmt.Sprintf("code: want %s, got %q", want.Code, got.Code))
	}
	if want.Phase != "" && want.Phase != got.Phase {
		failures = append(failures, fmt.Sprintf("phase: want %s, got %q", want.Phase, got.Phase))
	}
	switch {
	case want.Violation == "none" && len(got.Violations) > 0:
		failures = append(failures, fmt.Sprintf("violation: want none, got %v", got.Violations))
	case want.Violation != "" && want.Violation != "none" && !contains(got.Violations, want.Violation):
		failures = append(failures, fmt.Sprintf("violation: want %s, got %v", want.Violation, got.Violations))
	}
	switch {
	case want.Binding == "none" && got.Binding != "":
		failures = append(failures, fmt.Sprintf("binding: want none, got %s", got.Binding))
	case want.Binding != "" && want.Binding != "none" && want.Binding != got.Binding:
		failures = append(failures, fmt.Sprintf("binding: want %s, got %q", want.Binding, got.Binding))
	}
	if want.Error != (got.Error != "") {
		failures = append(failures, fmt.Sprintf("error: want %v, got %q", want.Error, got.Error))
	}
	return failures
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// #endregion check
