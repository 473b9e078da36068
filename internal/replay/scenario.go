// Package replay drives recorded protocol scenarios through the real
// components against a scratch database and checks each step's outcome.
package replay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// #region scenario-types

// Scenario is the top-level YAML document of a replay run.
type Scenario struct {
	Description    string        `yaml:"description"`
	Start          time.Time     `yaml:"start"`
	GraceSnapshots int           `yaml:"grace_snapshots"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	CycleTTL       time.Duration `yaml:"cycle_ttl"`
	Steps          []Step        `yaml:"steps"`
}

// Step does exactly one of publish, advance, submit or cycle.
type Step struct {
	ID      string        `yaml:"id"`
	Publish *Publish      `yaml:"publish,omitempty"`
	Advance time.Duration `yaml:"advance,omitempty"`
	Submit  *Submit       `yaml:"submit,omitempty"`
	Cycle   *CycleStep    `yaml:"cycle,omitempty"`
	Expect  Expect        `yaml:"expect"`
}

// Publish captures these signals as the next snapshot.
type Publish struct {
	AlertLevel string  `yaml:"alert_level"`
	Regime     string  `yaml:"regime"`
	Confidence float64 `yaml:"confidence"`
	Posture    string  `yaml:"posture"`
	Exposure   float64 `yaml:"exposure"`
}

// Submit sends an output straight to the guard. Hash is "current",
// "previous", "previous:N", "none" or a literal state hash.
type Submit struct {
	Agent    string `yaml:"agent"`
	Tier     string `yaml:"tier"`
	Action   string `yaml:"action"`
	Hash     string `yaml:"hash"`
	Override bool   `yaml:"override"`
	OutputID string `yaml:"output_id"`
}

// CycleStep opens a retrieve-then-act cycle, optionally holds it, then
// commits. Recommit commits a second time from the closed cycle.
type CycleStep struct {
	Agent    string        `yaml:"agent"`
	Tier     string        `yaml:"tier"`
	Action   string        `yaml:"action"`
	Hold     time.Duration `yaml:"hold"`
	Recommit bool          `yaml:"recommit"`
	OutputID string        `yaml:"output_id"`
}

// Expect lists the outcomes a step must produce. Empty fields are not
// checked; "none" asserts absence. A step is expected to succeed unless Error
// is set.
type Expect struct {
	Code      string `yaml:"code,omitempty"`
	Phase     string `yaml:"phase,omitempty"`
	Violation string `yaml:"violation,omitempty"`
	Binding   string `yaml:"binding,omitempty"`
	Error     bool   `yaml:"error,omitempty"`
}

// #endregion scenario-types

// #region load

// Load reads a scenario file.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario and checks that every step does exactly one thing.
func Parse(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("decode scenario: %w", err)
	}
	if sc.Start.IsZero() {
		sc.Start = time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	}
	for i, st := range sc.Steps {
		if st.ID == "" {
			sc.Steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
		n := 0
		if st.Publish != nil {
			n++
		}
		if st.Advance != 0 {
			n++
		}
		if st.Submit != nil {
			n++
		}
		if st.Cycle != nil {
			n++
		}
		if n != 1 {
			return Scenario{}, fmt.Errorf("step %s: exactly one of publish, advance, submit, cycle required", sc.Steps[i].ID)
		}
	}
	return sc, nil
}

// #endregion load
