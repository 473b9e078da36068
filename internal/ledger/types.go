package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status marks whether a binding was approved before it was written.
type Status string

const (
	StatusValid   Status = "VALID"
	StatusInvalid Status = "INVALID"
)

// ParseStatus decodes s into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusValid:
		return StatusValid, nil
	case StatusInvalid:
		return StatusInvalid, nil
	default:
		return "", fmt.Errorf("unknown binding status %q", s)
	}
}

// Binding proves that one output was produced under one snapshot.
type Binding struct {
	BindingID      string    `json:"binding_id"`
	StateHash      string    `json:"state_hash"`
	StateTimestamp time.Time `json:"state_timestamp"`
	AgentID        string    `json:"agent_id"`
	OutputType     string    `json:"output_type"`
	OutputID       string    `json:"output_id"`
	OutputTable    string    `json:"output_table"`
	OutputHash     string    `json:"output_hash"`
	BindingHash    string    `json:"binding_hash"`
	Status         Status    `json:"binding_status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ComputeBindingHash is the deterministic sha256 digest of state_hash,
// agent_id, output_type, output_id and output_hash, each written as
// "<byte length>:<value>". Independent verifiers can recompute it from the
// stored row alone.
func ComputeBindingHash(stateHash, agentID, outputType, outputID, outputHash string) string {
	var b strings.Builder
	for _, f := range []string{stateHash, agentID, outputType, outputID, outputHash} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	AgentID   string
	StateHash string
	Status    Status
	Limit     int
}

// SnapshotLookup resolves a state hash to the capture time of its snapshot.
type SnapshotLookup interface {
	CapturedAt(ctx context.Context, stateHash string) (time.Time, bool, error)
}

// Mismatch describes one binding row that failed verification.
type Mismatch struct {
	BindingID string `json:"binding_id"`
	Reason    string `json:"reason"`
}

// VerifyReport is the outcome of replaying the whole ledger.
type VerifyReport struct {
	Checked    int        `json:"checked"`
	Invalid    int        `json:"invalid_status"`
	Mismatches []Mismatch `json:"mismatches"`
}

// OK reports whether every row verified.
func (r VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}
