package state

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// #region state-hash
const hashVersion = "v1"

// ComputeStateHash returns the content digest of a snapshot. SnapshotID and
// IsCurrent are not content and do not participate.
func ComputeStateHash(s Snapshot) string {
	canonical := strings.Join([]string{
		hashVersion,
		FormatTime(s.CapturedAt),
		string(s.AlertLevel),
		string(s.RegimeLabel),
		formatFloat(s.RegimeConfidence),
		string(s.StrategyPosture),
		formatFloat(s.StrategyExposure),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// #endregion state-hash

// #region encoding
// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime is the single textual form used for stored and hashed timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// #endregion encoding
