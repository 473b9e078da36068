package signals

import (
	"context"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
)

// #region source-interfaces

// AlertSource exposes the current circuit-breaker level.
type AlertSource interface {
	CurrentAlert(ctx context.Context) (state.AlertLevel, error)
}

// RegimeSource exposes the current regime classification and its confidence.
type RegimeSource interface {
	CurrentRegime(ctx context.Context) (state.RegimeLabel, float64, error)
}

// PostureSource exposes the current strategy posture and exposure.
type PostureSource interface {
	CurrentPosture(ctx context.Context) (state.StrategyPosture, float64, error)
}

// Capturer reads all three upstream signals in one call.
type Capturer interface {
	Capture(ctx context.Context) (state.Signals, error)
}

// #endregion source-interfaces

// #region file-format

// fileDocument is the on-disk YAML layout of the signals file.
type fileDocument struct {
	AlertLevel string        `yaml:"alert_level"`
	Regime     labelExposure `yaml:"regime"`
	Posture    labelExposure `yaml:"posture"`
}

type labelExposure struct {
	Label      string  `yaml:"label"`
	Confidence float64 `yaml:"confidence,omitempty"`
	Exposure   float64 `yaml:"exposure,omitempty"`
}

// #endregion file-format
