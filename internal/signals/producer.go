package signals

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"gopkg.in/yaml.v3"
)

// #region sources

// Sources combines three independent upstream sources into a Capturer.
type Sources struct {
	Alert   AlertSource
	Regime  RegimeSource
	Posture PostureSource
}

// Capture reads each source once. Any source error aborts the capture.
func (s Sources) Capture(ctx context.Context) (state.Signals, error) {
	if s.Alert == nil || s.Regime == nil || s.Posture == nil {
		return state.Signals{}, fmt.Errorf("all three signal sources are required")
	}
	alert, err := s.Alert.CurrentAlert(ctx)
	if err != nil {
		return state.Signals{}, fmt.Errorf("read alert level: %w", err)
	}
	regime, confidence, err := s.Regime.CurrentRegime(ctx)
	if err != nil {
		return state.Signals{}, fmt.Errorf("read regime: %w", err)
	}
	posture, exposure, err := s.Posture.CurrentPosture(ctx)
	if err != nil {
		return state.Signals{}, fmt.Errorf("read posture: %w", err)
	}
	sig := state.Signals{
		AlertLevel:       alert,
		RegimeLabel:      regime,
		RegimeConfidence: confidence,
		StrategyPosture:  posture,
		StrategyExposure: exposure,
	}
	return sig, sig.Validate()
}

// #endregion sources

// #region static

// Static is a mutable in-process source, used by tests and by operators who
// push values over the admin path.
type Static struct {
	mu  sync.Mutex
	sig state.Signals
}

// NewStatic returns a Static source seeded with sig.
func NewStatic(sig state.Signals) *Static {
	return &Static{sig: sig}
}

// Set replaces all three values atomically.
func (s *Static) Set(sig state.Signals) {
	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()
}

// Capture implements Capturer.
func (s *Static) Capture(ctx context.Context) (state.Signals, error) {
	if err := ctx.Err(); err != nil {
		return state.Signals{}, err
	}
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	return sig, sig.Validate()
}

func (s *Static) CurrentAlert(ctx context.Context) (state.AlertLevel, error) {
	sig, err := s.Capture(ctx)
	return sig.AlertLevel, err
}

func (s *Static) CurrentRegime(ctx context.Context) (state.RegimeLabel, float64, error) {
	sig, err := s.Capture(ctx)
	return sig.RegimeLabel, sig.RegimeConfidence, err
}

func (s *Static) CurrentPosture(ctx context.Context) (state.StrategyPosture, float64, error) {
	sig, err := s.Capture(ctx)
	return sig.StrategyPosture, sig.StrategyExposure, err
}

// #endregion static

// #region file-source

// FileSource reads the signals YAML file written by the upstream producers.
// The file is re-read on every capture so all three values come from one read.
type FileSource struct {
	path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the watched file path.
func (f *FileSource) Path() string {
	return f.path
}

// Capture implements Capturer.
func (f *FileSource) Capture(ctx context.Context) (state.Signals, error) {
	doc, err := f.read(ctx)
	if err != nil {
		return state.Signals{}, err
	}
	return parseDocument(doc)
}

// CurrentAlert reads only the alert section, for a file owned by the
// circuit breaker alone.
func (f *FileSource) CurrentAlert(ctx context.Context) (state.AlertLevel, error) {
	doc, err := f.read(ctx)
	if err != nil {
		return "", err
	}
	alert, err := state.ParseAlertLevel(doc.AlertLevel)
	if err != nil {
		return "", fmt.Errorf("%w: %w", state.ErrInvalidSignal, err)
	}
	return alert, nil
}

// CurrentRegime reads only the regime section.
func (f *FileSource) CurrentRegime(ctx context.Context) (state.RegimeLabel, float64, error) {
	doc, err := f.read(ctx)
	if err != nil {
		return "", 0, err
	}
	regime, err := state.ParseRegimeLabel(doc.Regime.Label)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", state.ErrInvalidSignal, err)
	}
	return regime, doc.Regime.Confidence, nil
}

// CurrentPosture reads only the posture section.
func (f *FileSource) CurrentPosture(ctx context.Context) (state.StrategyPosture, float64, error) {
	doc, err := f.read(ctx)
	if err != nil {
		return "", 0, err
	}
	posture, err := state.ParseStrategyPosture(doc.Posture.Label)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", state.ErrInvalidSignal, err)
	}
	return posture, doc.Posture.Exposure, nil
}

func (f *FileSource) read(ctx context.Context) (fileDocument, error) {
	if err := ctx.Err(); err != nil {
		return fileDocument{}, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fileDocument{}, fmt.Errorf("read signals file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("decode signals file %s: %w", f.path, err)
	}
	return doc, nil
}

func parseDocument(doc fileDocument) (state.Signals, error) {
	alert, err := state.ParseAlertLevel(doc.AlertLevel)
	if err != nil {
		return state.Signals{}, fmt.Errorf("%w: %w", state.ErrInvalidSignal, err)
	}
	regime, err := state.ParseRegimeLabel(doc.Regime.Label)
	if err != nil {
		return state.Signals{}, fmt.Errorf("%w: %w", state.ErrInvalidSignal, err)
	}
	posture, err := state.ParseStrategyPosture(doc.Posture.Label)
	if err != nil {
		return state.Signals{}, fmt.Errorf("%w: %w", state.ErrInvalidSignal, err)
	}
	sig := state.Signals{
		AlertLevel:       alert,
		RegimeLabel:      regime,
		RegimeConfidence: doc.Regime.Confidence,
		StrategyPosture:  posture,
		StrategyExposure: doc.Posture.Exposure,
	}
	return sig, sig.Validate()
}

// FromFiles picks the file layout. When all three producer paths are set each
// upstream producer owns its own file and the three are read as Sources;
// otherwise the combined file is read in one go. The returned paths are the
// files to watch.
func FromFiles(combined, alertPath, regimePath, posturePath string) (Capturer, []string) {
	if alertPath != "" && regimePath != "" && posturePath != "" {
		return Sources{
			Alert:   NewFileSource(alertPath),
			Regime:  NewFileSource(regimePath),
			Posture: NewFileSource(posturePath),
		}, []string{alertPath, regimePath, posturePath}
	}
	return NewFileSource(combined), []string{combined}
}

// WriteFile renders sig in the signals file layout. Used by tooling and tests.
func WriteFile(path string, sig state.Signals) error {
	doc := fileDocument{
		AlertLevel: string(sig.AlertLevel),
		Regime:     labelExposure{Label: string(sig.RegimeLabel), Confidence: sig.RegimeConfidence},
		Posture:    labelExposure{Label: string(sig.StrategyPosture), Exposure: sig.StrategyExposure},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write signals: %w", err)
	}
	return os.Rename(tmp, path)
}

// #endregion file-source
