// Package publisher is the single authority that captures the upstream signals
// into a new snapshot and flips it current.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/signals"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNotLeader means another authority holds the writer lease.
var ErrNotLeader = state.ErrNotLeader

const DefaultLeaseTTL = 3 * time.Minute

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "state_protocol_snapshots_published_total",
		Help: "Snapshot publications by outcome",
	}, []string{"outcome"})

	lastPublished = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "state_protocol_last_snapshot_timestamp_seconds",
		Help: "Capture time of the most recently published snapshot",
	})

	tracer = otel.Tracer("github.com/danielpatrickdp/agent-state-protocol/internal/publisher")
)

// #region publisher
// Publisher writes snapshots. Only one Publisher per database may succeed at a
// time; the others get ErrNotLeader until the lease expires.
type Publisher struct {
	store    *state.Store
	source   signals.Capturer
	holder   string
	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHolder sets the lease holder identity. Defaults to a random UUID.
func WithHolder(id string) Option {
	return func(p *Publisher) {
		if id != "" {
			p.holder = id
		}
	}
}

// WithLeaseTTL sets how long an acquired lease blocks other authorities.
func WithLeaseTTL(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.leaseTTL = d
		}
	}
}

// WithClock overrides time.Now for capture timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Publisher reading signals from source.
func New(store *state.Store, source signals.Capturer, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("signal source is required")
	}
	p := &Publisher{
		store:    store,
		source:   source,
		holder:   uuid.NewString(),
		leaseTTL: DefaultLeaseTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Holder returns the lease identity this publisher writes under.
func (p *Publisher) Holder() string {
	return p.holder
}

// #endregion publisher

// #region create-snapshot
// CreateSnapshot captures the three signals, hashes them and publishes the
// result as the only current snapshot. Any failure aborts the publication
// and leaves the previous current snapshot in place. Returns the new
// snapshot ID.
func (p *Publisher) CreateSnapshot(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "publisher.CreateSnapshot")
	defer span.End()

	id, err := p.createSnapshot(ctx)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrNotLeader) {
			outcome = "not_leader"
		}
		published.WithLabelValues(outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	published.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("snapshot.id", id))
	return id, nil
}

func (p *Publisher) createSnapshot(ctx context.Context) (string, error) {
	sig, err := p.source.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("capture signals: %w", err)
	}

	snap, err := state.NewSnapshot(uuid.NewString(), p.now(), sig)
	if err != nil {
		return "", err
	}

	if err := p.store.Publish(ctx, snap, state.Lease{Holder: p.holder, TTL: p.leaseTTL}); err != nil {
		return "", fmt.Errorf("publish snapshot: %w", err)
	}

	lastPublished.Set(float64(snap.CapturedAt.UnixNano()) / 1e9)
	p.logger.Info("snapshot published",
		"snapshot_id", snap.SnapshotID,
		"state_hash", snap.StateHash,
		"alert_level", snap.AlertLevel,
		"regime", snap.RegimeLabel,
		"posture", snap.StrategyPosture,
	)
	return snap.SnapshotID, nil
}

// #endregion create-snapshot

// #region run
// Run publishes once immediately, then on every interval tick and on every
// trigger until ctx is done. Failures are logged and never stop the loop.
// A nil triggers channel disables on-event publishing.
func (p *Publisher) Run(ctx context.Context, interval time.Duration, triggers <-chan struct{}) error {
	if interval <= 0 {
		return fmt.Errorf("publish interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishLogged(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.publishLogged(ctx, "interval")
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			p.publishLogged(ctx, "signal_change")
		}
	}
}

func (p *Publisher) publishLogged(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := p.CreateSnapshot(ctx); err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrNotLeader) {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "snapshot publication failed", "reason", reason, "holder", p.holder, "error", err)
	}
}

// #endregion run
