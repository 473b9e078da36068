// Package config loads and validates daemon configuration from the environment.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config holds every tunable of the protocol daemon.
type Config struct {
	DBPath      string `env:"STATEPROTO_DB_PATH" envDefault:"data/state_protocol.db" validate:"required"`
	GRPCAddr    string `env:"STATEPROTO_GRPC_ADDR" envDefault:":50061" validate:"required"`
	MetricsAddr string `env:"STATEPROTO_METRICS_ADDR" envDefault:":9464"`
	SignalsPath string `env:"STATEPROTO_SIGNALS_PATH" envDefault:"data/signals.yaml" validate:"required"`

	// One file per upstream producer. All three or none.
	AlertSignalsPath   string `env:"STATEPROTO_ALERT_SIGNALS_PATH" validate:"required_with=RegimeSignalsPath PostureSignalsPath"`
	RegimeSignalsPath  string `env:"STATEPROTO_REGIME_SIGNALS_PATH" validate:"required_with=AlertSignalsPath PostureSignalsPath"`
	PostureSignalsPath string `env:"STATEPROTO_POSTURE_SIGNALS_PATH" validate:"required_with=AlertSignalsPath RegimeSignalsPath"`

	PublishInterval time.Duration `env:"STATEPROTO_PUBLISH_INTERVAL" envDefault:"1m" validate:"gt=0"`
	StaleAfter      time.Duration `env:"STATEPROTO_STALE_AFTER" envDefault:"5m" validate:"gt=0"`
	RetrieveTimeout time.Duration `env:"STATEPROTO_RETRIEVE_TIMEOUT" envDefault:"2s" validate:"gt=0"`
	GraceSnapshots  int           `env:"STATEPROTO_GRACE_SNAPSHOTS" envDefault:"0" validate:"gte=0,lte=16"`
	CycleTTL        time.Duration `env:"STATEPROTO_CYCLE_TTL" envDefault:"30s" validate:"gt=0"`

	HolderID string        `env:"STATEPROTO_HOLDER_ID"`
	LeaseTTL time.Duration `env:"STATEPROTO_LEASE_TTL" envDefault:"3m" validate:"gt=0"`

	ViolationWriteTimeout time.Duration `env:"STATEPROTO_VIOLATION_WRITE_TIMEOUT" envDefault:"2s" validate:"gt=0"`
	ViolationSpoolPath    string        `env:"STATEPROTO_VIOLATION_SPOOL_PATH" envDefault:"data/violations.spool.jsonl"`

	OTelEndpoint string `env:"STATEPROTO_OTEL_ENDPOINT"`
	LogLevel     string `env:"STATEPROTO_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ParseConfig parses the environment, overlays command-line flags and
// validates the result.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address, empty to disable")
	fs.StringVar(&cfg.SignalsPath, "signals", cfg.SignalsPath, "Upstream signals YAML file")
	fs.StringVar(&cfg.AlertSignalsPath, "alert-signals", cfg.AlertSignalsPath, "Alert level file, with -regime-signals and -posture-signals")
	fs.StringVar(&cfg.RegimeSignalsPath, "regime-signals", cfg.RegimeSignalsPath, "Regime file")
	fs.StringVar(&cfg.PostureSignalsPath, "posture-signals", cfg.PostureSignalsPath, "Strategy posture file")
	fs.DurationVar(&cfg.PublishInterval, "publish-interval", cfg.PublishInterval, "Snapshot publication interval")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "Age after which a snapshot is stale")
	fs.IntVar(&cfg.GraceSnapshots, "grace", cfg.GraceSnapshots, "Previous snapshots whose hash still binds")
	fs.StringVar(&cfg.HolderID, "holder", cfg.HolderID, "Publisher lease holder id")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct-tag constraints and the cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.LeaseTTL <= c.PublishInterval {
		return fmt.Errorf("invalid config: lease ttl %s must exceed publish interval %s", c.LeaseTTL, c.PublishInterval)
	}
	if c.StaleAfter < c.PublishInterval {
		return fmt.Errorf("invalid config: stale window %s shorter than publish interval %s", c.StaleAfter, c.PublishInterval)
	}
	return nil
}
