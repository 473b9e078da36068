// Command stated is the state protocol daemon. It publishes snapshots from the
// signals file and serves retrieval, validation, binding and violation RPCs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/config"
	"github.com/danielpatrickdp/agent-state-protocol/internal/gate"
	"github.com/danielpatrickdp/agent-state-protocol/internal/ledger"
	"github.com/danielpatrickdp/agent-state-protocol/internal/protocol"
	"github.com/danielpatrickdp/agent-state-protocol/internal/publisher"
	"github.com/danielpatrickdp/agent-state-protocol/internal/retrieval"
	"github.com/danielpatrickdp/agent-state-protocol/internal/server"
	"github.com/danielpatrickdp/agent-state-protocol/internal/signals"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/telemetry"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
	"golang.org/x/sync/errgroup"
)

// #region main
func main() {
	if err := run(); err != nil {
		slog.Error("stated exited", "error", err)
		os.Exit(1)
	}
}

// #endregion main

// #region run
func run() error {
	cfg, err := config.ParseConfig(flag.NewFlagSet("stated", flag.ContinueOnError), os.Args[1:])
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "stated", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	source, signalPaths := signals.FromFiles(cfg.SignalsPath, cfg.AlertSignalsPath, cfg.RegimeSignalsPath, cfg.PostureSignalsPath)
	for _, p := range append([]string{cfg.DBPath, cfg.ViolationSpoolPath}, signalPaths...) {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", p, err)
		}
	}

	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Violations must reach the log even when the database is the thing failing.
	alerter := violation.MultiAlerter{violation.LogAlerter{Logger: logger}}
	var spool *violation.SpoolAlerter
	if cfg.ViolationSpoolPath != "" {
		spool = violation.NewSpoolAlerter(cfg.ViolationSpoolPath, logger)
		alerter = append(alerter, spool)
	}
	recorder, err := violation.NewRecorder(store.DB(),
		violation.WithAlerter(alerter),
		violation.WithWriteTimeout(cfg.ViolationWriteTimeout),
		violation.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if spool != nil {
		n, err := spool.ReplaySpool(ctx, recorder)
		if err != nil {
			logger.Error("violation spool replay incomplete", "replayed", n, "error", err)
		} else if n > 0 {
			logger.Info("violation spool replayed", "replayed", n)
		}
	}

	bindings, err := ledger.New(store.DB())
	if err != nil {
		return err
	}
	validator := gate.NewValidator(store, cfg.GraceSnapshots)
	retriever := retrieval.New(store.DB(),
		retrieval.WithStaleAfter(cfg.StaleAfter),
		retrieval.WithTimeout(cfg.RetrieveTimeout),
		retrieval.WithViolationLogger(recorder),
		retrieval.WithLogger(logger),
	)
	guard, err := protocol.NewGuard(validator, bindings, recorder, logger)
	if err != nil {
		return err
	}

	pubOpts := []publisher.Option{publisher.WithLeaseTTL(cfg.LeaseTTL), publisher.WithLogger(logger)}
	if cfg.HolderID != "" {
		pubOpts = append(pubOpts, publisher.WithHolder(cfg.HolderID))
	}
	pub, err := publisher.New(store, source, pubOpts...)
	if err != nil {
		return err
	}

	svc, err := server.NewService(server.Deps{
		Retriever:  retriever,
		Validator:  validator,
		Guard:      guard,
		Violations: recorder,
		Snapshots:  store,
	})
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := server.New(lis, svc, logger)

	triggers, err := signals.WatchAll(ctx, signalPaths, logger)
	if err != nil {
		logger.Warn("signals watch disabled, publishing on interval only", "error", err)
	}

	logger.Info("stated starting",
		"db", cfg.DBPath,
		"signals", signalPaths,
		"grpc_addr", grpcServer.Addr(),
		"metrics_addr", cfg.MetricsAddr,
		"holder", pub.Holder(),
		"publish_interval", cfg.PublishInterval,
		"stale_after", cfg.StaleAfter,
		"grace_snapshots", cfg.GraceSnapshots,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Serve(gctx) })
	g.Go(func() error { return pub.Run(gctx, cfg.PublishInterval, triggers) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
	}
	return g.Wait()
}

// #endregion run

// #region helpers
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// #endregion helpers
