// Package server exposes the state protocol over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/danielpatrickdp/agent-state-protocol/internal/codec"
	"github.com/danielpatrickdp/agent-state-protocol/internal/gate"
	"github.com/danielpatrickdp/agent-state-protocol/internal/protocol"
	"github.com/danielpatrickdp/agent-state-protocol/internal/state"
	"github.com/danielpatrickdp/agent-state-protocol/internal/violation"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// #region service
// Snapshots is the read surface CurrentSnapshot needs.
type Snapshots interface {
	GetCurrent(ctx context.Context) (state.Snapshot, error)
}

// Service implements codec.StateProtocolServer over the in-process
// components.
type Service struct {
	retriever  protocol.Retriever
	validator  protocol.Validator
	guard      *protocol.Guard
	violations protocol.ViolationLogger
	snapshots  Snapshots
}

// Deps are the components a Service dispatches to.
type Deps struct {
	Retriever  protocol.Retriever
	Validator  protocol.Validator
	Guard      *protocol.Guard
	Violations protocol.ViolationLogger
	Snapshots  Snapshots
}

// NewService checks that every dependency is present.
func NewService(d Deps) (*Service, error) {
	if d.Retriever == nil || d.Validator == nil || d.Guard == nil || d.Violations == nil || d.Snapshots == nil {
		return nil, fmt.Errorf("retriever, validator, guard, violations and snapshots are required")
	}
	return &Service{
		retriever:  d.Retriever,
		validator:  d.Validator,
		guard:      d.Guard,
		violations: d.Violations,
		snapshots:  d.Snapshots,
	}, nil
}

// #endregion service

// #region handlers
// Retrieve never fails: every problem is expressed in the returned vector.
func (s *Service) Retrieve(ctx context.Context, req *codec.RetrieveRequest) (*codec.RetrieveResponse, error) {
	vec := s.retriever.Retrieve(ctx, req.AgentID, state.AgentTier(req.AgentTier))
	return &codec.RetrieveResponse{Vector: codec.EncodeVector(vec)}, nil
}

func (s *Service) ValidateBinding(ctx context.Context, req *codec.ValidateRequest) (*codec.ValidateResponse, error) {
	sub, err := submission(req.AgentID, req.AgentTier, req.StateHash, req.IntendedAction)
	if err != nil {
		return nil, err
	}
	d := s.validator.Validate(ctx, gateRequest(sub))
	return &codec.ValidateResponse{
		Approved:    d.Approved,
		Code:        string(d.Code),
		Reason:      d.Reason,
		CurrentHash: d.CurrentHash,
		AlertLevel:  string(d.AlertLevel),
	}, nil
}

func (s *Service) BindOutput(ctx context.Context, req *codec.BindRequest) (*codec.BindResponse, error) {
	sub, err := bindSubmission(req)
	if err != nil {
		return nil, err
	}
	res, err := s.guard.Submit(ctx, sub)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "bind output: %v", err)
	}
	return bindResponse(res), nil
}

func (s *Service) OverrideBinding(ctx context.Context, req *codec.BindRequest) (*codec.BindResponse, error) {
	sub, err := bindSubmission(req)
	if err != nil {
		return nil, err
	}
	res, err := s.guard.Override(ctx, sub)
	if err != nil {
		if res.Decision.Code == gate.CodeMissingHash {
			return nil, status.Errorf(codes.FailedPrecondition, "override recorded as violation %s: %v", res.ViolationID, err)
		}
		return nil, status.Errorf(codes.Unavailable, "override binding: %v", err)
	}
	return bindResponse(res), nil
}

func (s *Service) LogViolation(ctx context.Context, req *codec.LogViolationRequest) (*codec.LogViolationResponse, error) {
	vType, err := violation.ParseType(req.ViolationType)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	enforcement := violation.Blocked
	if req.EnforcementAction != "" {
		if enforcement, err = violation.ParseEnforcement(req.EnforcementAction); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id is required")
	}
	id, err := s.violations.LogViolation(ctx, violation.Violation{
		Type:              vType,
		AgentID:           req.AgentID,
		AttemptedAction:   req.AttemptedAction,
		StateHashExpected: req.StateHashExpected,
		StateHashProvided: req.StateHashProvided,
		Enforcement:       enforcement,
		Evidence:          req.Evidence.AsMap(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "violation %s not persisted: %v", id, err)
	}
	return &codec.LogViolationResponse{ViolationID: id}, nil
}

func (s *Service) CurrentSnapshot(ctx context.Context, _ *codec.CurrentSnapshotRequest) (*codec.CurrentSnapshotResponse, error) {
	snap, err := s.snapshots.GetCurrent(ctx)
	switch {
	case errors.Is(err, state.ErrNoCurrent):
		return nil, status.Error(codes.NotFound, err.Error())
	case err != nil:
		return nil, status.Errorf(codes.Internal, "read current snapshot: %v", err)
	}
	return &codec.CurrentSnapshotResponse{Snapshot: codec.Snapshot{
		SnapshotID:       snap.SnapshotID,
		StateHash:        snap.StateHash,
		CapturedAt:       snap.CapturedAt,
		AlertLevel:       string(snap.AlertLevel),
		RegimeLabel:      string(snap.RegimeLabel),
		RegimeConfidence: snap.RegimeConfidence,
		StrategyPosture:  string(snap.StrategyPosture),
		StrategyExposure: snap.StrategyExposure,
	}}, nil
}

// #endregion handlers

// #region request-decoding
func submission(agentID, tier, stateHash, action string) (protocol.Submission, error) {
	if strings.TrimSpace(agentID) == "" {
		return protocol.Submission{}, status.Error(codes.InvalidArgument, "agent_id is required")
	}
	t, err := state.ParseAgentTier(tier)
	if err != nil {
		return protocol.Submission{}, status.Error(codes.InvalidArgument, err.Error())
	}
	a, err := state.ParseAction(action)
	if err != nil {
		return protocol.Submission{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return protocol.Submission{AgentID: agentID, Tier: t, StateHash: stateHash, Action: a}, nil
}

func gateRequest(s protocol.Submission) gate.Request {
	return gate.Request{AgentID: s.AgentID, Tier: s.Tier, StateHash: s.StateHash, Action: s.Action}
}

func bindSubmission(req *codec.BindRequest) (protocol.Submission, error) {
	sub, err := submission(req.AgentID, req.AgentTier, req.StateHash, req.IntendedAction)
	if err != nil {
		return sub, err
	}
	if req.OutputType == "" || req.OutputID == "" || req.OutputHash == "" {
		return sub, status.Error(codes.InvalidArgument, "output_type, output_id and output_hash are required")
	}
	sub.Output = protocol.Output{
		OutputType:  req.OutputType,
		OutputID:    req.OutputID,
		OutputTable: req.OutputTable,
		OutputHash:  req.OutputHash,
	}
	return sub, nil
}

func bindResponse(res protocol.Result) *codec.BindResponse {
	return &codec.BindResponse{
		Approved:    res.Approved,
		Code:        string(res.Decision.Code),
		Reason:      res.Reason,
		BindingID:   res.BindingID,
		ViolationID: res.ViolationID,
	}
}

// #endregion request-decoding

// #region grpc-server
// Server owns the listener, the gRPC server and the health service.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

// New registers svc and health on a gRPC server with the OTel stats handler.
// The listener is owned by the returned Server.
func New(listener net.Listener, svc codec.StateProtocolServer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	codec.RegisterStateProtocolServer(grpcServer, svc)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(codec.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{listener: listener, grpcServer: grpcServer, health: healthServer, logger: logger}
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs until ctx is cancelled, then drains in-flight calls.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("state protocol server listening", "addr", s.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "rpc",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}

// #endregion grpc-server
