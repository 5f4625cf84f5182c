package api

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/monitoring"
)

// Version is the current version of the replica service.
const Version = "0.2.0"

// Backend is the replica the service fronts. core.Node implements it.
type Backend interface {
	Submit(ctx context.Context, req consensus.Request) (consensus.Reply, error)
	Status(ctx context.Context) (consensus.Status, error)
}

// ServerConfig holds configuration for the gRPC server.
type ServerConfig struct {
	// AuthToken enables token authentication when set
	AuthToken string

	// SubmitTimeout bounds how long Submit waits for execution
	SubmitTimeout time.Duration

	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SubmitTimeout:  10 * time.Second,
		MaxRecvMsgSize: 16 * 1024 * 1024,
		MaxSendMsgSize: 16 * 1024 * 1024,
	}
}

// Server exposes a replica to clients over gRPC.
type Server struct {
	backend Backend
	config  ServerConfig
	auth    *Authenticator
	metrics *monitoring.Metrics
	logger  zerolog.Logger

	grpcServer *grpc.Server
	listener   net.Listener
	running    bool
	mu         sync.RWMutex
}

// NewServer creates a gRPC server for backend. metrics may be nil.
func NewServer(backend Backend, config ServerConfig, metrics *monitoring.Metrics, logger zerolog.Logger) *Server {
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = DefaultServerConfig().SubmitTimeout
	}
	return &Server{
		backend: backend,
		config:  config,
		auth:    NewTokenAuthenticator(config.AuthToken),
		metrics: metrics,
		logger:  logger.With().Str("component", "grpc").Logger(),
	}
}

// StartAsync starts serving on address and returns immediately.
func (s *Server) StartAsync(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	s.listener = lis

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.metricsInterceptor, s.auth.UnaryInterceptor()),
	}
	if s.config.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize))
	}
	if s.config.MaxSendMsgSize > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(s.config.MaxSendMsgSize))
	}
	s.grpcServer = grpc.NewServer(opts...)
	RegisterReplicaServer(s.grpcServer, s)

	s.running = true

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()
	s.logger.Info().Str("address", lis.Addr().String()).Bool("auth", s.auth.IsEnabled()).Msg("gRPC server listening")
	return nil
}

// Addr returns the listening address, or "" when not started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Submit orders req on the replica and returns its reply.
func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req == nil || req.Request.ClientID == "" {
		return nil, status.Error(codes.InvalidArgument, "client id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.SubmitTimeout)
	defer cancel()

	start := time.Now()
	reply, err := s.backend.Submit(ctx, req.Request)
	if s.metrics != nil {
		s.metrics.RecordRequest(err == nil, time.Since(start))
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("client", req.Request.ClientID).Uint64("nonce", req.Request.Nonce).Msg("Submit failed")
		return nil, toStatus(err)
	}
	return &SubmitResponse{Reply: reply}, nil
}

// Status returns the replica status.
func (s *Server) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{Status: st, Version: Version}, nil
}

func (s *Server) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if s.metrics != nil {
		s.metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
	}
	return resp, err
}

// toStatus maps backend errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, core.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, core.ErrInboxFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
