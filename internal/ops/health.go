// Package ops serves the gRPC health endpoint that load balancers and
// orchestrators poll to learn whether the chat service accepts sessions.
package ops

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/chatserver/internal/config"
)

// ServiceName is the health service name reported for the chat server.
const ServiceName = "chat"

// HealthServer wraps a gRPC server exposing grpc.health.v1.Health.
type HealthServer struct {
	cfg    config.OpsConfig
	logger *zap.Logger
	health *health.Server
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthServer creates a health server. Both the overall status and
// ServiceName start as NOT_SERVING until MarkServing is called.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a HealthServer ready to be started with ListenAndServe.
func NewHealthServer(cfg config.OpsConfig, logger *zap.Logger) *HealthServer {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)

	return &HealthServer{cfg: cfg, logger: logger, health: h, server: srv}
}

// ListenAndServe listens on the configured address and serves until Stop.
//
// Postcondition: Returns nil after a graceful Stop, or the listen/serve error.
func (s *HealthServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("ops health server listening", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// MarkServing reports SERVING for ServiceName and the overall server.
func (s *HealthServer) MarkServing() {
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

// MarkNotServing reports NOT_SERVING for ServiceName and the overall server.
func (s *HealthServer) MarkNotServing() {
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (s *HealthServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Info("health status changed", zap.String("service", ServiceName), zap.Stringer("status", status))
}

// Stop marks every service NOT_SERVING and gracefully stops the gRPC server.
//
// Postcondition: ListenAndServe has returned or will return promptly.
func (s *HealthServer) Stop() {
	start := time.Now()
	s.health.Shutdown()
	s.server.GracefulStop()
	s.logger.Info("ops health server stopped", zap.Duration("elapsed", time.Since(start)))
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
