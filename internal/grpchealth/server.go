// Package grpchealth exposes the standard grpc.health.v1 service so
// orchestrators can probe liveness and whether the real feature extractor is
// serving.
package grpchealth

import (
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ExtractorService is the health service name that reflects model state.
const ExtractorService = "claimverify.FeatureExtractor"

// ModelState reports whether the real extractor is loaded.
type ModelState interface {
	ModelLoaded() bool
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer registers the health service. The overall service ("") is always
// SERVING while the process runs; ExtractorService is NOT_SERVING in
// zero-embedding fallback.
func NewServer(state ModelState, logger *zap.Logger) *Server {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state.ModelLoaded() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(ExtractorService, status)

	return &Server{grpc: srv, health: hs, logger: logger.Named("grpc_health")}
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", listener.Addr().String()))
	err := s.grpc.Serve(listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks every service NOT_SERVING and drains in-flight checks.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
