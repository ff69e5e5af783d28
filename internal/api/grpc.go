package api

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "wardpager"

// HealthServer serves the standard gRPC health checking protocol so that
// load balancers and orchestrators can probe the engine.
type HealthServer struct {
	logger zerolog.Logger
	addr   string
	server *grpc.Server
	health *health.Server
}

// NewHealthServer creates the gRPC server with the health service registered.
func NewHealthServer(logger zerolog.Logger, addr string) *HealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{
		logger: logger.With().Str("component", "grpc").Logger(),
		addr:   addr,
		server: srv,
		health: hs,
	}
}

// SetServing flips the reported status of the engine.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
}

// Health returns the health service implementation.
func (h *HealthServer) Health() healthpb.HealthServer {
	return h.health
}

// Start listens and serves until Stop is called.
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.logger.Info().Str("address", h.addr).Msg("Starting gRPC health server")
	return h.server.Serve(lis)
}

// Stop marks the service not serving and stops the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
