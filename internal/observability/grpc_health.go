package observability

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CaptureService is the gRPC health service name reported for the capture pipeline.
const CaptureService = "live_transcriber.Capture"

// HealthServer exposes grpc.health.v1 so process supervisors can probe capture state.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
	logger zerolog.Logger
}

// NewHealthServer listens on addr. The capture service starts as NOT_SERVING.
func NewHealthServer(addr string, logger zerolog.Logger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for grpc health on %s: %w", addr, err)
	}

	hs := health.NewServer()
	hs.SetServingStatus(CaptureService, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &HealthServer{server: server, health: hs, lis: lis, logger: logger}, nil
}

// Addr returns the bound listener address.
func (h *HealthServer) Addr() string {
	return h.lis.Addr().String()
}

// Serve blocks until Stop is called.
func (h *HealthServer) Serve() {
	h.logger.Info().Str("addr", h.Addr()).Msg("gRPC health server starting")
	if err := h.server.Serve(h.lis); err != nil && err != grpc.ErrServerStopped {
		h.logger.Error().Err(err).Msg("gRPC health server error")
	}
}

// SetCapturing flips the capture service between SERVING and NOT_SERVING.
func (h *HealthServer) SetCapturing(capturing bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if capturing {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(CaptureService, status)
}

// Stop marks everything NOT_SERVING and drains the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
