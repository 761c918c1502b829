package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/marketpulse/internal/resilience/breaker"
)

// HealthService serves grpc.health.v1.Health. The empty service name tracks
// the process; every dependency name is NOT_SERVING while its breaker is open.
type HealthService struct {
	health *health.Server
	grpc   *grpc.Server
	port   int
	log    *slog.Logger
}

// NewHealthService creates the gRPC health server and subscribes it to
// breaker transitions.
func NewHealthService(registry *breaker.Registry, port int, log *slog.Logger) *HealthService {
	if log == nil {
		log = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, snap := range registry.Snapshots() {
		hs.SetServingStatus(snap.Name, servingStatus(snap.State))
	}
	registry.OnStateChange(func(name string, to breaker.State) {
		hs.SetServingStatus(name, servingStatus(to.String()))
	})

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &HealthService{health: hs, grpc: gs, port: port, log: log}
}

// Health returns the underlying health server.
func (h *HealthService) Health() healthpb.HealthServer {
	return h.health
}

// Start listens on the configured port and serves until Stop.
func (h *HealthService) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("failed to listen for grpc: %w", err)
	}
	h.log.Info("gRPC health service listening", "port", h.port)
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains the server.
func (h *HealthService) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}

func servingStatus(state string) healthpb.HealthCheckResponse_ServingStatus {
	if state == breaker.StateOpen.String() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
