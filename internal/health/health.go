// Package health exposes the liveness registry to external orchestration
// (container probes, k8s liveness/readiness checks) over the standard gRPC
// health-checking protocol: each tracked session maps to a service whose
// serving status follows its alive/dead state.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/A-TJ/ax-agent-studio/internal/liveness"
)

// Server wraps grpc/health's Server, periodically syncing its per-service
// status from a liveness.Registry.
type Server struct {
	grpcHealth *health.Server
	registry   *liveness.Registry
	log        *zap.Logger
}

// New builds a Server. Register it on a *grpc.Server with RegisterOn.
func New(registry *liveness.Registry, log *zap.Logger) *Server {
	return &Server{
		grpcHealth: health.NewServer(),
		registry:   registry,
		log:        log.Named("health"),
	}
}

// RegisterOn attaches the underlying grpc health service to srv.
func (s *Server) RegisterOn(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.grpcHealth)
}

// Run polls the liveness registry every interval and reflects each tracked
// session's state into the grpc health service under its own session name,
// plus an overall "" service aggregating every session. Blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sync()
		}
	}
}

func (s *Server) sync() {
	records := s.registry.Summary()
	now := time.Now()

	overall := healthpb.HealthCheckResponse_SERVING
	for _, rec := range records {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if rec.IsAlive(now) {
			status = healthpb.HealthCheckResponse_SERVING
		} else {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.grpcHealth.SetServingStatus(rec.Name, status)
	}

	if len(records) == 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.grpcHealth.SetServingStatus("", overall)
}
