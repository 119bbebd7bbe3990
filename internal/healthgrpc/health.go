// Package healthgrpc exposes pipeline freshness through the standard gRPC
// health checking protocol. Each pipeline key is a service name; the empty
// service reports overall readiness.
package healthgrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"qazna.org/telemetry/internal/freshness"
	"qazna.org/telemetry/internal/obs"
)

// Lister is the read side of the freshness monitor.
type Lister interface {
	ListSnapshots(ctx context.Context, limit int) ([]freshness.Checkpoint, error)
}

// Readiness reports whether the process can serve at all.
type Readiness interface {
	Check(ctx context.Context) error
}

// Server keeps a grpc health server in step with freshness checkpoints.
type Server struct {
	health *health.Server
	lister Lister
	ready  Readiness
}

// New creates a Server. ready may be nil.
func New(lister Lister, ready Readiness) *Server {
	return &Server{health: health.NewServer(), lister: lister, ready: ready}
}

// Register installs the health service on g.
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

// Sync recomputes every service status once.
func (s *Server) Sync(ctx context.Context) error {
	overall := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		if err := s.ready.Check(ctx); err != nil {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	cps, err := s.lister.ListSnapshots(ctx, 500)
	if err != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	for _, cp := range cps {
		st := healthpb.HealthCheckResponse_SERVING
		if cp.Status == freshness.StatusCritical {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(cp.PipelineKey, st)
	}
	s.health.SetServingStatus("", overall)
	return nil
}

// Run syncs every interval until ctx is done, then marks everything
// NOT_SERVING.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := s.Sync(ctx); err != nil {
		obs.Logger().Warn("health sync failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				obs.Logger().Warn("health sync failed", "error", err)
			}
		}
	}
}
