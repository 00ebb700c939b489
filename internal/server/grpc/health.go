package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	flobufv1 "github.com/rzbill/flobuf/api/flobuf/v1"
	"github.com/rzbill/flobuf/pkg/log"
)

func registerHealth(s *grpc.Server, h *health.Server) {
	healthpb.RegisterHealthServer(s, h)
}

// refreshHealth mirrors the runtime's health onto the overall and the
// buffer service status.
func (s *Server) refreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.rt.CheckHealth(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("health check failed", log.Err(err))
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(flobufv1.ServiceName, st)
}

func (s *Server) watchHealth(ctx context.Context) {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refreshHealth(ctx)
		}
	}
}
