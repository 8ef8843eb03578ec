package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logpkg "github.com/rzbill/pushhub/pkg/log"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "pushhub.Hub"

// HealthChecker checks the hub's storage.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Server owns the gRPC server instance and its health state.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checker  HealthChecker
	interval time.Duration
	lis      net.Listener
	logger   logpkg.Logger
}

// New constructs a gRPC server exposing grpc.health.v1 backed by checker.
func New(checker HealthChecker, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	s := &Server{
		grpc:     grpc.NewServer(opts...),
		health:   health.NewServer(),
		checker:  checker,
		interval: 5 * time.Second,
		logger:   logger.WithComponent("grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Refresh checks storage once and publishes the result.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.checker.CheckHealth(ctx); err != nil {
		s.logger.Warn("health check failed", logpkg.Err(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// ListenAndServe binds to addr and serves until ctx is done, refreshing the
// health status periodically.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc listening", logpkg.Str("addr", l.Addr().String()))
	s.Refresh(ctx)
	go s.watch(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) watch(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
