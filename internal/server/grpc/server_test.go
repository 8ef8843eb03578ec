package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	cfgpkg "github.com/rzbill/pushhub/internal/config"
	"github.com/rzbill/pushhub/internal/runtime"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

const bufSize = 1 << 20

func dialer(s *grpc.Server) func(context.Context, string) (net.Conn, error) {
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.Serve(lis) }()
	return func(ctx context.Context, s string) (net.Conn, error) { return lis.DialContext(ctx) }
}

func dial(t *testing.T, srv *Server) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(srv.grpc)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.grpc.Stop()
	})
	return healthpb.NewHealthClient(conn)
}

type flakyChecker struct{ down atomic.Bool }

func (f *flakyChecker) CheckHealth(context.Context) error {
	if f.down.Load() {
		return errors.New("disk gone")
	}
	return nil
}

func TestHealthOverGRPC(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = t.TempDir()
	rt, err := runtime.Open(runtime.Options{Config: cfg, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	defer rt.Close()
	srv := New(rt, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if got := srv.Refresh(ctx); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("refresh: %v", got)
	}
	c := dial(t, srv)
	res, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status: %v", res.GetStatus())
	}
}

func TestHealthReflectsStorageFailure(t *testing.T) {
	checker := &flakyChecker{}
	srv := New(checker, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Refresh(ctx)
	c := dial(t, srv)

	checker.down.Store(true)
	srv.Refresh(ctx)
	res, err := c.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status: %v", res.GetStatus())
	}
}
