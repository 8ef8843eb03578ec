package client

import (
	"context"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rzbill/pushhub/internal/cmd/client/transports"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// BaseURLFromEnv returns PUSHHUB_HTTP or the local default.
func BaseURLFromEnv() string {
	if v := os.Getenv("PUSHHUB_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

// grpcAddrFromEnv returns the gRPC server address from PUSHHUB_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("PUSHHUB_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:9090"
}

// dialGRPCContext dials the hub's gRPC endpoint with insecure transport for local/dev.
func dialGRPCContext(_ context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient(grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func httpTransport(baseURL BaseURLFunc) transports.HubTransport {
	return transports.NewHTTPTransport(baseURL(), nil)
}
