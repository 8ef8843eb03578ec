package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rzbill/pushhub/internal/server/http/controllers"
	hubsvc "github.com/rzbill/pushhub/internal/services/hub"
	logpkg "github.com/rzbill/pushhub/pkg/log"
)

// Server serves the hub's HTTP endpoints.
type Server struct {
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

// New registers every controller over svc. metrics, when non-nil, is
// mounted at /metrics.
func New(svc *hubsvc.Service, metrics http.Handler, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	mux := http.NewServeMux()
	controllers.NewControllerRegistry(svc, metrics, logger).RegisterAllRoutes(mux)
	return &Server{
		srv: &http.Server{
			Handler:           cors(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.WithComponent("http"),
	}
}

// Handler exposes the routed handler for embedding and tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe binds to addr and serves until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close closes the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
