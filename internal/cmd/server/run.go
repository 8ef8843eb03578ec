package serverrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/pushhub/internal/config"
	"github.com/rzbill/pushhub/internal/metrics"
	"github.com/rzbill/pushhub/internal/runtime"
	grpcserver "github.com/rzbill/pushhub/internal/server/grpc"
	httpserver "github.com/rzbill/pushhub/internal/server/http"
	hubsvc "github.com/rzbill/pushhub/internal/services/hub"
	logpkg "github.com/rzbill/pushhub/pkg/log"
)

// Options are the command-line overrides applied on top of the config file
// and PUSHHUB_* environment. Empty fields leave the loaded value alone.
type Options struct {
	ConfigPath string
	DataDir    string
	HTTPAddr   string
	GRPCAddr   string
	Fsync      string
	LogLevel   string
	LogFormat  string
}

// LoadConfig resolves the effective configuration: defaults, then the
// config file, then the environment, then opts.
func LoadConfig(opts Options) (cfgpkg.Config, error) {
	cfg := cfgpkg.Default()
	if opts.ConfigPath != "" {
		loaded, err := cfgpkg.Load(opts.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfgpkg.FromEnv(&cfg)
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Storage.DataDir, opts.DataDir)
	override(&cfg.Server.HTTPAddr, opts.HTTPAddr)
	override(&cfg.Server.GRPCAddr, opts.GRPCAddr)
	override(&cfg.Storage.Fsync, opts.Fsync)
	override(&cfg.Log.Level, opts.LogLevel)
	override(&cfg.Log.Format, opts.LogFormat)
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Run starts the hub workers plus the HTTP and gRPC servers and blocks
// until ctx is cancelled or one of them fails.
func Run(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	procLogger, err := logpkg.ApplyConfig(&logpkg.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Redact: cfg.Log.Redact,
	})
	if err != nil {
		return err
	}
	// Pebble and net/http log through the standard library
	logpkg.RedirectStdLog(procLogger)

	prom := metrics.NewPrometheus("pushhub")
	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger, Metrics: prom})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("starting pushhub",
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("data_dir", cfg.Storage.DataDir),
		logpkg.Str("subscriptions", cfg.Storage.Subscriptions),
		logpkg.Str("public_url", cfg.Server.PublicURL),
	)

	svc := hubsvc.FromRuntime(rt, procLogger)
	hsrv := httpserver.New(svc, prom.Handler(), procLogger)
	var gsrv *grpcserver.Server
	if cfg.Server.GRPCAddr != "" {
		gsrv = grpcserver.New(rt, procLogger)
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.Server.HTTPAddr) })
	if gsrv != nil {
		g.Go(func() error { return gsrv.ListenAndServe(gctx, cfg.Server.GRPCAddr) })
	}
	err = g.Wait()
	// servers drain before the deferred runtime close
	hsrv.Close()
	if gsrv != nil {
		gsrv.Close()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	procLogger.Info("pushhub stopped")
	return err
}
