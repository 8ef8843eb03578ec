package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/pushhub/internal/config"
	"github.com/rzbill/pushhub/internal/deltaqueue"
	"github.com/rzbill/pushhub/internal/dispatch"
	"github.com/rzbill/pushhub/internal/export"
	"github.com/rzbill/pushhub/internal/feed"
	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/intake"
	"github.com/rzbill/pushhub/internal/lease"
	"github.com/rzbill/pushhub/internal/metrics"
	"github.com/rzbill/pushhub/internal/policy"
	"github.com/rzbill/pushhub/internal/retry"
	"github.com/rzbill/pushhub/internal/scheduler"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
	"github.com/rzbill/pushhub/internal/subscriptions"
	"github.com/rzbill/pushhub/internal/topics"
	"github.com/rzbill/pushhub/internal/verify"
	"github.com/rzbill/pushhub/internal/workqueue"
	"github.com/rzbill/pushhub/pkg/log"
)

// Work queue names.
const (
	QueueFetch    = "fetch"
	QueueVerify   = "verify"
	QueueDelivery = "delivery"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Metrics defaults to a no-op recorder.
	Metrics metrics.Recorder
	// Fsync overrides Config.Storage.Fsync when set.
	Fsync pebblestore.FsyncMode
}

// Runtime wires storage and every hub component for a single-node
// instance.
type Runtime struct {
	db     *pebblestore.DB
	pg     *sqlx.DB
	config cfgpkg.Config
	log    log.Logger

	Topics        *topics.Store
	Subscriptions subscriptions.Store
	Deltas        *deltaqueue.Queue
	Leases        *lease.Manager

	FetchQueue    *workqueue.Queue
	VerifyQueue   *workqueue.Queue
	DeliveryQueue *workqueue.Queue

	Engine     *feed.Engine
	Fetcher    *feed.Worker
	Verifier   *verify.Verifier
	Dispatcher *dispatch.Dispatcher
	Intake     *intake.Intake
	Scheduler  *scheduler.Scheduler
	Policy     *policy.Policy

	sink *export.AMQPSink
}

// Open initializes the underlying storage and wires the components.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.NewNop()
	}

	fsync := opts.Fsync
	if fsync == pebblestore.FsyncModeUnspecified {
		m, err := pebblestore.ParseFsyncMode(cfg.Storage.Fsync)
		if err != nil {
			return nil, err
		}
		fsync = m
	}
	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dataDir, Fsync: fsync, Metrics: rec})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{db: db, config: cfg, log: logger}
	if err := rt.wire(rec); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) wire(rec metrics.Recorder) error {
	cfg := r.config

	r.Topics = topics.NewStore(r.db)
	switch cfg.Storage.Subscriptions {
	case "postgres":
		pg, err := sqlx.Connect("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		r.pg = pg
		r.Subscriptions = subscriptions.NewPostgresStore(pg)
	default:
		r.Subscriptions = subscriptions.NewPebbleStore(r.db)
	}
	r.Deltas = deltaqueue.Open(r.db)
	// fetch and dispatch must contend on the same scope
	r.Leases = lease.NewManager(r.db, "topic")

	r.FetchQueue = workqueue.Open(r.db, QueueFetch).WithMetrics(rec)
	r.VerifyQueue = workqueue.Open(r.db, QueueVerify).WithMetrics(rec)
	r.DeliveryQueue = workqueue.Open(r.db, QueueDelivery).WithMetrics(rec)

	p, err := policy.New(cfg.Topics.AcceptUnknown, cfg.Topics.AcceptExpr)
	if err != nil {
		return err
	}
	r.Policy = p

	engineOpts := []feed.Option{feed.WithLogger(r.log), feed.WithMetrics(rec)}
	if cfg.Export.URL != "" {
		sink, err := export.NewAMQP(export.Config{
			URL:        cfg.Export.URL,
			Exchange:   cfg.Export.Exchange,
			RoutingKey: cfg.Export.RoutingKey,
			QueueName:  cfg.Export.Queue,
		}, r.log)
		if err != nil {
			return err
		}
		r.sink = sink
		engineOpts = append(engineOpts, feed.WithSink(sink))
	}
	fetcher := feed.NewHTTPFetcher(cfg.Fetch.Timeout, cfg.Fetch.MaxRedirects, cfg.Server.UserAgent)
	if !cfg.Fetch.SubscriberHint {
		fetcher.WithoutSubscriberHint()
	}
	r.Engine = feed.NewEngine(r.Topics, r.Subscriptions, r.Deltas, r.Leases, fetcher, FeedConfig(cfg), engineOpts...)
	r.Fetcher = feed.NewWorker(r.Engine, r.FetchQueue, r.Topics)

	vcfg, err := VerifyConfig(cfg)
	if err != nil {
		return err
	}
	r.Verifier = verify.New(r.Subscriptions, r.VerifyQueue, vcfg, verify.WithLogger(r.log), verify.WithMetrics(rec))

	r.Dispatcher = dispatch.New(r.db, r.Subscriptions, r.Deltas, r.Leases, r.DeliveryQueue, DispatchConfig(cfg),
		dispatch.WithLogger(r.log), dispatch.WithMetrics(rec))

	r.Intake = intake.New(r.Topics, r.Subscriptions, r.Fetcher, r.Policy, intake.WithLogger(r.log), intake.WithMetrics(rec))

	r.Scheduler = scheduler.New(r.Topics, r.Subscriptions, r.Fetcher, r.Verifier, scheduler.Config{
		PollInterval:       cfg.Fetch.PollInterval,
		SweepInterval:      cfg.Lease.SweepInterval,
		ExpiredRetention:   cfg.Verify.ExpiredRetention,
		AbandonedRetention: cfg.Delivery.AbandonedRetention,
	},
		scheduler.WithLogger(r.log),
		scheduler.WithLeases(r.Leases),
		scheduler.WithQueues(r.FetchQueue, r.VerifyQueue, r.DeliveryQueue),
		scheduler.WithLedger(r.Dispatcher.Ledger()),
	)
	return nil
}

// FeedConfig maps the fetch and topic sections onto the engine.
func FeedConfig(cfg cfgpkg.Config) feed.Config {
	out := feed.DefaultConfig()
	out.CacheSize = cfg.Topics.CacheSize
	out.ContextSize = cfg.Topics.ContextSize
	out.MaxNewEntries = cfg.Topics.MaxNewEntries
	out.ContentMode = hub.ContentMode(cfg.Topics.ContentMode)
	out.SummaryLength = cfg.Topics.SummaryLength
	out.LeaseTTL = cfg.Lease.TTL
	if cfg.Fetch.Workers > 0 {
		out.Workers = cfg.Fetch.Workers
	}
	out.Retry = retry.Policy{Base: cfg.Fetch.RetryBase, MaxAttempts: cfg.Fetch.MaxFailures}
	return out
}

// VerifyConfig maps the verify section onto the verifier.
func VerifyConfig(cfg cfgpkg.Config) (verify.Config, error) {
	out := verify.DefaultConfig()
	modes, err := verify.ParseModes(cfg.Verify.Modes)
	if err != nil {
		return out, fmt.Errorf("verify.modes: %w", err)
	}
	out.Supported = modes
	out.Method = strings.ToUpper(cfg.Verify.Method)
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	out.Timeout = cfg.Verify.Timeout
	out.Retry = retry.Policy{Base: cfg.Verify.RetryBase, MaxAttempts: cfg.Verify.MaxAttempts}
	out.DefaultLease = cfg.Verify.DefaultLease
	out.MaxLease = cfg.Verify.MaxLease
	out.ReconfirmBuffer = cfg.Verify.ReconfirmBuffer
	if cfg.Verify.Workers > 0 {
		out.Workers = cfg.Verify.Workers
	}
	return out, nil
}

// DispatchConfig maps the delivery section onto the dispatcher.
func DispatchConfig(cfg cfgpkg.Config) dispatch.Config {
	out := dispatch.DefaultConfig()
	out.BatchSize = cfg.Delivery.BatchSize
	if cfg.Delivery.Workers > 0 {
		out.Workers = cfg.Delivery.Workers
	}
	out.Timeout = cfg.Delivery.Timeout
	// the inline attempt comes on top of the configured retries
	out.Retry = retry.Policy{Base: cfg.Delivery.RetryBase, MaxAttempts: cfg.Delivery.MaxRetries + 1}
	out.PushContent = cfg.Delivery.PushContent
	out.FollowRedirects = cfg.Delivery.FollowRedirects
	out.BigBatch = cfg.Delivery.BigBatch
	out.PerHost = cfg.Delivery.PerHost
	out.LeaseTTL = cfg.Lease.TTL
	out.HubURL = cfg.Server.PublicURL
	out.UserAgent = cfg.Server.UserAgent
	return out
}

// Run starts every background worker and blocks until ctx is done. Workers
// resume from their durable cursors, so Run may be called again after a
// restart.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	workers := map[string]func(context.Context) error{
		"fetcher":    r.Fetcher.Run,
		"verifier":   r.Verifier.Run,
		"dispatcher": r.Dispatcher.Run,
		"retries":    r.Dispatcher.RunRetries,
		"scheduler":  r.Scheduler.Run,
	}
	for name, run := range workers {
		g.Go(func() error {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	r.log.Info("hub workers started", log.Int("workers", len(workers)))
	return g.Wait()
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.sink != nil {
		errs = append(errs, r.sink.Close())
	}
	if r.pg != nil {
		errs = append(errs, r.pg.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

// CheckHealth verifies the stores answer.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	if r.pg != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := r.pg.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
