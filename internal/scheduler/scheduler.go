package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/lease"
	"github.com/rzbill/pushhub/internal/subscriptions"
	"github.com/rzbill/pushhub/internal/topics"
	"github.com/rzbill/pushhub/internal/workqueue"
	"github.com/rzbill/pushhub/pkg/log"
)

// Fetcher schedules a topic fetch; feed.Worker satisfies it.
type Fetcher interface {
	Schedule(ctx context.Context, topic string) (bool, error)
}

// Reconfirmer re-verifies subscriptions near the end of their lease;
// verify.Verifier satisfies it.
type Reconfirmer interface {
	Reconfirm(ctx context.Context, sub *hub.Subscription) error
	Queued(key hub.SubKey) bool
	ReconfirmBuffer() time.Duration
}

// Purger drops records older than a cutoff; dispatch.Ledger satisfies it.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Config tunes the periodic jobs.
type Config struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	// ExpiredRetention is how long expired subscriptions (and stale pending
	// ones) are kept before being deleted.
	ExpiredRetention time.Duration
	// AbandonedRetention bounds the abandoned-delivery ledger and the work
	// queue dead-letter sets.
	AbandonedRetention time.Duration
	PageSize           int
	ReclaimBatch       int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       3 * time.Hour,
		SweepInterval:      time.Minute,
		ExpiredRetention:   7 * 24 * time.Hour,
		AbandonedRetention: 7 * 24 * time.Hour,
		PageSize:           500,
		ReclaimBatch:       1024,
	}
}

// Scheduler owns the periodic jobs. Every job is idempotent and restartable.
type Scheduler struct {
	topics    *topics.Store
	subs      subscriptions.Store
	fetcher   Fetcher
	reconfirm Reconfirmer
	ledger    Purger
	leases    []*lease.Manager
	queues    []*workqueue.Queue
	cfg       Config
	log       log.Logger
	now       func() time.Time
}

type Option func(*Scheduler)

func WithLogger(l log.Logger) Option        { return func(s *Scheduler) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithLeases adds lease scopes whose expired records are reclaimed.
func WithLeases(m ...*lease.Manager) Option {
	return func(s *Scheduler) { s.leases = append(s.leases, m...) }
}

// WithQueues adds work queues whose lapsed item leases are reclaimed and
// whose dead letters are purged.
func WithQueues(q ...*workqueue.Queue) Option {
	return func(s *Scheduler) { s.queues = append(s.queues, q...) }
}

// WithLedger purges abandoned deliveries past retention.
func WithLedger(p Purger) Option { return func(s *Scheduler) { s.ledger = p } }

// New wires the scheduler. reconfirm may be nil, in which case leases simply
// run out.
func New(ts *topics.Store, subs subscriptions.Store, fetcher Fetcher, reconfirm Reconfirmer, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = def.ReclaimBatch
	}
	s := &Scheduler{
		topics:    ts,
		subs:      subs,
		fetcher:   fetcher,
		reconfirm: reconfirm,
		cfg:       cfg,
		log:       log.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.WithComponent("scheduler")
	return s
}

// Run executes the poll bootstrap every PollInterval and the sweeps every
// SweepInterval, both once immediately, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, s.cfg.PollInterval, func() {
			if _, err := s.PollAll(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("poll bootstrap", log.Err(err))
			}
		})
	})
	g.Go(func() error {
		return every(ctx, s.cfg.SweepInterval, func() {
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("sweep", log.Err(err))
			}
		})
	})
	return g.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		fn()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// PollAll schedules a fetch of every topic that has an active subscriber
// and no fetch backoff in force. It returns how many were scheduled.
func (s *Scheduler) PollAll(ctx context.Context) (int, error) {
	now := s.now()
	scheduled := 0
	after := ""
	for {
		page, next, err := s.topics.List(ctx, after, s.cfg.PageSize)
		if err != nil {
			return scheduled, err
		}
		for _, t := range page {
			if t.NextPollAt.After(now) {
				continue
			}
			ok, err := subscriptions.HasActive(ctx, s.subs, t.URL, now)
			if err != nil {
				return scheduled, err
			}
			if !ok {
				continue
			}
			if _, err := s.fetcher.Schedule(ctx, t.URL); err != nil {
				return scheduled, err
			}
			scheduled++
		}
		if next == "" {
			break
		}
		after = next
	}
	if scheduled > 0 {
		s.log.Info("poll bootstrap", log.Int("scheduled", scheduled))
	}
	return scheduled, nil
}

// SweepResult counts what one Sweep changed.
type SweepResult struct {
	Expired     int
	Purged      int
	Reconfirmed int
	Leases      int
	Items       int
	Dead        int
	Abandoned   int
}

// Sweep reclaims leases and queue items, then walks every subscription.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	var errs []error
	for _, m := range s.leases {
		n, err := m.ReclaimExpired(ctx, s.cfg.ReclaimBatch)
		res.Leases += n
		errs = append(errs, err)
	}
	for _, q := range s.queues {
		n, err := q.ReclaimExpired(ctx, now.UnixMilli(), s.cfg.ReclaimBatch)
		res.Items += n
		errs = append(errs, err)
		if s.cfg.AbandonedRetention > 0 {
			n, err = q.PurgeDead(ctx, now.Add(-s.cfg.AbandonedRetention).UnixMilli())
			res.Dead += n
			errs = append(errs, err)
		}
	}
	if s.ledger != nil && s.cfg.AbandonedRetention > 0 {
		n, err := s.ledger.Purge(ctx, now.Add(-s.cfg.AbandonedRetention))
		res.Abandoned += n
		errs = append(errs, err)
	}
	errs = append(errs, s.sweepSubscriptions(ctx, now, &res))

	if res != (SweepResult{}) {
		s.log.Debug("sweep",
			log.Int("expired", res.Expired),
			log.Int("purged", res.Purged),
			log.Int("reconfirmed", res.Reconfirmed),
			log.Int("leases", res.Leases),
			log.Int("items", res.Items),
		)
	}
	return res, errors.Join(errs...)
}

func (s *Scheduler) sweepSubscriptions(ctx context.Context, now time.Time, res *SweepResult) error {
	var buffer time.Duration
	if s.reconfirm != nil {
		buffer = s.reconfirm.ReconfirmBuffer()
	}
	var after hub.SubKey
	for {
		page, next, err := s.subs.Scan(ctx, after, s.cfg.PageSize)
		if err != nil {
			return err
		}
		for _, sub := range page {
			if err := s.visit(ctx, sub, now, buffer, res); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		after = next
	}
}

func (s *Scheduler) visit(ctx context.Context, sub *hub.Subscription, now time.Time, buffer time.Duration, res *SweepResult) error {
	key := sub.Key()
	switch sub.State {
	case hub.StateActive:
		if !sub.LeaseExpiresAt.After(now) {
			if err := s.subs.Expire(ctx, key, now); err != nil && !errors.Is(err, hub.ErrNotFound) {
				return err
			}
			res.Expired++
			s.log.Info("subscription expired", log.Str("sub", string(key)))
			return nil
		}
		if s.reconfirm == nil || sub.IsToken() || sub.LeaseExpiresAt.Sub(now) > buffer {
			return nil
		}
		if s.reconfirm.Queued(key) {
			return nil
		}
		if err := s.reconfirm.Reconfirm(ctx, sub); err != nil {
			return err
		}
		res.Reconfirmed++
	case hub.StateExpired:
		if s.cfg.ExpiredRetention > 0 && now.Sub(sub.UpdatedAt) >= s.cfg.ExpiredRetention {
			return s.purge(ctx, key, res)
		}
	case hub.StatePending:
		// left behind when a verification item was lost
		if s.cfg.ExpiredRetention > 0 && now.Sub(sub.CreatedAt) >= s.cfg.ExpiredRetention &&
			(s.reconfirm == nil || !s.reconfirm.Queued(key)) {
			return s.purge(ctx, key, res)
		}
	}
	return nil
}

func (s *Scheduler) purge(ctx context.Context, key hub.SubKey, res *SweepResult) error {
	if err := s.subs.Delete(ctx, key); err != nil && !errors.Is(err, hub.ErrNotFound) {
		return err
	}
	res.Purged++
	return nil
}
