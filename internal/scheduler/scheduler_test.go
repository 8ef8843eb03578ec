package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/lease"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
	"github.com/rzbill/pushhub/internal/subscriptions"
	"github.com/rzbill/pushhub/internal/topics"
	"github.com/rzbill/pushhub/internal/workqueue"
)

type recordingFetcher struct {
	mu     sync.Mutex
	topics []string
}

func (f *recordingFetcher) Schedule(_ context.Context, topic string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return false, nil
}

func (f *recordingFetcher) scheduled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...)
}

type recordingReconfirmer struct {
	buffer time.Duration
	queued map[hub.SubKey]bool
	subs   []hub.SubKey
}

func (r *recordingReconfirmer) Reconfirm(_ context.Context, sub *hub.Subscription) error {
	r.subs = append(r.subs, sub.Key())
	r.queued[sub.Key()] = true
	return nil
}

func (r *recordingReconfirmer) Queued(key hub.SubKey) bool { return r.queued[key] }

func (r *recordingReconfirmer) ReconfirmBuffer() time.Duration { return r.buffer }

type fixture struct {
	ctx       context.Context
	db        *pebblestore.DB
	now       time.Time
	topics    *topics.Store
	subs      *subscriptions.PebbleStore
	fetcher   *recordingFetcher
	reconfirm *recordingReconfirmer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &fixture{
		ctx:       context.Background(),
		db:        db,
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		topics:    topics.NewStore(db),
		subs:      subscriptions.NewPebbleStore(db),
		fetcher:   &recordingFetcher{},
		reconfirm: &recordingReconfirmer{buffer: 24 * time.Hour, queued: map[hub.SubKey]bool{}},
	}
}

func (f *fixture) scheduler(opts ...Option) *Scheduler {
	cfg := DefaultConfig()
	cfg.PageSize = 2
	opts = append(opts, WithClock(func() time.Time { return f.now }))
	return New(f.topics, f.subs, f.fetcher, f.reconfirm, cfg, opts...)
}

func (f *fixture) subscribe(t *testing.T, topic, callback string, lease time.Duration) hub.SubKey {
	t.Helper()
	_, _, err := f.topics.Ensure(f.ctx, topic)
	require.NoError(t, err)
	sub := &hub.Subscription{Topic: topic, Callback: callback, State: hub.StatePending, CreatedAt: f.now}
	require.NoError(t, f.subs.Put(f.ctx, sub))
	_, err = f.subs.Activate(f.ctx, sub.Key(), int(lease/time.Second), f.now)
	require.NoError(t, err)
	return sub.Key()
}

func TestPollAllSchedulesSubscribedTopics(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "http://a.example/feed", "http://cb.example/1", time.Hour)
	f.subscribe(t, "http://b.example/feed", "http://cb.example/1", time.Hour)
	f.subscribe(t, "http://c.example/feed", "http://cb.example/1", time.Hour)
	_, _, err := f.topics.Ensure(f.ctx, "http://lonely.example/feed")
	require.NoError(t, err)

	// d is backing off after fetch failures
	f.subscribe(t, "http://d.example/feed", "http://cb.example/1", time.Hour)
	_, err = f.topics.Update(f.ctx, "http://d.example/feed", func(tp *hub.Topic) error {
		tp.NextPollAt = f.now.Add(time.Minute)
		return nil
	})
	require.NoError(t, err)

	n, err := f.scheduler().PollAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"http://a.example/feed", "http://b.example/feed", "http://c.example/feed"}, f.fetcher.scheduled())
}

func TestSweepExpiresLapsedSubscriptions(t *testing.T) {
	f := newFixture(t)
	key := f.subscribe(t, "http://a.example/feed", "http://cb.example/1", time.Hour)
	s := f.scheduler()

	f.now = f.now.Add(2 * time.Hour)
	res, err := s.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	sub, err := f.subs.Get(f.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, hub.StateExpired, sub.State)
	assert.Empty(t, f.reconfirm.subs, "expired subscriptions are not reconfirmed")

	f.now = f.now.Add(8 * 24 * time.Hour)
	res, err = s.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	_, err = f.subs.Get(f.ctx, key)
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestSweepReconfirmsInsideBuffer(t *testing.T) {
	f := newFixture(t)
	near := f.subscribe(t, "http://a.example/feed", "http://cb.example/near", 12*time.Hour)
	f.subscribe(t, "http://a.example/feed", "http://cb.example/far", 72*time.Hour)

	tok := &hub.Subscription{Topic: "http://a.example/feed", Token: "tok", State: hub.StatePending}
	require.NoError(t, f.subs.Put(f.ctx, tok))
	_, err := f.subs.Activate(f.ctx, tok.Key(), 3600, f.now)
	require.NoError(t, err)

	s := f.scheduler()
	res, err := s.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconfirmed)
	assert.Equal(t, []hub.SubKey{near}, f.reconfirm.subs)

	res, err = s.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reconfirmed, "a queued reconfirmation is not re-enqueued")
}

func TestSweepPurgesStalePending(t *testing.T) {
	f := newFixture(t)
	sub := &hub.Subscription{Topic: "http://a.example/feed", Callback: "http://cb.example/", State: hub.StatePending, CreatedAt: f.now}
	require.NoError(t, f.subs.Put(f.ctx, sub))
	s := f.scheduler()

	res, err := s.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Purged)

	f.now = f.now.Add(8 * 24 * time.Hour)
	res, err = s.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
}

func TestSweepReclaimsLeasesAndItems(t *testing.T) {
	f := newFixture(t)
	clock := func() time.Time { return f.now }
	leases := lease.NewManager(f.db, "topic").WithClock(clock)
	_, err := leases.Acquire(f.ctx, "http://a.example/feed", "worker-1", time.Second)
	require.NoError(t, err)

	q := workqueue.Open(f.db, "fetch")
	_, err = q.Enqueue(f.ctx, "http://a.example/feed", nil, 0, f.now.UnixMilli())
	require.NoError(t, err)
	items, err := q.Dequeue(f.ctx, "worker-1", 1, 1000, f.now.UnixMilli())
	require.NoError(t, err)
	require.Len(t, items, 1)

	s := f.scheduler(WithLeases(leases), WithQueues(q))
	f.now = f.now.Add(time.Minute)
	res, err := s.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Leases)
	assert.Equal(t, 1, res.Items)

	_, err = leases.Get("http://a.example/feed")
	assert.ErrorIs(t, err, hub.ErrNotFound)
	items, err = q.Dequeue(f.ctx, "worker-2", 1, 1000, f.now.UnixMilli())
	require.NoError(t, err)
	assert.Len(t, items, 1, "reclaimed item is ready again")
}

type countingPurger struct{ cutoff time.Time }

func (p *countingPurger) Purge(_ context.Context, cutoff time.Time) (int, error) {
	p.cutoff = cutoff
	return 2, nil
}

func TestSweepPurgesLedger(t *testing.T) {
	f := newFixture(t)
	p := &countingPurger{}
	res, err := f.scheduler(WithLedger(p)).Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Abandoned)
	assert.Equal(t, f.now.Add(-7*24*time.Hour), p.cutoff)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "http://a.example/feed", "http://cb.example/1", time.Hour)
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- f.scheduler().Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.fetcher.scheduled()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
