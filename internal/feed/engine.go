package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/pushhub/internal/deltaqueue"
	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/lease"
	"github.com/rzbill/pushhub/internal/metrics"
	"github.com/rzbill/pushhub/internal/retry"
	"github.com/rzbill/pushhub/internal/subscriptions"
	"github.com/rzbill/pushhub/internal/topics"
	"github.com/rzbill/pushhub/pkg/id"
	"github.com/rzbill/pushhub/pkg/log"
)

// Config tunes diffing and the fetch workers.
type Config struct {
	CacheSize     int
	ContextSize   int
	MaxNewEntries int
	ContentMode   hub.ContentMode
	SummaryLength int
	// LeaseTTL bounds how long the topic lease is held around diff+append.
	LeaseTTL time.Duration
	Workers  int
	// ItemLease is how long a dequeued fetch task stays leased.
	ItemLease       time.Duration
	IdleWait        time.Duration
	ContentionDelay time.Duration
	Retry           retry.Policy
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:       10,
		ContextSize:     10,
		MaxNewEntries:   200,
		ContentMode:     hub.ContentFull,
		SummaryLength:   512,
		LeaseTTL:        30 * time.Second,
		Workers:         8,
		ItemLease:       2 * time.Minute,
		IdleWait:        time.Second,
		ContentionDelay: 2 * time.Second,
		Retry:           retry.Policy{Base: 30 * time.Second, MaxAttempts: 4},
	}
}

// Sink receives every delta appended to the queue.
type Sink interface {
	Export(ctx context.Context, d *hub.Delta) error
}

// PollResult describes one successful poll.
type PollResult struct {
	Deltas   []*hub.Delta
	Delegate string
}

// Engine polls topics and appends deltas.
type Engine struct {
	topics  *topics.Store
	subs    subscriptions.Store
	deltas  *deltaqueue.Queue
	leases  *lease.Manager
	fetcher Fetcher
	sink    Sink
	cfg     Config
	log     log.Logger
	metrics metrics.Recorder
	owner   string
	now     func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

func WithSink(s Sink) Option                { return func(e *Engine) { e.sink = s } }
func WithLogger(l log.Logger) Option        { return func(e *Engine) { e.log = l } }
func WithMetrics(m metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithOwner(owner string) Option         { return func(e *Engine) { e.owner = owner } }

// NewEngine wires the fetch & diff engine.
func NewEngine(ts *topics.Store, subs subscriptions.Store, dq *deltaqueue.Queue, lm *lease.Manager, f Fetcher, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		topics:  ts,
		subs:    subs,
		deltas:  dq,
		leases:  lm,
		fetcher: f,
		cfg:     cfg,
		log:     log.NewNop(),
		metrics: metrics.NewNop(),
		owner:   lease.NewOwner("fetch"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.WithComponent("fetcher")
	return e
}

// Poll fetches topicURL (or its delegate), diffs it against the cached
// state and appends any deltas. The network fetch happens outside the topic
// lease; diff, append and cache update happen under it.
func (e *Engine) Poll(ctx context.Context, topicURL string) (*PollResult, error) {
	start := e.now()
	res, err := e.poll(ctx, topicURL)
	outcome := "delta"
	switch {
	case errors.Is(err, hub.ErrContention):
		outcome = "contention"
	case err != nil:
		outcome = "failure"
	case len(res.Deltas) == 0:
		outcome = "noop"
	}
	e.metrics.FetchCompleted(outcome, e.now().Sub(start))
	return res, err
}

func (e *Engine) poll(ctx context.Context, topicURL string) (*PollResult, error) {
	t, err := e.topics.Get(ctx, topicURL)
	if err != nil {
		return nil, err
	}
	subscribers, err := e.subs.CountActive(ctx, topicURL, e.now(), 0)
	if err != nil {
		e.log.Warn("count subscribers", log.Str("topic", topicURL), log.Err(err))
	}
	resp, err := e.fetcher.Fetch(ctx, t.FetchURL(), subscribers)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(resp.Body)
	if err != nil {
		return nil, &hub.FetchFailure{Topic: topicURL, Err: err}
	}
	out := &PollResult{}
	if doc.DelegateURL != "" {
		out.Delegate = e.adoptDelegate(ctx, t, resp.FinalURL, doc.DelegateURL)
	}

	polledAt := e.now().UTC()
	if _, err := e.leases.Acquire(ctx, topicURL, e.owner, e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, hub.ErrContention) {
			e.metrics.LeaseContention(e.owner)
		}
		return nil, err
	}
	defer func() {
		if err := e.leases.Release(context.WithoutCancel(ctx), topicURL, e.owner); err != nil {
			e.log.Warn("release topic lease", log.Str("topic", topicURL), log.Err(err))
		}
	}()

	// reload under the lease; another worker may have polled meanwhile
	t, err = e.topics.Get(ctx, topicURL)
	if err != nil {
		return nil, err
	}
	diff := Diff(t, doc.Entries, polledAt, DiffOptions{CacheSize: e.cfg.CacheSize, ContextSize: e.cfg.ContextSize})
	if diff.Empty() {
		_, err := e.topics.UpdateWith(ctx, topicURL, nil, func(t *hub.Topic, b *pebble.Batch) error {
			return e.applyPoll(b, t, diff, doc, resp, polledAt)
		})
		if err == nil {
			e.log.Debug("poll unchanged", log.Str("topic", topicURL), log.Int("entries", len(doc.Entries)))
		}
		return out, err
	}

	// deltas, the queue meta and the topic cache commit in one batch, so a
	// diff is never enqueued twice
	var appended []*hub.Delta
	_, err = e.topics.UpdateWith(ctx, topicURL, [][]byte{deltaqueue.LockKey(topicURL)}, func(t *hub.Topic, b *pebble.Batch) error {
		prev, _ := id.Parse(t.LastDeltaID)
		parts := Split(diff, e.cfg.MaxNewEntries)
		ds := make([]*hub.Delta, 0, len(parts))
		for _, part := range parts {
			prev = id.Successor(prev, polledAt.UnixMilli())
			ds = append(ds, e.buildDelta(prev.String(), t, doc, part, polledAt))
		}
		if err := e.deltas.Stage(b, topicURL, ds); err != nil {
			return fmt.Errorf("append delta: %w", err)
		}
		if err := e.applyPoll(b, t, diff, doc, resp, polledAt); err != nil {
			return err
		}
		t.LastDeltaID = prev.String()
		appended = ds
		return nil
	})
	if err != nil {
		return out, err
	}
	e.deltas.Notify()
	for _, d := range appended {
		out.Deltas = append(out.Deltas, d)
		e.metrics.DeltaEnqueued(len(d.NewEntries))
		e.log.Info("delta enqueued",
			log.Str("topic", topicURL),
			log.Str("delta_id", d.ID),
			log.Int64("seq", int64(d.Seq)),
			log.Int("new", len(d.NewEntries)),
			log.Int("context", len(d.ContextEntries)),
			log.Time("boundary", d.BoundaryTime))
		if e.sink != nil {
			if err := e.sink.Export(ctx, d); err != nil {
				e.log.Warn("export delta", log.Str("delta_id", d.ID), log.Err(err))
			}
		}
	}
	return out, nil
}

func (e *Engine) applyPoll(b *pebble.Batch, t *hub.Topic, diff Result, doc *Document, resp *Response, polledAt time.Time) error {
	t.Digests = diff.Digests
	t.Horizon = diff.Horizon
	t.LastPolledAt = polledAt
	t.FetchFailures = 0
	t.LastFetchError = ""
	t.NextPollAt = time.Time{}
	if doc.Title != "" {
		t.Title = doc.Title
	}
	if resp.ContentType != "" {
		t.ContentType = resp.ContentType
	}
	if doc.Identity != "" {
		if err := e.topics.SetIdentity(b, t, doc.Identity); err != nil {
			return fmt.Errorf("record feed identity: %w", err)
		}
	}
	return nil
}

func (e *Engine) buildDelta(deltaID string, t *hub.Topic, doc *Document, part Result, polledAt time.Time) *hub.Delta {
	d := &hub.Delta{
		ID:           deltaID,
		Topic:        t.URL,
		DelegateURL:  t.DelegateURL,
		FeedTitle:    doc.Title,
		BoundaryTime: part.Boundary,
		PolledAt:     polledAt,
		NewEntries:   make([]hub.EntrySummary, 0, len(part.Changed)),
	}
	for _, c := range part.Changed {
		d.NewEntries = append(d.NewEntries, c.Summarize(e.cfg.ContentMode, e.cfg.SummaryLength))
	}
	for _, c := range part.Context {
		d.ContextEntries = append(d.ContextEntries, c.Summarize(e.cfg.ContentMode, e.cfg.SummaryLength))
	}
	return d
}

// adoptDelegate resolves and registers an advertised delegate. Collisions
// with the topic address space are logged and ignored.
func (e *Engine) adoptDelegate(ctx context.Context, t *hub.Topic, base, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if b, err := url.Parse(base); err == nil {
		ref = b.ResolveReference(ref)
	}
	canon, err := hub.CanonicalURL(ref.String())
	if err != nil || canon == t.DelegateURL || canon == t.URL {
		return ""
	}
	if err := e.topics.RegisterDelegate(ctx, t.URL, canon); err != nil {
		e.log.Warn("delegate rejected", log.Str("topic", t.URL), log.Str("delegate", canon), log.Err(err))
		return ""
	}
	e.log.Info("delegate registered", log.Str("topic", t.URL), log.Str("delegate", canon))
	return canon
}
