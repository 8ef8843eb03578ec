package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/pushhub/internal/deltaqueue"
	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/lease"
	"github.com/rzbill/pushhub/internal/metrics"
	"github.com/rzbill/pushhub/internal/notify"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
	"github.com/rzbill/pushhub/internal/subscriptions"
	"github.com/rzbill/pushhub/internal/workqueue"
	"github.com/rzbill/pushhub/pkg/log"
)

// Dispatcher fans deltas out to subscribers.
type Dispatcher struct {
	subs      subscriptions.Store
	deltas    *deltaqueue.Queue
	leases    *lease.Manager
	retries   *workqueue.Queue
	mailbox   *Mailbox
	ledger    *Ledger
	big       *bigSubscribers
	deliverer Deliverer
	hosts     *hostLimiter
	renderer  *notify.Renderer
	cfg       Config
	log       log.Logger
	metrics   metrics.Recorder
	now       func() time.Time
	owner     string
	retryWake chan struct{}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithDeliverer(d Deliverer) Option      { return func(x *Dispatcher) { x.deliverer = d } }
func WithLogger(l log.Logger) Option        { return func(x *Dispatcher) { x.log = l } }
func WithMetrics(m metrics.Recorder) Option { return func(x *Dispatcher) { x.metrics = m } }
func WithClock(now func() time.Time) Option { return func(x *Dispatcher) { x.now = now } }

// New wires a dispatcher. leases must be the same manager the fetch engine
// uses so fetch-and-append and dispatch never run together on a topic.
func New(db *pebblestore.DB, subs subscriptions.Store, deltas *deltaqueue.Queue, leases *lease.Manager, retries *workqueue.Queue, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:      subs,
		deltas:    deltas,
		leases:    leases,
		retries:   retries,
		mailbox:   NewMailbox(db),
		ledger:    NewLedger(db),
		hosts:     newHostLimiter(cfg.PerHost),
		renderer:  notify.NewRenderer(cfg.HubURL),
		cfg:       cfg,
		log:       log.NewNop(),
		metrics:   metrics.NewNop(),
		now:       time.Now,
		owner:     lease.NewOwner("dispatch"),
		retryWake: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.deliverer == nil {
		d.deliverer = NewHTTPDeliverer(cfg)
	}
	d.log = d.log.WithComponent("dispatcher")
	d.big = newBigSubscribers(db, d)
	return d
}

// Mailbox exposes token subscriber storage to the poll endpoint.
func (d *Dispatcher) Mailbox() *Mailbox { return d.mailbox }

// Ledger exposes abandoned deliveries.
func (d *Dispatcher) Ledger() *Ledger { return d.ledger }

// Run drains ready topics until ctx is done. Big-subscriber lists left over
// from a previous process are resumed first.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.big.resume(ctx); err != nil {
		d.log.Error("resume big subscriber queues", log.Err(err))
	}
	defer d.big.wait()
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for ctx.Err() == nil {
		topics, err := d.deltas.ReadyTopics(ctx, workers*4)
		if err != nil {
			d.log.Error("list ready topics", log.Err(err))
		}
		if len(topics) == 0 {
			d.deltas.WaitForAppend(ctx, d.cfg.IdleWait)
			continue
		}
		var progressed atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, topic := range topics {
			topic := topic
			g.Go(func() error {
				drained, err := d.drainTopic(gctx, topic)
				if err != nil && !errors.Is(err, context.Canceled) {
					d.log.Warn("drain topic", log.Str("topic", topic), log.Err(err))
				}
				if drained {
					progressed.Store(true)
				}
				return nil
			})
		}
		_ = g.Wait()
		// every topic was leased elsewhere or failed; don't spin on them
		if !progressed.Load() {
			d.deltas.WaitForAppend(ctx, d.cfg.IdleWait)
		}
	}
	return nil
}

// DrainTopic dispatches every queued delta of topic in order while holding
// the topic lease. Contention is not an error.
func (d *Dispatcher) DrainTopic(ctx context.Context, topic string) error {
	_, err := d.drainTopic(ctx, topic)
	return err
}

func (d *Dispatcher) drainTopic(ctx context.Context, topic string) (bool, error) {
	if _, err := d.leases.Acquire(ctx, topic, d.owner, d.cfg.LeaseTTL); err != nil {
		if errors.Is(err, hub.ErrContention) {
			d.metrics.LeaseContention(d.owner)
			d.log.Debug("topic busy", log.Str("topic", topic))
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := d.leases.Release(context.WithoutCancel(ctx), topic, d.owner); err != nil {
			d.log.Warn("release topic lease", log.Str("topic", topic), log.Err(err))
		}
	}()
	for {
		rec, err := d.deltas.Head(ctx, topic)
		if errors.Is(err, hub.ErrNotFound) {
			cleared, err := d.deltas.ClearReady(ctx, topic)
			if err != nil || cleared {
				return err == nil, err
			}
			continue
		}
		if err != nil {
			return false, err
		}
		if err := d.fanout(ctx, rec); err != nil {
			return false, fmt.Errorf("fan out delta %s: %w", rec.Delta.ID, err)
		}
	}
}

// fanout hands rec to every eligible subscriber, resuming after the
// record's watermark, then marks the fan-out done.
func (d *Dispatcher) fanout(ctx context.Context, rec *deltaqueue.Record) error {
	delta := &rec.Delta
	var payload []byte
	if d.cfg.PushContent {
		body, err := d.renderer.Render(delta)
		if err != nil {
			return err
		}
		payload = body
	}
	batch := d.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	handed := 0
	err := subscriptions.ForEachActive(ctx, d.subs, delta.Topic, rec.Watermark, batch, d.now(),
		func(page []*hub.Subscription, next string) error {
			if _, err := d.leases.Extend(ctx, delta.Topic, d.owner, d.cfg.LeaseTTL); err != nil {
				return fmt.Errorf("extend topic lease: %w", err)
			}
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(batch)
			for _, sub := range page {
				sub := sub
				g.Go(func() error { return d.handOff(gctx, rec, sub, payload) })
			}
			if err := g.Wait(); err != nil {
				return err
			}
			handed += len(page)
			if next == "" {
				return nil
			}
			return d.deltas.SaveWatermark(ctx, delta.Topic, delta.Seq, next)
		})
	if err != nil {
		return err
	}
	if err := d.deltas.MarkFanoutDone(ctx, delta.Topic, delta.Seq); err != nil {
		return err
	}
	retired, err := d.deltas.TryRetire(ctx, delta.Topic, delta.Seq)
	if err != nil {
		return err
	}
	d.log.Info("delta dispatched",
		log.Str("topic", delta.Topic), log.Str("delta_id", delta.ID),
		log.Int("subscribers", handed), log.Bool("retired", retired))
	return nil
}

// handOff gives one subscriber its delivery. Only storage errors are
// returned; delivery failures become retry records.
func (d *Dispatcher) handOff(ctx context.Context, rec *deltaqueue.Record, sub *hub.Subscription, payload []byte) error {
	delta := &rec.Delta
	if sub.Delivered(delta.ID) {
		return nil
	}
	key := sub.Key()
	switch {
	case sub.IsToken():
		body := payload
		if body == nil {
			var err error
			if body, err = d.renderer.Render(delta); err != nil {
				return err
			}
		}
		if err := d.mailbox.Put(ctx, sub.Token, message(delta, body, d.now())); err != nil {
			return fmt.Errorf("store mailbox message: %w", err)
		}
		d.metrics.DeliveryAttempted("token", "stored", 0)
		_, err := d.subs.AdvanceDeliveryCursor(ctx, key, delta.ID)
		return err

	case sub.BigSubscriber:
		if err := d.deltas.AddOutstanding(ctx, delta.Topic, delta.Seq, key); err != nil {
			return err
		}
		return d.big.push(ctx, sub.Callback, pendingItem{Topic: delta.Topic, Seq: delta.Seq, DeltaID: delta.ID, Sub: key})
	}

	start := d.now()
	err := d.deliver(ctx, &Notification{
		Callback: sub.Callback,
		Topics:   []string{delta.Topic},
		DeltaIDs: []string{delta.ID},
		Body:     payload,
	})
	if err == nil {
		d.metrics.DeliveryAttempted("push", "ok", d.now().Sub(start))
		_, err := d.subs.AdvanceDeliveryCursor(ctx, key, delta.ID)
		return err
	}
	d.metrics.DeliveryAttempted("push", "failed", d.now().Sub(start))
	if d.cfg.Retry.Exhausted(1) {
		return d.abandon(ctx, delta.Topic, delta.ID, key, 1, err)
	}
	if err := d.deltas.AddOutstanding(ctx, delta.Topic, delta.Seq, key); err != nil {
		return err
	}
	return d.scheduleRetry(ctx, delta, key, err)
}

// abandon records an undeliverable (delta, subscription) pair.
func (d *Dispatcher) abandon(ctx context.Context, topic, deltaID string, key hub.SubKey, attempts int, cause error) error {
	callback, _ := key.Target()
	a := &Abandoned{Topic: topic, DeltaID: deltaID, Callback: callback, Attempts: attempts, At: d.now().UTC()}
	if cause != nil {
		a.LastError = cause.Error()
	}
	d.metrics.DeliveryAbandoned()
	d.log.Warn("delivery undeliverable",
		log.Str("topic", topic), log.Str("delta_id", deltaID), log.Str("callback", callback),
		log.Int("attempts", attempts), log.Err(cause))
	return d.ledger.Record(ctx, key, a)
}

// settle resolves a delivery that reached a terminal outcome and retires
// its delta if it was the last one outstanding.
func (d *Dispatcher) settle(ctx context.Context, topic string, seq uint64, key hub.SubKey) error {
	if err := d.deltas.ResolveOutstanding(ctx, topic, seq, key); err != nil {
		return err
	}
	_, err := d.deltas.TryRetire(ctx, topic, seq)
	if errors.Is(err, hub.ErrNotFound) {
		return nil
	}
	return err
}
