package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/notify"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
	"github.com/rzbill/pushhub/pkg/id"
	"github.com/rzbill/pushhub/pkg/log"
)

const prefixPending = "hub/big/"

// pendingItem is one delta waiting for a big subscriber's callback.
type pendingItem struct {
	Topic     string     `json:"topic"`
	Seq       uint64     `json:"seq"`
	DeltaID   string     `json:"delta_id"`
	Sub       hub.SubKey `json:"sub"`
	Attempts  int        `json:"attempts,omitempty"`
	NextAtMs  int64      `json:"next_at_ms,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type pendingEntry struct {
	key  []byte
	item pendingItem
}

// bigSubscribers keeps one arrival-ordered list per big-subscriber callback
// and at most one drainer goroutine per callback.
type bigSubscribers struct {
	db       *pebblestore.DB
	d        *Dispatcher
	gen      *id.Generator
	inflight *xsync.Map[string, struct{}]
	wg       sync.WaitGroup

	mu   sync.Mutex
	base context.Context
}

func newBigSubscribers(db *pebblestore.DB, d *Dispatcher) *bigSubscribers {
	return &bigSubscribers{db: db, d: d, gen: id.NewGenerator(), inflight: xsync.NewMap[string, struct{}]()}
}

func pendingPrefix(callback string) []byte { return []byte(prefixPending + callback + "\x00") }

// push appends item to callback's list and makes sure a drainer runs.
func (b *bigSubscribers) push(ctx context.Context, callback string, item pendingItem) error {
	seq := b.gen.NextAt(b.d.now().UnixMilli())
	key := append(pendingPrefix(callback), seq[:]...)
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := pebblestore.SetJSON(batch, key, &item); err != nil {
		return err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return err
	}
	b.d.metrics.BigSubscriberPending(1)
	b.kick(ctx, callback)
	return nil
}

// kick starts a drainer for callback unless one is running.
func (b *bigSubscribers) kick(ctx context.Context, callback string) {
	if _, running := b.inflight.LoadOrStore(callback, struct{}{}); running {
		return
	}
	b.mu.Lock()
	base := b.base
	b.mu.Unlock()
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	b.wg.Add(1)
	go b.drain(base, callback)
}

// resume restarts drainers for every callback with a non-empty list.
func (b *bigSubscribers) resume(ctx context.Context) error {
	b.mu.Lock()
	b.base = ctx
	b.mu.Unlock()
	var callbacks []string
	last := ""
	err := b.db.Scan([]byte(prefixPending), nil, func(k, _ []byte) (bool, error) {
		rest := k[len(prefixPending):]
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			return true, nil
		}
		if cb := string(rest[:i]); cb != last {
			callbacks = append(callbacks, cb)
			last = cb
		}
		return true, ctx.Err()
	})
	for _, cb := range callbacks {
		b.kick(ctx, cb)
	}
	return err
}

func (b *bigSubscribers) wait() { b.wg.Wait() }

// Pending counts queued deltas for callback.
func (b *bigSubscribers) pending(callback string) (int, error) {
	return b.db.CountPrefix(pendingPrefix(callback), 0)
}

func (b *bigSubscribers) peek(callback string, max int) ([]pendingEntry, error) {
	var out []pendingEntry
	err := b.db.Scan(pendingPrefix(callback), nil, func(k, v []byte) (bool, error) {
		var e pendingEntry
		if err := json.Unmarshal(v, &e.item); err != nil {
			return false, err
		}
		e.key = append([]byte(nil), k...)
		out = append(out, e)
		return len(out) < max, nil
	})
	return out, err
}

func (b *bigSubscribers) drain(ctx context.Context, callback string) {
	defer b.wg.Done()
	for {
		if ctx.Err() != nil {
			b.inflight.Delete(callback)
			return
		}
		entries, err := b.next(ctx, callback)
		if err != nil {
			b.d.log.Error("read big subscriber queue", log.Str("callback", callback), log.Err(err))
			b.inflight.Delete(callback)
			return
		}
		if len(entries) == 0 {
			b.inflight.Delete(callback)
			// a push that saw the drainer alive must not be stranded
			if n, err := b.pending(callback); err != nil || n == 0 {
				return
			}
			if _, running := b.inflight.LoadOrStore(callback, struct{}{}); running {
				return
			}
			continue
		}
		b.deliver(ctx, callback, entries)
	}
}

// next returns the head of the list, extended into a mixed batch when every
// included subscription opted in. Entries whose delta or subscription is
// gone are dropped on the way.
func (b *bigSubscribers) next(ctx context.Context, callback string) ([]pendingEntry, error) {
	max := b.d.cfg.BigBatch
	if max <= 0 {
		max = 1
	}
	entries, err := b.peek(callback, max)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	now := b.d.now()
	var out []pendingEntry
	for i, e := range entries {
		sub, err := b.d.subs.Get(ctx, e.item.Sub)
		if err != nil && !errors.Is(err, hub.ErrNotFound) {
			return nil, err
		}
		if err != nil || !sub.Eligible(now) {
			b.d.log.Info("drop pending delivery for inactive subscription",
				log.Str("topic", e.item.Topic), log.Str("delta_id", e.item.DeltaID))
			if err := b.remove(ctx, e); err != nil {
				return nil, err
			}
			if i == 0 {
				// let the caller re-read the new head
				return b.next(ctx, callback)
			}
			continue
		}
		if !sub.MixedPayload {
			if i == 0 {
				return []pendingEntry{e}, nil
			}
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// remove deletes a pending entry and resolves its outstanding delivery.
func (b *bigSubscribers) remove(ctx context.Context, e pendingEntry) error {
	if err := b.db.Delete(e.key); err != nil {
		return err
	}
	b.d.metrics.BigSubscriberPending(-1)
	return b.d.settle(ctx, e.item.Topic, e.item.Seq, e.item.Sub)
}

func (b *bigSubscribers) deliver(ctx context.Context, callback string, entries []pendingEntry) {
	head := entries[0].item
	if wait := time.Until(time.UnixMilli(head.NextAtMs)); head.NextAtMs > 0 && wait > 0 {
		if !sleepCtx(ctx, wait) {
			return
		}
	}

	n := &Notification{Callback: callback}
	deltas := make([]*hub.Delta, 0, len(entries))
	live := entries[:0]
	for _, e := range entries {
		rec, err := b.d.deltas.Get(ctx, e.item.Topic, e.item.Seq)
		if errors.Is(err, hub.ErrNotFound) {
			if err := b.remove(ctx, e); err != nil {
				b.d.log.Error("drop pending delivery", log.Err(err))
			}
			continue
		}
		if err != nil {
			// storage trouble is not the subscriber's fault: wait without
			// spending an attempt
			b.d.log.Error("load pending delta", log.Str("topic", e.item.Topic), log.Err(err))
			b.postpone(ctx, callback, entries[0], entries[0].item.Attempts, err)
			return
		}
		deltas = append(deltas, &rec.Delta)
		live = append(live, e)
		n.DeltaIDs = append(n.DeltaIDs, rec.Delta.ID)
	}
	if len(live) == 0 {
		return
	}
	n.Topics = notify.Topics(deltas)
	if b.d.cfg.PushContent {
		body, err := b.d.renderer.RenderMixed(deltas)
		if err != nil {
			b.d.log.Error("render big subscriber batch", log.Str("callback", callback), log.Err(err))
			b.fail(ctx, callback, live, err)
			return
		}
		n.Body = body
	}

	start := b.d.now()
	err := b.d.deliver(ctx, n)
	if err == nil {
		b.d.metrics.DeliveryAttempted("big", "ok", b.d.now().Sub(start))
		for _, e := range live {
			if _, err := b.d.subs.AdvanceDeliveryCursor(ctx, e.item.Sub, e.item.DeltaID); err != nil {
				b.d.log.Warn("advance delivery cursor", log.Str("delta_id", e.item.DeltaID), log.Err(err))
			}
			if err := b.remove(ctx, e); err != nil {
				b.d.log.Error("remove delivered entry", log.Err(err))
			}
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	b.d.metrics.DeliveryAttempted("big", "failed", b.d.now().Sub(start))
	b.fail(ctx, callback, live, err)
}

// fail spends one attempt on the batch headed by live[0]: the batch is
// abandoned once the policy is exhausted, otherwise the head waits out the
// next backoff step.
func (b *bigSubscribers) fail(ctx context.Context, callback string, live []pendingEntry, cause error) {
	attempts := live[0].item.Attempts + 1
	if b.d.cfg.Retry.Exhausted(attempts) {
		for _, e := range live {
			if aerr := b.d.abandon(ctx, e.item.Topic, e.item.DeltaID, e.item.Sub, attempts, cause); aerr != nil {
				b.d.log.Error("record abandoned delivery", log.Err(aerr))
			}
			if rerr := b.remove(ctx, e); rerr != nil {
				b.d.log.Error("remove abandoned entry", log.Err(rerr))
			}
		}
		return
	}
	b.d.log.Info("big subscriber delivery failed",
		log.Str("callback", callback), log.Int("deltas", len(live)),
		log.Int("attempt", attempts), log.Err(cause))
	b.postpone(ctx, callback, live[0], attempts, cause)
}

// postpone stores the head's next attempt time. When that write fails the
// drainer sleeps the delay off in place so it never spins.
func (b *bigSubscribers) postpone(ctx context.Context, callback string, e pendingEntry, attempts int, cause error) {
	delay := b.d.cfg.Retry.Delay(max(attempts, 1))
	item := e.item
	item.Attempts = attempts
	item.NextAtMs = b.d.now().Add(delay).UnixMilli()
	item.LastError = cause.Error()

	batch := b.db.NewBatch()
	defer batch.Close()
	err := pebblestore.SetJSON(batch, e.key, &item)
	if err == nil {
		err = b.db.CommitBatch(ctx, batch)
	}
	if err != nil {
		b.d.log.Error("store pending retry", log.Str("callback", callback), log.Err(err))
		sleepCtx(ctx, delay)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
