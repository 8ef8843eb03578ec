package workqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

// ErrNotOwner is returned when a caller settles an item it does not lease.
var ErrNotOwner = errors.New("workqueue: item leased by another owner")

// Item is one unit of keyed work. At most one Item exists per key.
type Item struct {
	Key          string `json:"key"`
	Payload      []byte `json:"payload,omitempty"`
	Attempts     int    `json:"attempts"`
	ReadyAtMs    int64  `json:"ready_at_ms"`
	EnqueuedAtMs int64  `json:"enqueued_at_ms"`
	LastError    string `json:"last_error,omitempty"`

	LeaseOwner     string `json:"lease_owner,omitempty"`
	LeaseExpiresMs int64  `json:"lease_expires_ms,omitempty"`
	// Rerun is set when the key was enqueued again while leased; Complete
	// then puts the item straight back instead of deleting it.
	Rerun        bool   `json:"rerun,omitempty"`
	RerunPayload []byte `json:"rerun_payload,omitempty"`
}

// Leased reports whether the item is held by a worker at nowMs.
func (it *Item) Leased(nowMs int64) bool {
	return it.LeaseOwner != "" && it.LeaseExpiresMs > nowMs
}

// DeadLetter is an item that exhausted its attempts.
type DeadLetter struct {
	Item
	Reason   string `json:"reason"`
	FailedMs int64  `json:"failed_ms"`
}

// Metrics observes queue activity.
type Metrics interface {
	ObserveEnqueue(queue string, coalesced bool)
	ObserveDeadLetter(queue string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEnqueue(string, bool) {}
func (noopMetrics) ObserveDeadLetter(string)    {}

// Queue is a durable keyed work queue with delay, leasing, coalescing and a
// dead-letter set. Enqueueing a key that is already queued merges into the
// existing item, so a key is never worked on twice concurrently.
type Queue struct {
	db      *pebblestore.DB
	name    string
	metrics Metrics
}

// Open returns the queue called name stored in db.
func Open(db *pebblestore.DB, name string) *Queue {
	return &Queue{db: db, name: name, metrics: noopMetrics{}}
}

// WithMetrics attaches an observer.
func (q *Queue) WithMetrics(m Metrics) *Queue {
	if m != nil {
		q.metrics = m
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) load(key string) (*Item, error) {
	var it Item
	if err := q.db.GetJSON(itemKey(q.name, key), &it); err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, hub.ErrNotFound
		}
		return nil, err
	}
	return &it, nil
}

// Get returns the queued item for key.
func (q *Queue) Get(key string) (*Item, error) { return q.load(key) }

// Enqueue schedules key to become ready after delayMs. If key is already
// waiting it is coalesced: the earlier ready time wins and a non-nil payload
// replaces the stored one; a different payload starts over with no
// attempts. If key is currently leased, a rerun is recorded.
// The returned bool reports whether the call was coalesced.
func (q *Queue) Enqueue(ctx context.Context, key string, payload []byte, delayMs, nowMs int64) (bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	readyAt := nowMs + delayMs

	unlock := q.db.Lock(itemKey(q.name, key))
	defer unlock()

	prev, err := q.load(key)
	if err != nil && !errors.Is(err, hub.ErrNotFound) {
		return false, err
	}

	b := q.db.NewBatch()
	defer b.Close()
	coalesced := prev != nil
	var it *Item
	switch {
	case prev == nil:
		it = &Item{Key: key, Payload: payload, ReadyAtMs: readyAt, EnqueuedAtMs: nowMs}
		if err := b.Set(timeIndexKey(dueIdxPrefix(q.name), readyAt, key), nil, nil); err != nil {
			return false, err
		}
	case prev.Leased(nowMs):
		it = prev
		it.Rerun = true
		if payload != nil {
			it.RerunPayload = payload
		}
	default:
		it = prev
		if payload != nil && !bytes.Equal(payload, it.Payload) {
			it.Payload = payload
			it.Attempts, it.LastError = 0, ""
		}
		if prev.LeaseOwner != "" {
			// lease lapsed without a reclaim; drop its index entry
			if err := b.Delete(timeIndexKey(leaseIdxPrefix(q.name), prev.LeaseExpiresMs, key), nil); err != nil {
				return false, err
			}
			it.LeaseOwner, it.LeaseExpiresMs = "", 0
			if err := b.Set(timeIndexKey(dueIdxPrefix(q.name), readyAt, key), nil, nil); err != nil {
				return false, err
			}
			it.ReadyAtMs = readyAt
		} else if readyAt < prev.ReadyAtMs {
			if err := b.Delete(timeIndexKey(dueIdxPrefix(q.name), prev.ReadyAtMs, key), nil); err != nil {
				return false, err
			}
			if err := b.Set(timeIndexKey(dueIdxPrefix(q.name), readyAt, key), nil, nil); err != nil {
				return false, err
			}
			it.ReadyAtMs = readyAt
		}
	}
	if err := pebblestore.SetJSON(b, itemKey(q.name, key), it); err != nil {
		return false, fmt.Errorf("encode item: %w", err)
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	q.metrics.ObserveEnqueue(q.name, coalesced)
	return coalesced, nil
}

// Dequeue leases up to max ready items to owner for leaseMs.
func (q *Queue) Dequeue(ctx context.Context, owner string, max int, leaseMs, nowMs int64) ([]*Item, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	prefix := dueIdxPrefix(q.name)
	var due []string
	err := q.db.Scan(prefix, nil, func(k, _ []byte) (bool, error) {
		ms, key, ok := parseTimeIndexKey(prefix, k)
		if !ok {
			return true, nil
		}
		if ms > nowMs {
			return false, nil
		}
		due = append(due, key)
		return max <= 0 || len(due) < max, ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Item, 0, len(due))
	for _, key := range due {
		it, err := q.lease(ctx, key, owner, leaseMs, nowMs)
		if err != nil {
			return out, err
		}
		if it != nil {
			out = append(out, it)
		}
	}
	return out, nil
}

func (q *Queue) lease(ctx context.Context, key, owner string, leaseMs, nowMs int64) (*Item, error) {
	unlock := q.db.Lock(itemKey(q.name, key))
	defer unlock()
	it, err := q.load(key)
	if errors.Is(err, hub.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// lost a race with another dequeuer or a reschedule
	if it.LeaseOwner != "" || it.ReadyAtMs > nowMs {
		return nil, nil
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(timeIndexKey(dueIdxPrefix(q.name), it.ReadyAtMs, key), nil); err != nil {
		return nil, err
	}
	it.LeaseOwner = owner
	it.LeaseExpiresMs = nowMs + leaseMs
	if err := b.Set(timeIndexKey(leaseIdxPrefix(q.name), it.LeaseExpiresMs, key), nil, nil); err != nil {
		return nil, err
	}
	if err := pebblestore.SetJSON(b, itemKey(q.name, key), it); err != nil {
		return nil, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return it, nil
}

// settle runs fn on an item leased by owner and writes the result.
func (q *Queue) settle(ctx context.Context, key, owner string, fn func(it *Item, b *pebble.Batch) (keep bool, err error)) error {
	unlock := q.db.Lock(itemKey(q.name, key))
	defer unlock()
	it, err := q.load(key)
	if err != nil {
		return err
	}
	if it.LeaseOwner != owner {
		return ErrNotOwner
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(timeIndexKey(leaseIdxPrefix(q.name), it.LeaseExpiresMs, key), nil); err != nil {
		return err
	}
	it.LeaseOwner, it.LeaseExpiresMs = "", 0
	keep, err := fn(it, b)
	if err != nil {
		return err
	}
	if keep {
		if err := b.Set(timeIndexKey(dueIdxPrefix(q.name), it.ReadyAtMs, key), nil, nil); err != nil {
			return err
		}
		if err := pebblestore.SetJSON(b, itemKey(q.name, key), it); err != nil {
			return err
		}
	} else if err := b.Delete(itemKey(q.name, key), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// Complete finishes a leased item. A pending rerun requeues it immediately
// with a fresh attempt count.
func (q *Queue) Complete(ctx context.Context, key, owner string, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	return q.settle(ctx, key, owner, func(it *Item, _ *pebble.Batch) (bool, error) {
		if !it.Rerun {
			return false, nil
		}
		it.Rerun = false
		if it.RerunPayload != nil {
			it.Payload, it.RerunPayload = it.RerunPayload, nil
		}
		it.Attempts = 0
		it.LastError = ""
		it.ReadyAtMs = nowMs
		it.EnqueuedAtMs = nowMs
		return true, nil
	})
}

// Retry releases a leased item to run again after delayMs and returns the
// attempt count including this failure. A pending rerun is absorbed; one
// carrying a new payload replaces the failed work, which then runs at once
// with no attempts.
func (q *Queue) Retry(ctx context.Context, key, owner string, delayMs int64, cause error, nowMs int64) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	var attempts int
	err := q.settle(ctx, key, owner, func(it *Item, _ *pebble.Batch) (bool, error) {
		it.Attempts++
		attempts = it.Attempts
		if cause != nil {
			it.LastError = cause.Error()
		}
		it.ReadyAtMs = nowMs + delayMs
		if it.Rerun && it.RerunPayload != nil && !bytes.Equal(it.RerunPayload, it.Payload) {
			it.Payload = it.RerunPayload
			it.Attempts, it.LastError = 0, ""
			it.ReadyAtMs = nowMs
		}
		it.Rerun, it.RerunPayload = false, nil
		return true, nil
	})
	return attempts, err
}

// DeadLetter removes a leased item from the queue and records it in the
// dead-letter set with reason.
func (q *Queue) DeadLetter(ctx context.Context, key, owner, reason string, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	err := q.settle(ctx, key, owner, func(it *Item, b *pebble.Batch) (bool, error) {
		it.Attempts++
		dl := DeadLetter{Item: *it, Reason: reason, FailedMs: nowMs}
		dl.Rerun, dl.RerunPayload = false, nil
		return false, pebblestore.SetJSON(b, dlqKey(q.name, it.Key), dl)
	})
	if err == nil {
		q.metrics.ObserveDeadLetter(q.name)
	}
	return err
}

// ExtendLease pushes the lease of an owned item to nowMs+leaseMs.
func (q *Queue) ExtendLease(ctx context.Context, key, owner string, leaseMs, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	unlock := q.db.Lock(itemKey(q.name, key))
	defer unlock()
	it, err := q.load(key)
	if err != nil {
		return err
	}
	if it.LeaseOwner != owner {
		return ErrNotOwner
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(timeIndexKey(leaseIdxPrefix(q.name), it.LeaseExpiresMs, key), nil); err != nil {
		return err
	}
	it.LeaseExpiresMs = nowMs + leaseMs
	if err := b.Set(timeIndexKey(leaseIdxPrefix(q.name), it.LeaseExpiresMs, key), nil, nil); err != nil {
		return err
	}
	if err := pebblestore.SetJSON(b, itemKey(q.name, key), it); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// ReclaimExpired returns items whose lease lapsed to the ready set.
func (q *Queue) ReclaimExpired(ctx context.Context, nowMs int64, max int) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	prefix := leaseIdxPrefix(q.name)
	var expired []string
	err := q.db.Scan(prefix, nil, func(k, _ []byte) (bool, error) {
		ms, key, ok := parseTimeIndexKey(prefix, k)
		if !ok {
			return true, nil
		}
		if ms > nowMs {
			return false, nil
		}
		expired = append(expired, key)
		return max <= 0 || len(expired) < max, nil
	})
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, key := range expired {
		it, err := q.load(key)
		if err != nil {
			continue
		}
		if it.Leased(nowMs) || it.LeaseOwner == "" {
			continue
		}
		err = q.settle(ctx, key, it.LeaseOwner, func(it *Item, _ *pebble.Batch) (bool, error) {
			it.ReadyAtMs = nowMs
			return true, nil
		})
		if err == nil {
			reclaimed++
		} else if !errors.Is(err, ErrNotOwner) && !errors.Is(err, hub.ErrNotFound) {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// Len counts queued items, leased or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.db.CountPrefix([]byte(queuePrefix(q.name)+prefixItem), 0)
}

// ListDead pages through the dead-letter set in key order.
func (q *Queue) ListDead(ctx context.Context, after string, limit int) ([]*DeadLetter, string, error) {
	prefix := []byte(queuePrefix(q.name) + prefixDLQ)
	var start []byte
	if after != "" {
		start = append(dlqKey(q.name, after), 0)
	}
	var out []*DeadLetter
	err := q.db.Scan(prefix, start, func(_, v []byte) (bool, error) {
		var dl DeadLetter
		if err := json.Unmarshal(v, &dl); err != nil {
			return false, err
		}
		out = append(out, &dl)
		return limit <= 0 || len(out) < limit, ctx.Err()
	})
	if err != nil {
		return nil, "", err
	}
	next := ""
	if limit > 0 && len(out) == limit {
		next = out[len(out)-1].Key
	}
	return out, next, nil
}

// PurgeDead removes dead letters that failed before cutoffMs.
func (q *Queue) PurgeDead(ctx context.Context, cutoffMs int64) (int, error) {
	dead, _, err := q.ListDead(ctx, "", 0)
	if err != nil {
		return 0, err
	}
	b := q.db.NewBatch()
	defer b.Close()
	n := 0
	for _, dl := range dead {
		if dl.FailedMs < cutoffMs {
			if err := b.Delete(dlqKey(q.name, dl.Key), nil); err != nil {
				return 0, err
			}
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, q.db.CommitBatch(ctx, b)
}
