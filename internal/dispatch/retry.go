package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/workqueue"
	"github.com/rzbill/pushhub/pkg/log"
)

// retryTask is the payload of a delivery retry record.
type retryTask struct {
	Topic   string     `json:"topic"`
	Seq     uint64     `json:"seq"`
	DeltaID string     `json:"delta_id"`
	Sub     hub.SubKey `json:"sub"`
}

// retryKey is unique per (delta, subscription).
func retryKey(seq uint64, sub hub.SubKey) string {
	return string(sub) + "\x00" + strconv.FormatUint(seq, 10)
}

// scheduleRetry records a failed inline delivery; the first retry waits one
// backoff step.
func (d *Dispatcher) scheduleRetry(ctx context.Context, delta *hub.Delta, key hub.SubKey, cause error) error {
	payload, err := json.Marshal(retryTask{Topic: delta.Topic, Seq: delta.Seq, DeltaID: delta.ID, Sub: key})
	if err != nil {
		return err
	}
	delay := d.cfg.Retry.Delay(1)
	if _, err := d.retries.Enqueue(ctx, retryKey(delta.Seq, key), payload, delay.Milliseconds(), d.now().UnixMilli()); err != nil {
		return err
	}
	callback, _ := key.Target()
	d.log.Info("delivery failed, retry scheduled",
		log.Str("topic", delta.Topic), log.Str("delta_id", delta.ID), log.Str("callback", callback),
		log.Dur("delay", delay), log.Err(cause))
	select {
	case d.retryWake <- struct{}{}:
	default:
	}
	return nil
}

// RunRetries drains the delivery retry queue until ctx is done.
func (d *Dispatcher) RunRetries(ctx context.Context) error {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for ctx.Err() == nil {
		items, err := d.retries.Dequeue(ctx, d.owner, d.cfg.BatchSize, d.cfg.ItemLease.Milliseconds(), d.now().UnixMilli())
		if err != nil {
			d.log.Error("dequeue delivery retries", log.Err(err))
		}
		if len(items) == 0 {
			t := time.NewTimer(d.cfg.IdleWait)
			select {
			case <-ctx.Done():
			case <-d.retryWake:
			case <-t.C:
			}
			t.Stop()
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, it := range items {
			it := it
			g.Go(func() error {
				d.handleRetry(gctx, it)
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

func (d *Dispatcher) handleRetry(ctx context.Context, it *workqueue.Item) {
	nowMs := d.now().UnixMilli()
	var task retryTask
	if err := json.Unmarshal(it.Payload, &task); err != nil {
		d.log.Error("drop undecodable retry", log.Str("key", it.Key), log.Err(err))
		d.logSettle(it.Key, d.retries.DeadLetter(ctx, it.Key, d.owner, err.Error(), nowMs))
		return
	}
	done := func() {
		if err := d.settle(ctx, task.Topic, task.Seq, task.Sub); err != nil {
			d.log.Error("resolve delivery", log.Str("topic", task.Topic), log.Err(err))
		}
		d.logSettle(it.Key, d.retries.Complete(ctx, it.Key, d.owner, d.now().UnixMilli()))
	}

	rec, err := d.deltas.Get(ctx, task.Topic, task.Seq)
	if errors.Is(err, hub.ErrNotFound) {
		d.logSettle(it.Key, d.retries.Complete(ctx, it.Key, d.owner, nowMs))
		return
	}
	if err != nil {
		_, serr := d.retries.Retry(ctx, it.Key, d.owner, d.cfg.Retry.Delay(1).Milliseconds(), err, nowMs)
		d.logSettle(it.Key, serr)
		return
	}
	sub, err := d.subs.Get(ctx, task.Sub)
	if errors.Is(err, hub.ErrNotFound) || (err == nil && !sub.Eligible(d.now())) {
		d.log.Info("drop retry for inactive subscription", log.Str("topic", task.Topic), log.Str("delta_id", task.DeltaID))
		done()
		return
	}
	if err != nil {
		_, serr := d.retries.Retry(ctx, it.Key, d.owner, d.cfg.Retry.Delay(1).Milliseconds(), err, nowMs)
		d.logSettle(it.Key, serr)
		return
	}

	var payload []byte
	if d.cfg.PushContent {
		if payload, err = d.renderer.Render(&rec.Delta); err != nil {
			d.log.Error("render delta", log.Str("delta_id", task.DeltaID), log.Err(err))
			done()
			return
		}
	}
	start := d.now()
	err = d.deliver(ctx, &Notification{
		Callback: sub.Callback,
		Topics:   []string{task.Topic},
		DeltaIDs: []string{task.DeltaID},
		Body:     payload,
	})
	if err == nil {
		d.metrics.DeliveryAttempted("retry", "ok", d.now().Sub(start))
		if _, err := d.subs.AdvanceDeliveryCursor(ctx, task.Sub, task.DeltaID); err != nil {
			d.log.Warn("advance delivery cursor", log.Str("delta_id", task.DeltaID), log.Err(err))
		}
		done()
		return
	}
	d.metrics.DeliveryAttempted("retry", "failed", d.now().Sub(start))

	// the inline attempt plus every retry so far
	attempts := it.Attempts + 2
	if d.cfg.Retry.Exhausted(attempts) {
		if aerr := d.abandon(ctx, task.Topic, task.DeltaID, task.Sub, attempts, err); aerr != nil {
			d.log.Error("record abandoned delivery", log.Err(aerr))
		}
		done()
		return
	}
	delay := d.cfg.Retry.Delay(attempts)
	d.log.Info("delivery retry failed",
		log.Str("topic", task.Topic), log.Str("delta_id", task.DeltaID), log.Str("callback", sub.Callback),
		log.Int("attempt", attempts), log.Dur("delay", delay), log.Err(err))
	_, serr := d.retries.Retry(ctx, it.Key, d.owner, delay.Milliseconds(), err, d.now().UnixMilli())
	d.logSettle(it.Key, serr)
}

func (d *Dispatcher) logSettle(key string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.Error("settle delivery retry", log.Str("key", key), log.Err(err))
	}
}
