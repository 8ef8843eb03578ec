package verify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/workqueue"
	"github.com/rzbill/pushhub/pkg/log"
)

// Notify wakes the async loop.
func (v *Verifier) Notify() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// Run drains the verify queue until ctx is done.
func (v *Verifier) Run(ctx context.Context) error {
	workers := v.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for ctx.Err() == nil {
		items, err := v.queue.Dequeue(ctx, v.owner, workers, v.cfg.ItemLease.Milliseconds(), v.now().UnixMilli())
		if err != nil {
			v.log.Error("dequeue verifications", log.Err(err))
		}
		if len(items) == 0 {
			v.idle(ctx)
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, it := range items {
			it := it
			g.Go(func() error {
				v.handle(gctx, it)
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

func (v *Verifier) idle(ctx context.Context) {
	t := time.NewTimer(v.cfg.IdleWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-v.wake:
	case <-t.C:
	}
}

func (v *Verifier) handle(ctx context.Context, it *workqueue.Item) {
	var req Request
	if err := json.Unmarshal(it.Payload, &req); err != nil {
		v.log.Error("drop undecodable verification", log.Str("key", it.Key), log.Err(err))
		v.settle(it.Key, v.queue.DeadLetter(ctx, it.Key, v.owner, err.Error(), v.now().UnixMilli()))
		return
	}
	err := v.Confirm(ctx, &req)
	if err == nil {
		err = v.apply(ctx, &req)
		if err == nil {
			v.metrics.VerificationCompleted(string(ModeAsync), "verified")
			v.settle(it.Key, v.queue.Complete(ctx, it.Key, v.owner, v.now().UnixMilli()))
			return
		}
	}
	attempts := it.Attempts + 1
	var vf *hub.VerificationFailure
	if errors.As(err, &vf) && v.cfg.Retry.Exhausted(attempts) {
		v.metrics.VerificationCompleted(string(ModeAsync), "declined")
		v.log.Warn("verification abandoned",
			log.Str("topic", req.Topic), log.Str("callback", req.Callback),
			log.Int("attempts", attempts), log.Bool("reconfirm", req.Reconfirm), log.Err(err))
		if xerr := v.exhaust(ctx, &req); xerr != nil {
			v.log.Error("settle abandoned subscription", log.Str("topic", req.Topic), log.Err(xerr))
		}
		v.settle(it.Key, v.queue.Complete(ctx, it.Key, v.owner, v.now().UnixMilli()))
		return
	}
	delay := v.cfg.Retry.Delay(attempts)
	v.log.Info("verification retry scheduled",
		log.Str("topic", req.Topic), log.Str("callback", req.Callback),
		log.Int("attempt", attempts), log.Dur("delay", delay), log.Err(err))
	_, serr := v.queue.Retry(ctx, it.Key, v.owner, delay.Milliseconds(), err, v.now().UnixMilli())
	v.settle(it.Key, serr)
}

// exhaust applies the outcome of a handshake that never succeeded. A
// user-initiated subscribe drops a still-pending record and leaves an active
// one alone; a failed reconfirmation expires the subscription.
func (v *Verifier) exhaust(ctx context.Context, req *Request) error {
	if req.Action != ActionSubscribe {
		return nil
	}
	if req.Reconfirm {
		return v.subs.Expire(ctx, req.Key(), v.now())
	}
	sub, err := v.subs.Get(ctx, req.Key())
	if errors.Is(err, hub.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.State == hub.StatePending {
		return v.subs.Delete(ctx, req.Key())
	}
	return nil
}

func (v *Verifier) settle(key string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		v.log.Error("settle verification", log.Str("key", key), log.Err(err))
	}
}
