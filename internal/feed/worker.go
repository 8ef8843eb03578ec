package feed

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/lease"
	"github.com/rzbill/pushhub/internal/topics"
	"github.com/rzbill/pushhub/internal/workqueue"
	"github.com/rzbill/pushhub/pkg/log"
)

// Worker drains the fetch queue. The queue holds at most one task per topic,
// so a topic never has two fetches outstanding.
type Worker struct {
	engine *Engine
	queue  *workqueue.Queue
	topics *topics.Store
	cfg    Config
	log    log.Logger
	owner  string
	wake   chan struct{}
}

// NewWorker returns a worker pulling topics from queue.
func NewWorker(engine *Engine, queue *workqueue.Queue, ts *topics.Store) *Worker {
	return &Worker{
		engine: engine,
		queue:  queue,
		topics: ts,
		cfg:    engine.cfg,
		log:    engine.log,
		owner:  lease.NewOwner("fetch-worker"),
		wake:   make(chan struct{}, 1),
	}
}

// Schedule enqueues a fetch of topicURL, coalescing with any pending one.
func (w *Worker) Schedule(ctx context.Context, topicURL string) (bool, error) {
	coalesced, err := w.queue.Enqueue(ctx, topicURL, nil, 0, w.engine.now().UnixMilli())
	if err == nil {
		w.Notify()
	}
	return coalesced, err
}

// Notify wakes an idle worker loop.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run processes fetch tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	workers := w.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for ctx.Err() == nil {
		now := w.engine.now().UnixMilli()
		items, err := w.queue.Dequeue(ctx, w.owner, workers, w.cfg.ItemLease.Milliseconds(), now)
		if err != nil {
			w.log.Error("dequeue fetch tasks", log.Err(err))
		}
		if len(items) == 0 {
			w.idle(ctx)
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, it := range items {
			it := it
			g.Go(func() error {
				w.handle(gctx, it)
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.cfg.IdleWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-t.C:
	}
}

func (w *Worker) handle(ctx context.Context, it *workqueue.Item) {
	topicURL := it.Key
	_, err := w.engine.Poll(ctx, topicURL)
	now := w.engine.now()
	var (
		ff     *hub.FetchFailure
		settle error
	)
	switch {
	case err == nil:
		settle = w.queue.Complete(ctx, topicURL, w.owner, now.UnixMilli())
	case errors.Is(err, hub.ErrContention):
		w.log.Debug("topic lease busy", log.Str("topic", topicURL))
		_, settle = w.queue.Retry(ctx, topicURL, w.owner, w.cfg.ContentionDelay.Milliseconds(), err, now.UnixMilli())
	case errors.Is(err, hub.ErrNotFound):
		settle = w.queue.Complete(ctx, topicURL, w.owner, now.UnixMilli())
	case errors.As(err, &ff):
		failures, retryAt, rerr := w.topics.RecordFetchFailure(ctx, topicURL, err, w.cfg.Retry.Delay)
		if rerr != nil {
			w.log.Error("record fetch failure", log.Str("topic", topicURL), log.Err(rerr))
		}
		if w.cfg.Retry.Exhausted(failures) {
			w.log.Warn("fetch abandoned until next ping",
				log.Str("topic", topicURL), log.Int("failures", failures), log.Err(err))
			settle = w.queue.Complete(ctx, topicURL, w.owner, now.UnixMilli())
			break
		}
		w.log.Warn("fetch failed",
			log.Str("topic", topicURL), log.Int("failures", failures), log.Time("retry_at", retryAt), log.Err(err))
		_, settle = w.queue.Retry(ctx, topicURL, w.owner, retryAt.Sub(now).Milliseconds(), err, now.UnixMilli())
	default:
		w.log.Error("poll topic", log.Str("topic", topicURL), log.Err(err))
		_, settle = w.queue.Retry(ctx, topicURL, w.owner, w.cfg.Retry.Delay(it.Attempts+1).Milliseconds(), err, now.UnixMilli())
	}
	if settle != nil && !errors.Is(settle, context.Canceled) {
		w.log.Error("settle fetch task", log.Str("topic", topicURL), log.Err(settle))
	}
}
