// Package intake handles publisher pings. A ping is only a wake-up signal:
// it schedules a fetch and never waits for it.
package intake

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/metrics"
	"github.com/rzbill/pushhub/internal/policy"
	"github.com/rzbill/pushhub/internal/subscriptions"
	"github.com/rzbill/pushhub/internal/topics"
	"github.com/rzbill/pushhub/pkg/log"
)

// Scheduler enqueues a topic fetch, coalescing with a pending one.
type Scheduler interface {
	Schedule(ctx context.Context, topicURL string) (coalesced bool, err error)
}

// Result summarizes one publish request.
type Result struct {
	// Scheduled lists topics with a fetch now pending.
	Scheduled []string
	// Coalesced counts scheduled topics that merged into an existing task.
	Coalesced int
	// Ignored lists known or admitted URLs with no active subscriber.
	Ignored []string
}

// Intake resolves published URLs to topics and schedules fetches.
type Intake struct {
	topics    *topics.Store
	subs      subscriptions.Store
	scheduler Scheduler
	policy    *policy.Policy
	log       log.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

// Option customizes an Intake.
type Option func(*Intake)

func WithLogger(l log.Logger) Option        { return func(i *Intake) { i.log = l } }
func WithMetrics(m metrics.Recorder) Option { return func(i *Intake) { i.metrics = m } }
func WithClock(now func() time.Time) Option { return func(i *Intake) { i.now = now } }

func New(ts *topics.Store, subs subscriptions.Store, sched Scheduler, p *policy.Policy, opts ...Option) *Intake {
	in := &Intake{
		topics:    ts,
		subs:      subs,
		scheduler: sched,
		policy:    p,
		log:       log.NewNop(),
		metrics:   metrics.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(in)
	}
	in.log = in.log.WithComponent("intake")
	return in
}

// Publish validates every URL first; a malformed URL (400) or a rejected
// unknown one (404) fails the request before anything is scheduled.
// Duplicate URLs, and a delegate together with its topic, collapse into
// one fetch.
func (in *Intake) Publish(ctx context.Context, urls []string) (*Result, error) {
	res, err := in.publish(ctx, urls)
	outcome := "accepted"
	switch {
	case err != nil && hub.StatusOf(err) < 500:
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	in.metrics.PublishReceived(outcome)
	return res, err
}

func (in *Intake) publish(ctx context.Context, urls []string) (*Result, error) {
	if len(urls) == 0 {
		return nil, hub.BadRequest("hub.url is required")
	}
	var (
		res     = &Result{}
		targets []string
		aliased = map[string]bool{}
		seen    = map[string]bool{}
	)
	for _, raw := range urls {
		canon, err := hub.CanonicalURL(raw)
		if err != nil {
			return nil, hub.BadRequest("invalid hub.url %q: %v", raw, err)
		}
		topic, _, err := in.topics.Resolve(ctx, canon)
		if errors.Is(err, hub.ErrNotFound) {
			if !in.policy.Accepts(canon, policy.ModePublish) {
				in.log.Info("publish for unknown topic rejected", log.Str("url", canon))
				return nil, hub.UnknownTopic(canon)
			}
			// admitted, but nobody subscribes to it yet
			if !seen[canon] {
				seen[canon] = true
				res.Ignored = append(res.Ignored, canon)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if !seen[topic] {
			seen[topic] = true
			targets = append(targets, topic)
		}
		// topics serving the same feed under another URL are refreshed too
		aliases, err := in.topics.Aliases(ctx, topic)
		if err != nil && !errors.Is(err, hub.ErrNotFound) {
			return nil, err
		}
		for _, alias := range aliases {
			if !seen[alias] {
				seen[alias] = true
				aliased[alias] = true
				targets = append(targets, alias)
			}
		}
	}

	now := in.now()
	for _, topic := range targets {
		active, err := subscriptions.HasActive(ctx, in.subs, topic, now)
		if err != nil {
			return nil, err
		}
		if !active {
			if !aliased[topic] {
				res.Ignored = append(res.Ignored, topic)
			}
			continue
		}
		coalesced, err := in.scheduler.Schedule(ctx, topic)
		if err != nil {
			return nil, err
		}
		if coalesced {
			res.Coalesced++
		}
		res.Scheduled = append(res.Scheduled, topic)
	}
	in.log.Debug("publish accepted",
		log.Int("scheduled", len(res.Scheduled)), log.Int("coalesced", res.Coalesced), log.Int("ignored", len(res.Ignored)))
	return res, nil
}
