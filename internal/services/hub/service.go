package hub

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/pushhub/internal/dispatch"
	core "github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/intake"
	"github.com/rzbill/pushhub/internal/policy"
	"github.com/rzbill/pushhub/internal/verify"
	logpkg "github.com/rzbill/pushhub/pkg/log"
)

const (
	defaultPollMax = 100
	maxPollMax     = 1000
	defaultListMax = 100
	maxListMax     = 1000
)

// Deps are the collaborators the Service drives.
type Deps struct {
	Topics      TopicStore
	Subscribers SubscriberCounter
	Verifier    Verifier
	Publisher   Publisher
	Mailbox     Mailbox
	Ledger      Ledger
	Backlog     Backlog
	Admission   Admission
	Health      HealthChecker
}

// Service is the hub's request-facing API.
type Service struct {
	deps   Deps
	logger logpkg.Logger
	now    func() time.Time
}

// New creates a Service. A nil logger discards output.
func New(deps Deps, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Service{deps: deps, logger: logger.WithComponent("hub"), now: time.Now}
}

// SubscribeRequest is a decoded subscribe or unsubscribe form.
type SubscribeRequest struct {
	Mode     string
	Callback string
	Token    string
	Topics   []string
	// Verify holds the raw hub.verify values, possibly comma separated.
	Verify       []string
	VerifyToken  string
	LeaseSeconds string
	Big          bool
	Mixed        bool
	RequesterIP  string
}

// Subscribe validates req and submits one verification per topic. The
// status is 204 when every topic was applied and 202 when any was left to
// async verification; the first failing topic aborts with its error.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (int, error) {
	action := verify.Action(req.Mode)
	if action != verify.ActionSubscribe && action != verify.ActionUnsubscribe {
		return 0, core.BadRequest("hub.mode must be subscribe or unsubscribe")
	}
	if len(req.Topics) == 0 {
		return 0, core.BadRequest("hub.topic is required")
	}
	callback, token := strings.TrimSpace(req.Callback), strings.TrimSpace(req.Token)
	switch {
	case callback == "" && token == "":
		return 0, core.BadRequest("hub.callback or hub.token is required")
	case callback != "" && token != "":
		return 0, core.BadRequest("hub.callback and hub.token are mutually exclusive")
	case callback != "":
		c, err := core.CanonicalURL(callback)
		if err != nil {
			return 0, err
		}
		callback = c
	}
	lease := 0
	if v := strings.TrimSpace(req.LeaseSeconds); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, core.BadRequest("invalid hub.lease_seconds %q", req.LeaseSeconds)
		}
		lease = n
	}
	var modes []verify.Mode
	if token == "" {
		m, err := verify.ParseModes(req.Verify)
		if err != nil {
			return 0, err
		}
		modes = m
	}

	// canonicalize every topic before touching state
	topics := make([]string, 0, len(req.Topics))
	seen := map[string]bool{}
	for _, raw := range req.Topics {
		t, err := core.CanonicalURL(raw)
		if err != nil {
			return 0, err
		}
		if !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}

	status := http.StatusNoContent
	for _, raw := range topics {
		topic := raw
		if action == verify.ActionSubscribe {
			t, err := s.admit(ctx, raw)
			if err != nil {
				return 0, err
			}
			topic = t
		} else if t, _, err := s.deps.Topics.Resolve(ctx, raw); err == nil {
			topic = t
		}
		code, err := s.deps.Verifier.Submit(ctx, &verify.Request{
			Action:        action,
			Topic:         topic,
			Callback:      callback,
			Token:         token,
			VerifyToken:   req.VerifyToken,
			LeaseSeconds:  lease,
			BigSubscriber: req.Big,
			MixedPayload:  req.Mixed,
			Modes:         modes,
			RequesterIP:   req.RequesterIP,
		})
		if err != nil {
			s.logger.Info("subscription rejected",
				logpkg.Str("mode", req.Mode), logpkg.Str("topic", topic), logpkg.Err(err))
			return 0, err
		}
		if code == http.StatusAccepted {
			status = http.StatusAccepted
		}
	}
	return status, nil
}

// admit maps a subscribe topic onto a stored topic, creating it when the
// admission policy allows. A delegate URL resolves to the topic it serves.
func (s *Service) admit(ctx context.Context, url string) (string, error) {
	topic, _, err := s.deps.Topics.Resolve(ctx, url)
	if err == nil {
		return topic, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return "", err
	}
	if s.deps.Admission != nil && !s.deps.Admission.Accepts(url, policy.ModeSubscribe) {
		return "", core.UnknownTopic(url)
	}
	if _, created, err := s.deps.Topics.Ensure(ctx, url); err != nil {
		return "", err
	} else if created {
		s.logger.Info("topic created", logpkg.Str("topic", url))
	}
	return url, nil
}

// Publish forwards a publish ping.
func (s *Service) Publish(ctx context.Context, urls []string) (*intake.Result, error) {
	return s.deps.Publisher.Publish(ctx, urls)
}

// PollMailbox returns up to max pending notifications for token, oldest
// first.
func (s *Service) PollMailbox(ctx context.Context, token string, max int) ([]*dispatch.Message, error) {
	if strings.TrimSpace(token) == "" {
		return nil, core.BadRequest("hub.token is required")
	}
	return s.deps.Mailbox.List(ctx, token, clamp(max, defaultPollMax, maxPollMax))
}

// AckMailbox deletes acknowledged notifications and returns how many were
// removed. Unknown ids are ignored.
func (s *Service) AckMailbox(ctx context.Context, token string, ids []string) (int, error) {
	if strings.TrimSpace(token) == "" {
		return 0, core.BadRequest("hub.token is required")
	}
	if len(ids) == 0 {
		return 0, core.BadRequest("hub.ack is required")
	}
	return s.deps.Mailbox.Ack(ctx, token, ids)
}

// TopicStats describes one topic's state.
type TopicStats struct {
	URL            string    `json:"url"`
	DelegateURL    string    `json:"delegate_url,omitempty"`
	Subscribers    int       `json:"subscribers"`
	PendingDeltas  int       `json:"pending_deltas"`
	CachedEntries  int       `json:"cached_entries"`
	LastPolledAt   time.Time `json:"last_polled_at,omitempty"`
	FetchFailures  int       `json:"fetch_failures"`
	LastFetchError string    `json:"last_fetch_error,omitempty"`
	NextPollAt     time.Time `json:"next_poll_at,omitempty"`
	LastDeltaID    string    `json:"last_delta_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TopicStats looks up url, which may also be a delegate URL.
func (s *Service) TopicStats(ctx context.Context, url string) (*TopicStats, error) {
	canon, err := core.CanonicalURL(url)
	if err != nil {
		return nil, err
	}
	topic, _, err := s.deps.Topics.Resolve(ctx, canon)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.UnknownTopic(canon)
	} else if err != nil {
		return nil, err
	}
	t, err := s.deps.Topics.Get(ctx, topic)
	if err != nil {
		return nil, err
	}
	subs, err := s.deps.Subscribers.CountActive(ctx, topic, s.now(), 0)
	if err != nil {
		return nil, err
	}
	depth, err := s.deps.Backlog.Depth(topic)
	if err != nil {
		return nil, err
	}
	return &TopicStats{
		URL:            t.URL,
		DelegateURL:    t.DelegateURL,
		Subscribers:    subs,
		PendingDeltas:  depth,
		CachedEntries:  len(t.Digests),
		LastPolledAt:   t.LastPolledAt,
		FetchFailures:  t.FetchFailures,
		LastFetchError: t.LastFetchError,
		NextPollAt:     t.NextPollAt,
		LastDeltaID:    t.LastDeltaID,
		CreatedAt:      t.CreatedAt,
	}, nil
}

// Abandoned lists deliveries that exhausted their retries since the given
// time, oldest first.
func (s *Service) Abandoned(ctx context.Context, since time.Time, limit int) ([]*dispatch.Abandoned, error) {
	return s.deps.Ledger.List(ctx, since, clamp(limit, defaultListMax, maxListMax))
}

// Health reports storage health.
func (s *Service) Health(ctx context.Context) error {
	if s.deps.Health == nil {
		return nil
	}
	return s.deps.Health.CheckHealth(ctx)
}

func clamp(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
