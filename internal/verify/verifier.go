package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/lease"
	"github.com/rzbill/pushhub/internal/metrics"
	"github.com/rzbill/pushhub/internal/retry"
	"github.com/rzbill/pushhub/internal/subscriptions"
	"github.com/rzbill/pushhub/internal/workqueue"
	"github.com/rzbill/pushhub/pkg/log"
)

// HeaderRequesterIP carries the subscribe requester's address on
// verification callbacks.
const HeaderRequesterIP = "X-Hub-Requester-IP"

// Action is the requested subscription change.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// Request is one (un)subscription awaiting verification. It is also the
// payload stored on the verify queue.
type Request struct {
	Action        Action `json:"action"`
	Topic         string `json:"topic"`
	Callback      string `json:"callback,omitempty"`
	Token         string `json:"token,omitempty"`
	VerifyToken   string `json:"verify_token,omitempty"`
	LeaseSeconds  int    `json:"lease_seconds,omitempty"`
	BigSubscriber bool   `json:"big,omitempty"`
	MixedPayload  bool   `json:"mixed,omitempty"`
	Modes         []Mode `json:"-"`
	RequesterIP   string `json:"requester_ip,omitempty"`
	// Reconfirm marks a hub-initiated re-verification of an active lease.
	Reconfirm bool `json:"reconfirm,omitempty"`
}

// Key is the subscription the request applies to.
func (r *Request) Key() hub.SubKey { return hub.NewSubKey(r.Topic, r.Callback, r.Token) }

func (r *Request) verifyMode() string {
	if r.Action == ActionUnsubscribe {
		return "unsubverify"
	}
	return "subverify"
}

// Config tunes the handshake.
type Config struct {
	Supported []Mode
	// Method is GET or POST.
	Method  string
	Timeout time.Duration
	// Retry schedules async attempts; MaxAttempts counts every attempt.
	Retry           retry.Policy
	DefaultLease    time.Duration
	MaxLease        time.Duration
	ReconfirmBuffer time.Duration
	Workers         int
	ItemLease       time.Duration
	IdleWait        time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		Supported:       []Mode{ModeSync, ModeAsync},
		Method:          http.MethodGet,
		Timeout:         10 * time.Second,
		Retry:           retry.Policy{Base: 30 * time.Second, MaxAttempts: 4},
		DefaultLease:    5 * 24 * time.Hour,
		MaxLease:        10 * 24 * time.Hour,
		ReconfirmBuffer: 24 * time.Hour,
		Workers:         4,
		ItemLease:       time.Minute,
		IdleWait:        time.Second,
	}
}

// Verifier performs verification callbacks and applies verified changes to
// the subscription store.
type Verifier struct {
	subs    subscriptions.Store
	queue   *workqueue.Queue
	client  *http.Client
	cfg     Config
	log     log.Logger
	metrics metrics.Recorder
	now     func() time.Time
	owner   string
	wake    chan struct{}
}

// Option customizes a Verifier.
type Option func(*Verifier)

func WithLogger(l log.Logger) Option        { return func(v *Verifier) { v.log = l } }
func WithMetrics(m metrics.Recorder) Option { return func(v *Verifier) { v.metrics = m } }
func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }
func WithHTTPClient(c *http.Client) Option  { return func(v *Verifier) { v.client = c } }

// New returns a Verifier storing async work on queue.
func New(subs subscriptions.Store, queue *workqueue.Queue, cfg Config, opts ...Option) *Verifier {
	v := &Verifier{
		subs:    subs,
		queue:   queue,
		cfg:     cfg,
		log:     log.NewNop(),
		metrics: metrics.NewNop(),
		now:     time.Now,
		owner:   lease.NewOwner("verify"),
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(v)
	}
	if v.client == nil {
		v.client = &http.Client{
			Timeout: cfg.Timeout,
			// a redirect is not a 204
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	v.log = v.log.WithComponent("verifier")
	return v
}

// LeaseSeconds applies the default and the cap to a requested lease.
func (v *Verifier) LeaseSeconds(requested int) int {
	max := int(v.cfg.MaxLease / time.Second)
	if requested <= 0 {
		requested = int(v.cfg.DefaultLease / time.Second)
	}
	if max > 0 && requested > max {
		requested = max
	}
	return requested
}

// Submit handles a subscriber's request and returns the HTTP status to
// answer with: 204 when applied, 202 when left to the async queue. Errors
// map through hub.StatusOf (400, 409, 501, 503).
func (v *Verifier) Submit(ctx context.Context, req *Request) (int, error) {
	if req.Action != ActionSubscribe && req.Action != ActionUnsubscribe {
		return 0, hub.BadRequest("invalid hub.mode %q", req.Action)
	}
	if req.Callback == "" && req.Token == "" {
		return 0, hub.BadRequest("hub.callback or hub.token is required")
	}
	req.LeaseSeconds = v.LeaseSeconds(req.LeaseSeconds)

	if req.Action == ActionUnsubscribe {
		if _, err := v.subs.Get(ctx, req.Key()); errors.Is(err, hub.ErrNotFound) {
			return http.StatusNoContent, nil
		} else if err != nil {
			return 0, err
		}
	}
	// no callback to verify; possession of the token is the credential
	if req.Token != "" {
		if err := v.apply(ctx, req); err != nil {
			return 0, err
		}
		v.metrics.VerificationCompleted("token", "verified")
		return http.StatusNoContent, nil
	}

	plan, err := Decide(req.Modes, v.cfg.Supported)
	if err != nil {
		v.metrics.VerificationCompleted("none", "unsupported")
		return 0, err
	}
	if plan.First == ModeAsync {
		return http.StatusAccepted, v.enqueue(ctx, req)
	}

	err = v.Confirm(ctx, req)
	var vf *hub.VerificationFailure
	switch {
	case err == nil:
		if err := v.apply(ctx, req); err != nil {
			return 0, err
		}
		v.metrics.VerificationCompleted(string(ModeSync), "verified")
		return http.StatusNoContent, nil
	case errors.As(err, &vf) && plan.AsyncFallback:
		v.log.Info("sync verification failed, queued async",
			log.Str("topic", req.Topic), log.Str("callback", req.Callback), log.Err(err))
		return http.StatusAccepted, v.enqueue(ctx, req)
	default:
		v.metrics.VerificationCompleted(string(ModeSync), "declined")
		v.log.Info("verification declined",
			log.Str("topic", req.Topic), log.Str("callback", req.Callback), log.Err(err))
		return 0, err
	}
}

// Confirm issues the verification callback. Only an exact 204 confirms.
func (v *Verifier) Confirm(ctx context.Context, req *Request) error {
	params := url.Values{}
	params.Set("hub.mode", req.verifyMode())
	params.Set("hub.topic", req.Topic)
	if req.VerifyToken != "" {
		params.Set("hub.verify_token", req.VerifyToken)
	}
	if req.Action == ActionSubscribe {
		params.Set("hub.lease_seconds", strconv.Itoa(req.LeaseSeconds))
	}

	var (
		httpReq *http.Request
		err     error
	)
	if strings.EqualFold(v.cfg.Method, http.MethodPost) {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, req.Callback, strings.NewReader(params.Encode()))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		target, perr := url.Parse(req.Callback)
		if perr != nil {
			return &hub.VerificationFailure{Callback: req.Callback, Err: perr}
		}
		q := target.Query()
		for k, vs := range params {
			q[k] = vs
		}
		target.RawQuery = q.Encode()
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	}
	if err != nil {
		return &hub.VerificationFailure{Callback: req.Callback, Err: err}
	}
	if req.RequesterIP != "" {
		httpReq.Header.Set(HeaderRequesterIP, req.RequesterIP)
	}
	resp, err := v.client.Do(httpReq)
	if err != nil {
		return &hub.VerificationFailure{Callback: req.Callback, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusNoContent {
		return &hub.VerificationFailure{Callback: req.Callback, Status: resp.StatusCode}
	}
	return nil
}

// apply writes a verified change.
func (v *Verifier) apply(ctx context.Context, req *Request) error {
	now := v.now()
	if req.Action == ActionUnsubscribe {
		if err := v.subs.Expire(ctx, req.Key(), now); err != nil && !errors.Is(err, hub.ErrNotFound) {
			return err
		}
		v.log.Info("unsubscribed", log.Str("topic", req.Topic), log.Str("subscriber", subscriber(req)))
		return nil
	}
	sub, err := v.subs.Get(ctx, req.Key())
	switch {
	case errors.Is(err, hub.ErrNotFound):
		sub = &hub.Subscription{
			Topic:     req.Topic,
			Callback:  req.Callback,
			Token:     req.Token,
			State:     hub.StatePending,
			CreatedAt: now.UTC(),
		}
		if req.Token != "" {
			sub.Callback = ""
		}
	case err != nil:
		return err
	}
	if !req.Reconfirm {
		sub.VerifyToken = req.VerifyToken
		sub.BigSubscriber = req.BigSubscriber
		sub.MixedPayload = req.MixedPayload
	}
	if err := v.subs.Put(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	if _, err := v.subs.Activate(ctx, req.Key(), req.LeaseSeconds, now); err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}
	v.log.Info("subscription active",
		log.Str("topic", req.Topic), log.Str("subscriber", subscriber(req)), log.Int("lease_seconds", req.LeaseSeconds))
	return nil
}

// enqueue records a pending subscription, if none exists yet, and schedules
// the async handshake. A newer request for the same subscription replaces a
// queued one.
func (v *Verifier) enqueue(ctx context.Context, req *Request) error {
	if req.Action == ActionSubscribe && !req.Reconfirm {
		_, err := v.subs.Get(ctx, req.Key())
		if errors.Is(err, hub.ErrNotFound) {
			now := v.now().UTC()
			err = v.subs.Put(ctx, &hub.Subscription{
				Topic:         req.Topic,
				Callback:      req.Callback,
				State:         hub.StatePending,
				VerifyToken:   req.VerifyToken,
				LeaseSeconds:  req.LeaseSeconds,
				BigSubscriber: req.BigSubscriber,
				MixedPayload:  req.MixedPayload,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		if err != nil {
			return err
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := v.queue.Enqueue(ctx, string(req.Key()), payload, 0, v.now().UnixMilli()); err != nil {
		return fmt.Errorf("queue verification: %w", err)
	}
	v.Notify()
	return nil
}

// Reconfirm schedules an async re-verification of an active subscription
// whose lease is about to end.
func (v *Verifier) Reconfirm(ctx context.Context, sub *hub.Subscription) error {
	if sub.IsToken() {
		// nothing to call; token leases are renewed by re-subscribing
		return nil
	}
	return v.enqueue(ctx, &Request{
		Action:       ActionSubscribe,
		Topic:        sub.Topic,
		Callback:     sub.Callback,
		VerifyToken:  sub.VerifyToken,
		LeaseSeconds: v.LeaseSeconds(sub.LeaseSeconds),
		Reconfirm:    true,
	})
}

// Queued reports whether a verification for key is waiting or running.
func (v *Verifier) Queued(key hub.SubKey) bool {
	_, err := v.queue.Get(string(key))
	return err == nil
}

// ReconfirmBuffer is how long before lease end a reconfirmation starts.
func (v *Verifier) ReconfirmBuffer() time.Duration { return v.cfg.ReconfirmBuffer }

func subscriber(req *Request) string {
	if req.Token != "" {
		return "token"
	}
	return req.Callback
}
