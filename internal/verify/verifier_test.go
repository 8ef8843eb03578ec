package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/retry"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
	"github.com/rzbill/pushhub/internal/subscriptions"
	"github.com/rzbill/pushhub/internal/workqueue"
)

const topic = "http://pub.example/feed"

// subscriberServer answers verification callbacks with a settable status and
// records what it saw.
type subscriberServer struct {
	mu      sync.Mutex
	status  int
	calls   int
	method  string
	params  url.Values
	headers http.Header
	srv     *httptest.Server
}

func newSubscriberServer(t *testing.T) *subscriberServer {
	s := &subscriberServer{status: http.StatusNoContent}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls++
		s.method = r.Method
		s.params = r.Form
		s.headers = r.Header.Clone()
		if s.status == http.StatusFound {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		w.WriteHeader(s.status)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *subscriberServer) answer(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *subscriberServer) seen() (int, url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.params
}

func (s *subscriberServer) request() (string, http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.method, s.headers
}

type VerifierSuite struct {
	suite.Suite
	ctx   context.Context
	subs  *subscriptions.PebbleStore
	queue *workqueue.Queue
	v     *Verifier
	cb    *subscriberServer
	cfg   Config
}

func TestVerifierSuite(t *testing.T) { suite.Run(t, new(VerifierSuite)) }

func (s *VerifierSuite) SetupTest() {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: s.T().TempDir(), Fsync: pebblestore.FsyncModeNever})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = db.Close() })
	s.ctx = context.Background()
	s.subs = subscriptions.NewPebbleStore(db)
	s.queue = workqueue.Open(db, "verify")
	s.cb = newSubscriberServer(s.T())
	s.cfg = DefaultConfig()
	s.cfg.Retry = retry.Policy{Base: time.Second, MaxAttempts: 2}
	s.v = New(s.subs, s.queue, s.cfg)
}

func (s *VerifierSuite) request(modes ...Mode) *Request {
	return &Request{
		Action:      ActionSubscribe,
		Topic:       topic,
		Callback:    s.cb.srv.URL + "/cb?id=7",
		VerifyToken: "opaque-token",
		Modes:       modes,
		RequesterIP: "203.0.113.9",
	}
}

func (s *VerifierSuite) state(req *Request) hub.SubscriptionState {
	sub, err := s.subs.Get(s.ctx, req.Key())
	if err != nil {
		return ""
	}
	return sub.State
}

// runQueued leases the queued verification and processes it.
func (s *VerifierSuite) runQueued(key hub.SubKey) {
	items, err := s.queue.Dequeue(s.ctx, s.v.owner, 10, time.Minute.Milliseconds(), time.Now().Add(time.Hour).UnixMilli())
	s.Require().NoError(err)
	for _, it := range items {
		if it.Key == string(key) {
			s.v.handle(s.ctx, it)
			return
		}
	}
	s.FailNow("no queued verification for " + string(key))
}

func (s *VerifierSuite) TestSyncSuccessActivates() {
	req := s.request(ModeSync)
	status, err := s.v.Submit(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(http.StatusNoContent, status)
	s.Equal(hub.StateActive, s.state(req))

	calls, params := s.cb.seen()
	s.Equal(1, calls)
	s.Equal("subverify", params.Get("hub.mode"))
	s.Equal(topic, params.Get("hub.topic"))
	s.Equal("opaque-token", params.Get("hub.verify_token"))
	s.Equal("432000", params.Get("hub.lease_seconds"))
	s.Equal("7", params.Get("id"), "callback query is preserved")
	_, headers := s.cb.request()
	s.Equal("203.0.113.9", headers.Get(HeaderRequesterIP))
}

func (s *VerifierSuite) TestOnlyExact204Verifies() {
	for _, status := range []int{http.StatusOK, http.StatusAccepted, http.StatusFound, http.StatusNotFound} {
		s.cb.answer(status)
		req := s.request(ModeSync)
		_, err := s.v.Submit(s.ctx, req)
		s.Equal(http.StatusConflict, hub.StatusOf(err), "status %d", status)
		s.Empty(s.state(req), "status %d", status)
	}
}

func (s *VerifierSuite) TestSyncFailureFallsBackToAsync() {
	s.cb.answer(http.StatusInternalServerError)
	req := s.request(ModeSync, ModeAsync)
	status, err := s.v.Submit(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(http.StatusAccepted, status)
	s.Equal(hub.StatePending, s.state(req))

	s.cb.answer(http.StatusNoContent)
	s.runQueued(req.Key())
	s.Equal(hub.StateActive, s.state(req))
	_, err = s.queue.Get(string(req.Key()))
	s.ErrorIs(err, hub.ErrNotFound)
}

func (s *VerifierSuite) TestAsyncExhaustionDropsPending() {
	s.cb.answer(http.StatusForbidden)
	req := s.request(ModeAsync)
	status, err := s.v.Submit(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(http.StatusAccepted, status)

	s.runQueued(req.Key())
	it, err := s.queue.Get(string(req.Key()))
	s.Require().NoError(err, "first failure is retried")
	s.Equal(1, it.Attempts)
	s.Equal(hub.StatePending, s.state(req))

	s.runQueued(req.Key())
	s.Empty(s.state(req))
	calls, _ := s.cb.seen()
	s.Equal(2, calls)
}

func (s *VerifierSuite) TestAsyncExhaustionKeepsActive() {
	req := s.request(ModeSync)
	_, err := s.v.Submit(s.ctx, req)
	s.Require().NoError(err)

	s.cb.answer(http.StatusGone)
	again := s.request(ModeAsync)
	again.VerifyToken = "new"
	_, err = s.v.Submit(s.ctx, again)
	s.Require().NoError(err)
	s.runQueued(req.Key())
	s.runQueued(req.Key())

	sub, err := s.subs.Get(s.ctx, req.Key())
	s.Require().NoError(err)
	s.Equal(hub.StateActive, sub.State)
	s.Equal("opaque-token", sub.VerifyToken)
}

func (s *VerifierSuite) TestReconfirmExhaustionExpires() {
	req := s.request(ModeSync)
	_, err := s.v.Submit(s.ctx, req)
	s.Require().NoError(err)
	sub, err := s.subs.Get(s.ctx, req.Key())
	s.Require().NoError(err)

	s.cb.answer(http.StatusNotFound)
	s.Require().NoError(s.v.Reconfirm(s.ctx, sub))
	s.runQueued(req.Key())
	s.runQueued(req.Key())
	s.Equal(hub.StateExpired, s.state(req))
}

func (s *VerifierSuite) TestUnsubscribe() {
	req := s.request(ModeSync)
	_, err := s.v.Submit(s.ctx, req)
	s.Require().NoError(err)

	unsub := s.request(ModeSync)
	unsub.Action = ActionUnsubscribe
	status, err := s.v.Submit(s.ctx, unsub)
	s.Require().NoError(err)
	s.Equal(http.StatusNoContent, status)
	s.Equal(hub.StateExpired, s.state(req))
	_, params := s.cb.seen()
	s.Equal("unsubverify", params.Get("hub.mode"))
	s.Empty(params.Get("hub.lease_seconds"))
}

func (s *VerifierSuite) TestUnsubscribeUnknownIsNoop() {
	unsub := s.request(ModeSync)
	unsub.Action = ActionUnsubscribe
	status, err := s.v.Submit(s.ctx, unsub)
	s.Require().NoError(err)
	s.Equal(http.StatusNoContent, status)
	calls, _ := s.cb.seen()
	s.Zero(calls)
}

func (s *VerifierSuite) TestTokenSubscriberSkipsCallback() {
	req := &Request{Action: ActionSubscribe, Topic: topic, Token: "nat-box", Modes: []Mode{ModeSync}}
	status, err := s.v.Submit(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(http.StatusNoContent, status)
	s.Equal(hub.StateActive, s.state(req))
	calls, _ := s.cb.seen()
	s.Zero(calls)
}

func (s *VerifierSuite) TestUnsupportedMode() {
	s.v.cfg.Supported = []Mode{ModeAsync}
	_, err := s.v.Submit(s.ctx, s.request(ModeSync))
	s.Equal(http.StatusNotImplemented, hub.StatusOf(err))
}

func (s *VerifierSuite) TestPostMethod() {
	s.v.cfg.Method = http.MethodPost
	req := s.request(ModeSync)
	_, err := s.v.Submit(s.ctx, req)
	s.Require().NoError(err)
	method, _ := s.cb.request()
	s.Equal(http.MethodPost, method)
	_, params := s.cb.seen()
	s.Equal("subverify", params.Get("hub.mode"))
}

func TestLeaseSeconds(t *testing.T) {
	v := New(nil, nil, DefaultConfig())
	assert.Equal(t, 5*24*3600, v.LeaseSeconds(0))
	assert.Equal(t, 600, v.LeaseSeconds(600))
	assert.Equal(t, 10*24*3600, v.LeaseSeconds(365*24*3600))
}

func TestSubmitValidates(t *testing.T) {
	v := New(nil, nil, DefaultConfig())
	_, err := v.Submit(context.Background(), &Request{Action: "watch", Topic: topic, Callback: "http://cb/"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, hub.StatusOf(err))
	_, err = v.Submit(context.Background(), &Request{Action: ActionSubscribe, Topic: topic})
	assert.Equal(t, http.StatusBadRequest, hub.StatusOf(err))
}
