package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/rzbill/pushhub/internal/config"
	"github.com/rzbill/pushhub/internal/dispatch"
	"github.com/rzbill/pushhub/internal/metrics"
	"github.com/rzbill/pushhub/internal/runtime"
	hubsvc "github.com/rzbill/pushhub/internal/services/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>News</title><id>urn:news</id><updated>2026-01-01T00:00:00Z</updated>
<entry><id>urn:news:1</id><title>First story</title><updated>2026-01-01T00:00:00Z</updated><content>body</content></entry>
</feed>`

type fixture struct {
	rt  *runtime.Runtime
	srv *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = t.TempDir()
	rt, err := runtime.Open(runtime.Options{Config: cfg, Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	prom := metrics.NewPrometheus("pushhub")
	return &fixture{rt: rt, srv: New(hubsvc.FromRuntime(rt, nil), prom.Handler(), nil)}
}

func (f *fixture) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

// callbackServer confirms verification and records the requester hint.
type callbackServer struct {
	mu          sync.Mutex
	requesterIP string
}

func (c *callbackServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.requesterIP = r.Header.Get("X-Hub-Requester-IP")
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/v1/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestMetricsHandler(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSubscribeSyncVerified(t *testing.T) {
	f := newFixture(t)
	cb := &callbackServer{}
	sub := httptest.NewServer(cb)
	defer sub.Close()

	w := f.do(http.MethodPost, "/subscribe", url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {sub.URL + "/cb"},
		"hub.topic":    {"http://example.com/feed"},
		"hub.verify":   {"sync,async"},
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	cb.mu.Lock()
	assert.Equal(t, "203.0.113.7", cb.requesterIP)
	cb.mu.Unlock()

	w = f.do(http.MethodGet, "/v1/topics?url="+url.QueryEscape("http://example.com/feed"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats hubsvc.TopicStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, "http://example.com/feed", stats.URL)
	assert.Equal(t, 1, stats.Subscribers)
}

func TestSubscribeAsyncAccepted(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/subscribe", url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {"http://subscriber.example/cb"},
		"hub.topic":    {"http://example.com/feed"},
		"hub.verify":   {"async"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestSubscribeRejections(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		form url.Values
		want int
	}{
		{"bad verify", url.Values{"hub.mode": {"subscribe"}, "hub.callback": {"http://s.example/cb"}, "hub.topic": {"http://example.com/feed"}, "hub.verify": {"later"}}, http.StatusBadRequest},
		{"missing topic", url.Values{"hub.mode": {"subscribe"}, "hub.callback": {"http://s.example/cb"}, "hub.verify": {"sync"}}, http.StatusBadRequest},
		{"bad mode", url.Values{"hub.mode": {"watch"}}, http.StatusBadRequest},
		{"bad lease", url.Values{"hub.mode": {"subscribe"}, "hub.token": {"t"}, "hub.topic": {"http://example.com/feed"}, "hub.lease_seconds": {"soon"}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/subscribe", tc.form)
			assert.Equal(t, tc.want, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/subscribe", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/publish", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodDelete, "/poll", nil).Code)
}

func TestPublishHandler(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/publish", url.Values{"hub.mode": {"ping"}, "hub.url": {"http://example.com/feed"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/publish", url.Values{"hub.mode": {"publish"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/publish", url.Values{"hub.mode": {"publish"}, "hub.url": {"http://example.com/feed", "http://example.com/feed"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestUnknownTopicStats(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/topics?url=http://nowhere.example/", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/topics", nil).Code)
}

func TestAbandonedListing(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/v1/abandoned?limit=5&since=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"abandoned"`)
}

func TestPollRequiresToken(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/poll", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/poll", url.Values{"hub.token": {"abc"}}).Code)
}

func TestTokenSubscriberPollsAndAcks(t *testing.T) {
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = io.WriteString(w, atomFeed)
	}))
	defer publisher.Close()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rt.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	topic := publisher.URL + "/feed"
	w := f.do(http.MethodPost, "/subscribe", url.Values{
		"hub.mode":  {"subscribe"},
		"hub.token": {"tok-1"},
		"hub.topic": {topic},
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/publish", url.Values{"hub.mode": {"publish"}, "hub.url": {topic}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	var polled struct {
		Messages []*dispatch.Message `json:"messages"`
	}
	require.Eventually(t, func() bool {
		w := f.do(http.MethodGet, "/poll?hub.token=tok-1&hub.max=10", nil)
		if w.Code != http.StatusOK {
			return false
		}
		polled.Messages = nil
		return json.NewDecoder(w.Body).Decode(&polled) == nil && len(polled.Messages) == 1
	}, 10*time.Second, 20*time.Millisecond)
	msg := polled.Messages[0]
	assert.Equal(t, topic, msg.Topic)
	assert.Contains(t, msg.Payload, "First story")

	w = f.do(http.MethodPost, "/poll", url.Values{"hub.token": {"tok-1"}, "hub.ack": {msg.ID}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"acked":1}`, w.Body.String())

	w = f.do(http.MethodGet, "/poll?hub.token=tok-1", nil)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())
}

// recordingCallback confirms verification and keeps every notification.
type recordingCallback struct {
	mu       sync.Mutex
	bodies   []string
	deltaIDs []string
}

func (c *recordingCallback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, string(b))
		c.deltaIDs = append(c.deltaIDs, r.Header.Get(dispatch.HeaderDeltaID))
		c.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *recordingCallback) received() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...), append([]string(nil), c.deltaIDs...)
}

func TestCallbackAndTokenShareDelta(t *testing.T) {
	const twoEntries = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>News</title><id>urn:news</id><updated>2026-03-01T00:00:00Z</updated>
<entry><id>urn:news:2</id><title>Second story</title><updated>2026-01-02T00:00:00Z</updated><content>two</content></entry>
<entry><id>urn:news:1</id><title>First story</title><updated>2026-01-01T00:00:00Z</updated><content>one</content></entry>
</feed>`
	publisher := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = io.WriteString(w, twoEntries)
	}))
	defer publisher.Close()
	cb := &recordingCallback{}
	callback := httptest.NewServer(cb)
	defer callback.Close()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rt.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	topic := publisher.URL + "/feed"
	w := f.do(http.MethodPost, "/subscribe", url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {callback.URL + "/cb"},
		"hub.topic":    {topic},
		"hub.verify":   {"sync"},
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = f.do(http.MethodPost, "/subscribe", url.Values{
		"hub.mode":  {"subscribe"},
		"hub.token": {"tok-mixed"},
		"hub.topic": {topic},
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/publish", url.Values{"hub.mode": {"publish"}, "hub.url": {topic}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		bodies, _ := cb.received()
		return len(bodies) == 1
	}, 10*time.Second, 20*time.Millisecond)
	var polled struct {
		Messages []*dispatch.Message `json:"messages"`
	}
	require.Eventually(t, func() bool {
		w := f.do(http.MethodGet, "/poll?hub.token=tok-mixed&hub.max=10", nil)
		polled.Messages = nil
		return w.Code == http.StatusOK && json.NewDecoder(w.Body).Decode(&polled) == nil && len(polled.Messages) == 1
	}, 10*time.Second, 20*time.Millisecond)

	bodies, deltaIDs := cb.received()
	head := bodies[0][:strings.Index(bodies[0], "<entry")]
	assert.Contains(t, head, "<updated>2026-01-01T00:00:00Z</updated>", "feed updated is the oldest new entry")
	assert.Contains(t, bodies[0], "First story")
	assert.Contains(t, bodies[0], "Second story")

	msg := polled.Messages[0]
	assert.Equal(t, deltaIDs[0], msg.DeltaID, "both subscribers see the same delta")
	assert.Equal(t, bodies[0], msg.Payload)

	time.Sleep(100 * time.Millisecond)
	bodies, _ = cb.received()
	assert.Len(t, bodies, 1, "one delta, one delivery")
}
