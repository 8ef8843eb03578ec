package transports

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPTransport implements HubTransport over the hub's HTTP API.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport targets the hub at base (e.g. http://127.0.0.1:8080).
func NewHTTPTransport(base string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{base: strings.TrimRight(base, "/"), client: client}
}

// Subscribe posts the subscribe form.
func (t *HTTPTransport) Subscribe(ctx context.Context, req SubscribeRequest) (int, error) {
	form := url.Values{
		"hub.mode":  {req.Mode},
		"hub.topic": req.Topics,
	}
	set := func(k, v string) {
		if v != "" {
			form.Set(k, v)
		}
	}
	set("hub.callback", req.Callback)
	set("hub.token", req.Token)
	set("hub.verify_token", req.VerifyToken)
	if len(req.Verify) > 0 {
		form.Set("hub.verify", strings.Join(req.Verify, ","))
	}
	if req.LeaseSeconds > 0 {
		form.Set("hub.lease_seconds", strconv.Itoa(req.LeaseSeconds))
	}
	if req.Big {
		form.Set("hub.big", "1")
	}
	if req.Mixed {
		form.Set("hub.mixed", "1")
	}
	resp, err := t.postForm(ctx, "/subscribe", form)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := check(resp); err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// Publish pings the hub for urls.
func (t *HTTPTransport) Publish(ctx context.Context, urls []string) error {
	resp, err := t.postForm(ctx, "/publish", url.Values{"hub.mode": {"publish"}, "hub.url": urls})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return check(resp)
}

// Poll lists pending notifications of token.
func (t *HTTPTransport) Poll(ctx context.Context, token string, max int) ([]Message, error) {
	q := url.Values{"hub.token": {token}}
	if max > 0 {
		q.Set("hub.max", strconv.Itoa(max))
	}
	body, err := t.get(ctx, "/poll?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return out.Messages, nil
}

// Ack deletes acknowledged notifications.
func (t *HTTPTransport) Ack(ctx context.Context, token string, ids []string) (int, error) {
	resp, err := t.postForm(ctx, "/poll", url.Values{"hub.token": {token}, "hub.ack": ids})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := check(resp); err != nil {
		return 0, err
	}
	var out struct {
		Acked int `json:"acked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode ack response: %w", err)
	}
	return out.Acked, nil
}

// TopicStats fetches the stats document of a topic.
func (t *HTTPTransport) TopicStats(ctx context.Context, topic string) ([]byte, error) {
	return t.get(ctx, "/v1/topics?"+url.Values{"url": {topic}}.Encode())
}

// Abandoned fetches the abandoned-delivery listing.
func (t *HTTPTransport) Abandoned(ctx context.Context, since time.Time, limit int) ([]byte, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return t.get(ctx, "/v1/abandoned?"+q.Encode())
}

func (t *HTTPTransport) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.client.Do(req)
}

func (t *HTTPTransport) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := check(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// check turns a non-2xx answer into a StatusError carrying the hub's
// {"error": ...} message.
func check(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}
