package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/notify"
)

// HeaderDeltaID names the delivered delta(s); a mixed payload lists them
// comma-separated.
const HeaderDeltaID = "X-Hub-Delta-Id"

// Notification is one outbound delivery.
type Notification struct {
	Callback string
	Topics   []string
	DeltaIDs []string
	// Body is nil for bodiless pings.
	Body []byte
}

// Deliverer sends a notification to a subscriber callback.
type Deliverer interface {
	Deliver(ctx context.Context, n *Notification) error
}

// HTTPDeliverer POSTs notifications. Only 200 and 204 count as success.
type HTTPDeliverer struct {
	client    *http.Client
	hubURL    string
	userAgent string
}

// NewHTTPDeliverer builds the deliverer described by cfg.
func NewHTTPDeliverer(cfg Config) *HTTPDeliverer {
	c := &http.Client{Timeout: cfg.Timeout}
	if !cfg.FollowRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	return &HTTPDeliverer{client: c, hubURL: cfg.HubURL, userAgent: cfg.UserAgent}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, n *Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Callback, bytes.NewReader(n.Body))
	if err != nil {
		return &hub.DeliveryFailure{Callback: n.Callback, Err: err}
	}
	if n.Body != nil {
		req.Header.Set("Content-Type", notify.ContentType)
	}
	for _, t := range n.Topics {
		req.Header.Add("Link", fmt.Sprintf("<%s>; rel=\"self\"", t))
	}
	if d.hubURL != "" {
		req.Header.Add("Link", fmt.Sprintf("<%s>; rel=\"hub\"", d.hubURL))
	}
	req.Header.Set(HeaderDeltaID, strings.Join(n.DeltaIDs, ","))
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return &hub.DeliveryFailure{Callback: n.Callback, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &hub.DeliveryFailure{Callback: n.Callback, Status: resp.StatusCode}
	}
	return nil
}
