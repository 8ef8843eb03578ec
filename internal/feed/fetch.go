package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rzbill/pushhub/internal/hub"
)

// HeaderOnBehalfOf carries the subscriber count hint on feed fetches.
const HeaderOnBehalfOf = "X-Hub-On-Behalf-Of"

const maxFeedBytes = 16 << 20

// Response is a fetched feed body.
type Response struct {
	Body        []byte
	ContentType string
	// FinalURL is the URL after redirects.
	FinalURL string
}

// Fetcher retrieves a feed document.
type Fetcher interface {
	Fetch(ctx context.Context, url string, subscribers int) (*Response, error)
}

// HTTPFetcher fetches feeds with a plain GET.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	noHint    bool
}

var errTooManyRedirects = errors.New("too many redirects")

// NewHTTPFetcher builds a fetcher that follows at most maxRedirects
// redirects and gives up after timeout.
func NewHTTPFetcher(timeout time.Duration, maxRedirects int, userAgent string) *HTTPFetcher {
	c := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}
	return &HTTPFetcher{client: c, userAgent: userAgent}
}

// WithoutSubscriberHint stops sending the subscriber count to publishers.
func (f *HTTPFetcher) WithoutSubscriberHint() *HTTPFetcher {
	f.noHint = true
	return f
}

// Fetch GETs url. Any transport error, non-2xx status or oversized body is
// returned as a *hub.FetchFailure.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, subscribers int) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &hub.FetchFailure{Topic: url, Err: err}
	}
	req.Header.Set("Accept", "application/atom+xml, application/rss+xml, application/feed+json, application/xml;q=0.9, */*;q=0.5")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if subscribers > 0 && !f.noHint {
		req.Header.Set(HeaderOnBehalfOf, strconv.Itoa(subscribers))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &hub.FetchFailure{Topic: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &hub.FetchFailure{Topic: url, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, &hub.FetchFailure{Topic: url, Status: resp.StatusCode, Err: err}
	}
	if len(body) > maxFeedBytes {
		return nil, &hub.FetchFailure{Topic: url, Status: resp.StatusCode, Err: fmt.Errorf("feed exceeds %d bytes", maxFeedBytes)}
	}
	return &Response{Body: body, ContentType: resp.Header.Get("Content-Type"), FinalURL: resp.Request.URL.String()}, nil
}
