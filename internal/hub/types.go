package hub

import (
	"strings"
	"time"
)

// SubscriptionState is the lifecycle state of a subscription.
type SubscriptionState string

const (
	StatePending SubscriptionState = "pending_verification"
	StateActive  SubscriptionState = "active"
	StateExpired SubscriptionState = "expired"
)

// ContentMode selects how much of an entry a Delta carries.
type ContentMode string

const (
	ContentFull     ContentMode = "full"
	ContentSummary  ContentMode = "summary"
	ContentMetadata ContentMode = "metadata"
)

// EntryDigest is one cached (id, updated, digest) triple of a topic.
type EntryDigest struct {
	ID      string    `json:"id"`
	Updated time.Time `json:"updated"`
	Digest  uint64    `json:"digest"`
}

// Topic is a known feed URL and the state of its last poll.
type Topic struct {
	URL         string `json:"url"`
	DelegateURL string `json:"delegate_url,omitempty"`
	// Digests holds the most recent entries, newest first.
	Digests []EntryDigest `json:"digests,omitempty"`
	// Horizon is the updated time of the oldest entry evicted from Digests.
	// Uncached entries older than it are treated as already seen.
	Horizon        time.Time `json:"horizon,omitempty"`
	LastPolledAt   time.Time `json:"last_polled_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	FetchFailures  int       `json:"fetch_failures,omitempty"`
	LastFetchError string    `json:"last_fetch_error,omitempty"`
	// NextPollAt is set while a fetch backoff is in force.
	NextPollAt  time.Time `json:"next_poll_at,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Title       string    `json:"title,omitempty"`
	// LastDeltaID orders delta IDs within the topic.
	LastDeltaID string `json:"last_delta_id,omitempty"`
	// FeedID is the identity the feed document declares; topics sharing
	// one are aliases of the same feed.
	FeedID string `json:"feed_id,omitempty"`
}

// FetchURL is the URL the fetcher should GET for this topic.
func (t *Topic) FetchURL() string {
	if t.DelegateURL != "" {
		return t.DelegateURL
	}
	return t.URL
}

// Subscription binds a callback URL or a subscriber token to a topic.
type Subscription struct {
	Topic string `json:"topic"`
	// Exactly one of Callback and Token is set.
	Callback       string            `json:"callback,omitempty"`
	Token          string            `json:"token,omitempty"`
	State          SubscriptionState `json:"state"`
	VerifyToken    string            `json:"verify_token,omitempty"`
	LeaseSeconds   int               `json:"lease_seconds"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	// DeliveryCursor is the highest delta ID confirmed for this subscription.
	DeliveryCursor string    `json:"delivery_cursor,omitempty"`
	BigSubscriber  bool      `json:"big_subscriber,omitempty"`
	MixedPayload   bool      `json:"mixed_payload,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Key is the storage identity of the subscription.
func (s *Subscription) Key() SubKey { return NewSubKey(s.Topic, s.Callback, s.Token) }

// IsToken reports whether the subscriber is reached by polling.
func (s *Subscription) IsToken() bool { return s.Token != "" }

// Eligible reports whether the subscription may receive deliveries at now.
func (s *Subscription) Eligible(now time.Time) bool {
	return s.State == StateActive && s.LeaseExpiresAt.After(now)
}

// Delivered reports whether deltaID is at or below the delivery cursor.
func (s *Subscription) Delivered(deltaID string) bool {
	return s.DeliveryCursor != "" && deltaID <= s.DeliveryCursor
}

// SubKey identifies a subscription: (topic, callback) or (topic, token).
type SubKey string

const (
	subSep      = "\x00"
	callbackTag = "c:"
	tokenTag    = "t:"
)

// NewSubKey builds a key; a non-empty token wins over callback.
func NewSubKey(topic, callback, token string) SubKey {
	if token != "" {
		return SubKey(topic + subSep + tokenTag + token)
	}
	return SubKey(topic + subSep + callbackTag + callback)
}

// Topic returns the topic component.
func (k SubKey) Topic() string {
	t, _, _ := strings.Cut(string(k), subSep)
	return t
}

// Target returns the callback URL or token and whether it is a token.
func (k SubKey) Target() (string, bool) {
	_, rest, _ := strings.Cut(string(k), subSep)
	if strings.HasPrefix(rest, tokenTag) {
		return rest[len(tokenTag):], true
	}
	return strings.TrimPrefix(rest, callbackTag), false
}

// Suffix is the part after the topic, used as the pagination position
// within one topic.
func (k SubKey) Suffix() string {
	_, rest, _ := strings.Cut(string(k), subSep)
	return rest
}

// EntrySummary is one entry as carried in a Delta.
type EntrySummary struct {
	ID      string      `json:"id"`
	Title   string      `json:"title,omitempty"`
	Link    string      `json:"link,omitempty"`
	Updated time.Time   `json:"updated"`
	Content string      `json:"content,omitempty"`
	Mode    ContentMode `json:"mode"`
}

// Delta is the notification unit produced by one poll of a topic.
type Delta struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	DelegateURL string `json:"delegate_url,omitempty"`
	// Seq is the position in the topic's delta queue.
	Seq            uint64         `json:"seq"`
	FeedTitle      string         `json:"feed_title,omitempty"`
	NewEntries     []EntrySummary `json:"new_entries"`
	ContextEntries []EntrySummary `json:"context_entries,omitempty"`
	// BoundaryTime is the oldest updated time among NewEntries.
	BoundaryTime time.Time `json:"boundary_time"`
	PolledAt     time.Time `json:"polled_at"`
}

// MinUpdated returns the earliest Updated among entries.
func MinUpdated(entries []EntrySummary) time.Time {
	var min time.Time
	for i, e := range entries {
		if i == 0 || e.Updated.Before(min) {
			min = e.Updated
		}
	}
	return min
}
