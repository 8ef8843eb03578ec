package topics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

const (
	prefixTopic    = "hub/topic/"
	prefixDelegate = "hub/delegate/"
	prefixIdentity = "hub/feedid/"
)

// MaxAliases bounds alias expansion; a feed identity claimed by more topics
// than this is not expanded at all.
const MaxAliases = 25

func topicKey(url string) []byte    { return []byte(prefixTopic + url) }
func delegateKey(url string) []byte { return []byte(prefixDelegate + url) }

func identityPrefix(feedID string) []byte { return []byte(prefixIdentity + feedID + "\x00") }
func identityKey(feedID, url string) []byte {
	return append(identityPrefix(feedID), url...)
}

// addrLockKey serializes every write that touches the shared topic/delegate
// address space.
var addrLockKey = []byte("hub/addr-lock")

// Store persists topics and the delegate association.
type Store struct {
	db  *pebblestore.DB
	now func() time.Time
}

// NewStore returns a Store over db.
func NewStore(db *pebblestore.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get loads a topic by canonical URL.
func (s *Store) Get(ctx context.Context, url string) (*hub.Topic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var t hub.Topic
	if err := s.db.GetJSON(topicKey(url), &t); err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, hub.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Ensure returns the topic for url, creating it when unknown. A URL already
// registered as a delegate is rejected.
func (s *Store) Ensure(ctx context.Context, url string) (*hub.Topic, bool, error) {
	if t, err := s.Get(ctx, url); err == nil {
		return t, false, nil
	} else if !errors.Is(err, hub.ErrNotFound) {
		return nil, false, err
	}

	unlock := s.db.Lock(addrLockKey)
	defer unlock()
	if t, err := s.Get(ctx, url); err == nil {
		return t, false, nil
	}
	if ok, err := s.db.Has(delegateKey(url)); err != nil {
		return nil, false, err
	} else if ok {
		return nil, false, hub.BadRequest("%s is registered as a delegate, not a topic", url)
	}
	t := &hub.Topic{URL: url, CreatedAt: s.now().UTC()}
	if err := s.put(ctx, t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// RegisterDelegate associates delegateURL with topicURL. It fails with a
// RequestError, leaving state untouched, when delegateURL is a known topic,
// topicURL is a known delegate, or delegateURL already serves another topic.
func (s *Store) RegisterDelegate(ctx context.Context, topicURL, delegateURL string) error {
	unlock := s.db.Lock(addrLockKey, topicKey(topicURL))
	defer unlock()

	if topicURL == delegateURL {
		return hub.BadRequest("delegate of %s must differ from the topic", topicURL)
	}
	if ok, err := s.db.Has(topicKey(delegateURL)); err != nil {
		return err
	} else if ok {
		return hub.BadRequest("%s is already registered as a topic", delegateURL)
	}
	if ok, err := s.db.Has(delegateKey(topicURL)); err != nil {
		return err
	} else if ok {
		return hub.BadRequest("%s is already registered as a delegate", topicURL)
	}
	if owner, err := s.db.Get(delegateKey(delegateURL)); err == nil {
		if string(owner) == topicURL {
			return nil
		}
		return hub.BadRequest("%s already delegates for %s", delegateURL, owner)
	} else if !pebblestore.IsNotFound(err) {
		return err
	}

	t, err := s.Get(ctx, topicURL)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if t.DelegateURL != "" {
		if err := b.Delete(delegateKey(t.DelegateURL), nil); err != nil {
			return err
		}
	}
	t.DelegateURL = delegateURL
	if err := pebblestore.SetJSON(b, topicKey(topicURL), t); err != nil {
		return err
	}
	if err := b.Set(delegateKey(delegateURL), []byte(topicURL), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Resolve maps a topic or delegate URL to its topic. The bool reports
// whether url was a delegate.
func (s *Store) Resolve(ctx context.Context, url string) (string, bool, error) {
	if ok, err := s.db.Has(topicKey(url)); err != nil {
		return "", false, err
	} else if ok {
		return url, false, nil
	}
	owner, err := s.db.Get(delegateKey(url))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return "", false, hub.ErrNotFound
		}
		return "", false, err
	}
	return string(owner), true, ctx.Err()
}

// Update applies fn to the stored topic under its key lock and persists the
// result. Returning an error from fn aborts without writing.
func (s *Store) Update(ctx context.Context, url string, fn func(*hub.Topic) error) (*hub.Topic, error) {
	return s.UpdateWith(ctx, url, nil, func(t *hub.Topic, _ *pebble.Batch) error { return fn(t) })
}

// UpdateWith is Update where fn may stage further writes into the batch
// that persists the topic, so both commit together. locks are held along
// with the topic key until the commit.
func (s *Store) UpdateWith(ctx context.Context, url string, locks [][]byte, fn func(*hub.Topic, *pebble.Batch) error) (*hub.Topic, error) {
	unlock := s.db.Lock(append([][]byte{topicKey(url)}, locks...)...)
	defer unlock()
	t, err := s.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := fn(t, b); err != nil {
		return nil, err
	}
	if err := pebblestore.SetJSON(b, topicKey(t.URL), t); err != nil {
		return nil, fmt.Errorf("encode topic: %w", err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordFetchFailure bumps the failure counter and defers the next poll by
// backoff(failures). The digest cache is left as last known good.
func (s *Store) RecordFetchFailure(ctx context.Context, url string, cause error, backoff func(failures int) time.Duration) (int, time.Time, error) {
	var (
		failures int
		retryAt  time.Time
	)
	_, err := s.Update(ctx, url, func(t *hub.Topic) error {
		t.FetchFailures++
		t.LastFetchError = cause.Error()
		failures = t.FetchFailures
		retryAt = s.now().Add(backoff(failures)).UTC()
		t.NextPollAt = retryAt
		return nil
	})
	return failures, retryAt, err
}

// SetIdentity records feedID as t's feed identity within b, moving t from
// its previous identity's alias set. An empty feedID only clears the old
// one.
func (s *Store) SetIdentity(b *pebble.Batch, t *hub.Topic, feedID string) error {
	if t.FeedID == feedID {
		return nil
	}
	if t.FeedID != "" {
		if err := b.Delete(identityKey(t.FeedID, t.URL), nil); err != nil {
			return err
		}
	}
	if feedID != "" {
		if err := b.Set(identityKey(feedID, t.URL), nil, nil); err != nil {
			return err
		}
	}
	t.FeedID = feedID
	return nil
}

// Aliases lists the other topics whose feeds carry the same identity as
// url. Nothing is returned for topics without a recorded identity, or when
// the identity has more than MaxAliases topics.
func (s *Store) Aliases(ctx context.Context, url string) ([]string, error) {
	t, err := s.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if t.FeedID == "" {
		return nil, nil
	}
	prefix := identityPrefix(t.FeedID)
	var out []string
	total := 0
	err = s.db.Scan(prefix, nil, func(k, _ []byte) (bool, error) {
		total++
		if alias := string(k[len(prefix):]); alias != url {
			out = append(out, alias)
		}
		return total <= MaxAliases, ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	if total > MaxAliases {
		return nil, nil
	}
	return out, nil
}

// List returns up to limit topics with URL > after, in URL order, and the
// URL to resume from (empty when exhausted).
func (s *Store) List(ctx context.Context, after string, limit int) ([]*hub.Topic, string, error) {
	var start []byte
	if after != "" {
		start = append(topicKey(after), 0)
	}
	var out []*hub.Topic
	err := s.db.Scan([]byte(prefixTopic), start, func(_, value []byte) (bool, error) {
		var t hub.Topic
		if err := json.Unmarshal(value, &t); err != nil {
			return false, err
		}
		out = append(out, &t)
		return limit <= 0 || len(out) < limit, ctx.Err()
	})
	if err != nil {
		return nil, "", err
	}
	next := ""
	if limit > 0 && len(out) == limit {
		next = out[len(out)-1].URL
	}
	return out, next, nil
}

func (s *Store) put(ctx context.Context, t *hub.Topic) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetJSON(b, topicKey(t.URL), t); err != nil {
		return fmt.Errorf("encode topic: %w", err)
	}
	return s.db.CommitBatch(ctx, b)
}
