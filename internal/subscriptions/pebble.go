package subscriptions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

const prefixSub = "hub/sub/"

func subKey(k hub.SubKey) []byte { return []byte(prefixSub + string(k)) }

func topicPrefix(topic string) []byte { return []byte(prefixSub + topic + "\x00") }

// PebbleStore keeps subscriptions in pebble keyed by
// hub/sub/{topic}\x00{c:callback|t:token}, so one topic's subscribers form a
// contiguous ordered range.
type PebbleStore struct {
	db *pebblestore.DB
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore returns a Store over db.
func NewPebbleStore(db *pebblestore.DB) *PebbleStore { return &PebbleStore{db: db} }

func (s *PebbleStore) Get(ctx context.Context, key hub.SubKey) (*hub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sub hub.Subscription
	if err := s.db.GetJSON(subKey(key), &sub); err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, hub.ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *PebbleStore) Put(ctx context.Context, sub *hub.Subscription) error {
	unlock := s.db.Lock(subKey(sub.Key()))
	defer unlock()
	return s.put(ctx, sub)
}

func (s *PebbleStore) put(ctx context.Context, sub *hub.Subscription) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetJSON(b, subKey(sub.Key()), sub); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

func (s *PebbleStore) Delete(ctx context.Context, key hub.SubKey) error {
	unlock := s.db.Lock(subKey(key))
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete(subKey(key))
}

func (s *PebbleStore) update(ctx context.Context, key hub.SubKey, fn func(*hub.Subscription) (bool, error)) (*hub.Subscription, error) {
	unlock := s.db.Lock(subKey(key))
	defer unlock()
	sub, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	write, err := fn(sub)
	if err != nil || !write {
		return sub, err
	}
	return sub, s.put(ctx, sub)
}

func (s *PebbleStore) Activate(ctx context.Context, key hub.SubKey, leaseSeconds int, now time.Time) (*hub.Subscription, error) {
	return s.update(ctx, key, func(sub *hub.Subscription) (bool, error) {
		activate(sub, leaseSeconds, now)
		return true, nil
	})
}

func (s *PebbleStore) Expire(ctx context.Context, key hub.SubKey, now time.Time) error {
	_, err := s.update(ctx, key, func(sub *hub.Subscription) (bool, error) {
		sub.State = hub.StateExpired
		sub.UpdatedAt = now.UTC()
		return true, nil
	})
	return err
}

func (s *PebbleStore) AdvanceDeliveryCursor(ctx context.Context, key hub.SubKey, deltaID string) (bool, error) {
	moved := false
	_, err := s.update(ctx, key, func(sub *hub.Subscription) (bool, error) {
		if sub.DeliveryCursor >= deltaID {
			return false, nil
		}
		sub.DeliveryCursor = deltaID
		moved = true
		return true, nil
	})
	return moved, err
}

func (s *PebbleStore) ActivePage(ctx context.Context, topic, cursor string, limit int, now time.Time) ([]*hub.Subscription, string, error) {
	prefix := topicPrefix(topic)
	var start []byte
	if cursor != "" {
		start = append(append(append([]byte(nil), prefix...), cursor...), 0)
	}
	var (
		out  []*hub.Subscription
		last string
		more bool
	)
	err := s.db.Scan(prefix, start, func(key, value []byte) (bool, error) {
		if limit > 0 && len(out) == limit {
			more = true
			return false, nil
		}
		last = string(key[len(prefix):])
		var sub hub.Subscription
		if err := json.Unmarshal(value, &sub); err != nil {
			return false, err
		}
		if sub.Eligible(now) {
			out = append(out, &sub)
		}
		return true, ctx.Err()
	})
	if err != nil {
		return nil, "", err
	}
	if !more {
		return out, "", nil
	}
	return out, last, nil
}

func (s *PebbleStore) CountActive(ctx context.Context, topic string, now time.Time, max int) (int, error) {
	n := 0
	err := s.db.Scan(topicPrefix(topic), nil, func(_, value []byte) (bool, error) {
		var sub hub.Subscription
		if err := json.Unmarshal(value, &sub); err != nil {
			return false, err
		}
		if sub.Eligible(now) {
			n++
		}
		return max <= 0 || n < max, ctx.Err()
	})
	return n, err
}

func (s *PebbleStore) Scan(ctx context.Context, after hub.SubKey, limit int) ([]*hub.Subscription, hub.SubKey, error) {
	var start []byte
	if after != "" {
		start = append(subKey(after), 0)
	}
	var out []*hub.Subscription
	err := s.db.Scan([]byte(prefixSub), start, func(_, value []byte) (bool, error) {
		var sub hub.Subscription
		if err := json.Unmarshal(value, &sub); err != nil {
			return false, err
		}
		out = append(out, &sub)
		return limit <= 0 || len(out) < limit, ctx.Err()
	})
	if err != nil {
		return nil, "", err
	}
	var next hub.SubKey
	if limit > 0 && len(out) == limit {
		next = out[len(out)-1].Key()
	}
	return out, next, nil
}

func activate(sub *hub.Subscription, leaseSeconds int, now time.Time) {
	sub.State = hub.StateActive
	sub.LeaseSeconds = leaseSeconds
	sub.LeaseExpiresAt = now.Add(time.Duration(leaseSeconds) * time.Second).UTC()
	sub.UpdatedAt = now.UTC()
}
