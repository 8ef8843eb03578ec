package subscriptions

import (
	"context"
	"time"

	"github.com/rzbill/pushhub/internal/hub"
)

// Store is the durable record of subscriptions. Readers page through a
// topic's subscribers with an opaque cursor so any ordered backend can serve
// fan-out without loading the whole set.
type Store interface {
	Get(ctx context.Context, key hub.SubKey) (*hub.Subscription, error)
	// Put inserts or replaces a subscription record.
	Put(ctx context.Context, sub *hub.Subscription) error
	Delete(ctx context.Context, key hub.SubKey) error

	// Activate marks a verified subscription active with a fresh lease.
	Activate(ctx context.Context, key hub.SubKey, leaseSeconds int, now time.Time) (*hub.Subscription, error)
	// Expire moves a subscription to the expired state.
	Expire(ctx context.Context, key hub.SubKey, now time.Time) error
	// AdvanceDeliveryCursor raises the cursor to deltaID; it never lowers it.
	// The bool reports whether the cursor moved.
	AdvanceDeliveryCursor(ctx context.Context, key hub.SubKey, deltaID string) (bool, error)

	// ActivePage returns up to limit subscriptions of topic eligible at now,
	// positioned after cursor. The returned cursor is empty at the end.
	ActivePage(ctx context.Context, topic, cursor string, limit int, now time.Time) ([]*hub.Subscription, string, error)
	// CountActive counts eligible subscriptions, stopping at max when max > 0.
	CountActive(ctx context.Context, topic string, now time.Time, max int) (int, error)
	// Scan pages through every subscription regardless of state.
	Scan(ctx context.Context, after hub.SubKey, limit int) ([]*hub.Subscription, hub.SubKey, error)
}

// HasActive reports whether topic has at least one eligible subscriber.
func HasActive(ctx context.Context, s Store, topic string, now time.Time) (bool, error) {
	n, err := s.CountActive(ctx, topic, now, 1)
	return n > 0, err
}

// ForEachActive walks every eligible subscription of topic in pages of size
// batch, resuming from cursor. fn receives each page and the cursor that
// follows it.
func ForEachActive(ctx context.Context, s Store, topic, cursor string, batch int, now time.Time, fn func(page []*hub.Subscription, next string) error) error {
	for {
		page, next, err := s.ActivePage(ctx, topic, cursor, batch, now)
		if err != nil {
			return err
		}
		if len(page) > 0 {
			if err := fn(page, next); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}
