package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

func newPebbleStore(t *testing.T) *PebbleStore {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPebbleStore(db)
}

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func pending(topic, callback, token string) *hub.Subscription {
	return &hub.Subscription{
		Topic:          topic,
		Callback:       callback,
		Token:          token,
		State:          hub.StatePending,
		LeaseExpiresAt: baseTime,
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
}

// runStoreConformance exercises the Store contract; both backends run it.
func runStoreConformance(t *testing.T, s Store) {
	ctx := context.Background()
	topic := "http://pub.example/feed"

	t.Run("pending is never active", func(t *testing.T) {
		sub := pending(topic, "http://sub.example/pending", "")
		require.NoError(t, s.Put(ctx, sub))
		page, _, err := s.ActivePage(ctx, topic, "", 10, baseTime)
		require.NoError(t, err)
		for _, p := range page {
			assert.NotEqual(t, sub.Key(), p.Key())
		}
		ok, err := HasActive(ctx, s, topic, baseTime)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("activate grants lease", func(t *testing.T) {
		key := hub.NewSubKey(topic, "http://sub.example/pending", "")
		sub, err := s.Activate(ctx, key, 3600, baseTime)
		require.NoError(t, err)
		assert.Equal(t, hub.StateActive, sub.State)
		assert.True(t, sub.LeaseExpiresAt.Equal(baseTime.Add(time.Hour)))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.Eligible(baseTime))
		assert.False(t, got.Eligible(baseTime.Add(2*time.Hour)))
	})

	t.Run("pages cover every active subscriber once", func(t *testing.T) {
		for i := 0; i < 7; i++ {
			sub := pending(topic, fmt.Sprintf("http://sub.example/%02d", i), "")
			require.NoError(t, s.Put(ctx, sub))
			_, err := s.Activate(ctx, sub.Key(), 3600, baseTime)
			require.NoError(t, err)
		}
		tok := pending(topic, "", "tok-1")
		require.NoError(t, s.Put(ctx, tok))
		_, err := s.Activate(ctx, tok.Key(), 3600, baseTime)
		require.NoError(t, err)

		seen := map[hub.SubKey]int{}
		pages := 0
		err = ForEachActive(ctx, s, topic, "", 3, baseTime, func(page []*hub.Subscription, _ string) error {
			pages++
			assert.LessOrEqual(t, len(page), 3)
			for _, p := range page {
				seen[p.Key()]++
			}
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 9)
		for k, n := range seen {
			assert.Equal(t, 1, n, "subscriber %q seen %d times", k, n)
		}
		assert.GreaterOrEqual(t, pages, 3)

		n, err := s.CountActive(ctx, topic, baseTime, 0)
		require.NoError(t, err)
		assert.Equal(t, 9, n)
	})

	t.Run("delivery cursor never regresses", func(t *testing.T) {
		key := hub.NewSubKey(topic, "http://sub.example/00", "")
		moved, err := s.AdvanceDeliveryCursor(ctx, key, "0002")
		require.NoError(t, err)
		assert.True(t, moved)
		moved, err = s.AdvanceDeliveryCursor(ctx, key, "0001")
		require.NoError(t, err)
		assert.False(t, moved)
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "0002", got.DeliveryCursor)
	})

	t.Run("expire removes from resolution", func(t *testing.T) {
		key := hub.NewSubKey(topic, "http://sub.example/01", "")
		require.NoError(t, s.Expire(ctx, key, baseTime))
		n, err := s.CountActive(ctx, topic, baseTime, 0)
		require.NoError(t, err)
		assert.Equal(t, 8, n)
	})

	t.Run("delete", func(t *testing.T) {
		key := hub.NewSubKey(topic, "http://sub.example/02", "")
		require.NoError(t, s.Delete(ctx, key))
		_, err := s.Get(ctx, key)
		assert.True(t, errors.Is(err, hub.ErrNotFound))
	})

	t.Run("scan pages all states", func(t *testing.T) {
		var all []*hub.Subscription
		var after hub.SubKey
		for {
			page, next, err := s.Scan(ctx, after, 4)
			require.NoError(t, err)
			all = append(all, page...)
			if next == "" {
				break
			}
			after = next
		}
		// 9 created, one deleted
		assert.Len(t, all, 8)
	})
}

func TestPebbleStoreConformance(t *testing.T) {
	runStoreConformance(t, newPebbleStore(t))
}

func TestPebbleActivePageSkipsOtherTopics(t *testing.T) {
	s := newPebbleStore(t)
	ctx := context.Background()
	for _, topic := range []string{"http://a/", "http://a/x", "http://b/"} {
		sub := pending(topic, "http://cb/", "")
		require.NoError(t, s.Put(ctx, sub))
		_, err := s.Activate(ctx, sub.Key(), 60, baseTime)
		require.NoError(t, err)
	}
	page, next, err := s.ActivePage(ctx, "http://a/", "", 10, baseTime)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, page, 1)
	assert.Equal(t, "http://a/", page[0].Topic)
}
