package workqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return Open(db, "q")
}

func TestEnqueueCoalesces(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	coalesced, err := q.Enqueue(ctx, "topic-a", nil, 0, 1000)
	if err != nil || coalesced {
		t.Fatalf("first enqueue coalesced=%v err=%v", coalesced, err)
	}
	coalesced, err = q.Enqueue(ctx, "topic-a", nil, 0, 1001)
	if err != nil || !coalesced {
		t.Fatalf("second enqueue coalesced=%v err=%v", coalesced, err)
	}
	n, _ := q.Len(ctx)
	if n != 1 {
		t.Fatalf("len=%d", n)
	}
	items, err := q.Dequeue(ctx, "w", 10, 1000, 1002)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
}

func TestEarlierReadyTimeWins(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, "k", nil, 500, 1000)
	if items, _ := q.Dequeue(ctx, "w", 10, 1000, 1100); len(items) != 0 {
		t.Fatalf("item ready too early")
	}
	_, _ = q.Enqueue(ctx, "k", nil, 0, 1100)
	if items, _ := q.Dequeue(ctx, "w", 10, 1000, 1100); len(items) != 1 {
		t.Fatalf("coalesced enqueue did not advance ready time")
	}
}

func TestEnqueueWhileLeasedReruns(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, "k", []byte("v1"), 0, 1000)
	items, _ := q.Dequeue(ctx, "w", 1, 1000, 1000)
	if len(items) != 1 {
		t.Fatalf("dequeue")
	}
	// ping during processing
	_, _ = q.Enqueue(ctx, "k", []byte("v2"), 0, 1100)
	// and another: still only one follow-up
	_, _ = q.Enqueue(ctx, "k", []byte("v3"), 0, 1150)
	if again, _ := q.Dequeue(ctx, "w2", 1, 1000, 1200); len(again) != 0 {
		t.Fatalf("leased key handed out twice")
	}
	if err := q.Complete(ctx, "k", "w", 1300); err != nil {
		t.Fatalf("complete: %v", err)
	}
	items, _ = q.Dequeue(ctx, "w", 10, 1000, 1300)
	if len(items) != 1 || string(items[0].Payload) != "v3" {
		t.Fatalf("rerun not scheduled: %+v", items)
	}
	if err := q.Complete(ctx, "k", "w", 1400); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := q.Get("k"); !errors.Is(err, hub.ErrNotFound) {
		t.Fatalf("item not removed: %v", err)
	}
}

func TestReplacedPayloadStartsFresh(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, "k", []byte("v1"), 0, 1000)
	_, _ = q.Dequeue(ctx, "w", 1, 1000, 1000)
	if n, err := q.Retry(ctx, "k", "w", 500, errors.New("boom"), 1100); err != nil || n != 1 {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}

	// the same payload keeps its history
	_, _ = q.Enqueue(ctx, "k", []byte("v1"), 0, 1200)
	if it, _ := q.Get("k"); it.Attempts != 1 {
		t.Fatalf("attempts reset by identical payload: %+v", it)
	}
	// a new one does not inherit it
	_, _ = q.Enqueue(ctx, "k", []byte("v2"), 0, 1200)
	it, _ := q.Get("k")
	if it.Attempts != 0 || it.LastError != "" || string(it.Payload) != "v2" {
		t.Fatalf("replaced payload inherited attempts: %+v", it)
	}

	// replaced while leased: the failure is charged to v2, v3 starts at zero
	_, _ = q.Dequeue(ctx, "w", 1, 1000, 1300)
	_, _ = q.Enqueue(ctx, "k", []byte("v3"), 0, 1350)
	if _, err := q.Retry(ctx, "k", "w", 60000, errors.New("boom"), 1400); err != nil {
		t.Fatalf("retry: %v", err)
	}
	it, _ = q.Get("k")
	if it.Attempts != 0 || string(it.Payload) != "v3" || it.ReadyAtMs != 1400 {
		t.Fatalf("rerun payload inherited attempts: %+v", it)
	}
	items, _ := q.Dequeue(ctx, "w", 1, 1000, 1400)
	if len(items) != 1 || string(items[0].Payload) != "v3" {
		t.Fatalf("rerun not ready at once: %+v", items)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, "k", []byte("p"), 0, 1000)
	now := int64(1000)
	for i := 1; i <= 3; i++ {
		items, _ := q.Dequeue(ctx, "w", 1, 1000, now)
		if len(items) != 1 {
			t.Fatalf("attempt %d: no item", i)
		}
		attempts, err := q.Retry(ctx, "k", "w", 100, errors.New("boom"), now)
		if err != nil || attempts != i {
			t.Fatalf("retry attempts=%d err=%v", attempts, err)
		}
		if items, _ := q.Dequeue(ctx, "w", 1, 1000, now+50); len(items) != 0 {
			t.Fatalf("retry delay not honoured")
		}
		now += 100
	}
	items, _ := q.Dequeue(ctx, "w", 1, 1000, now)
	if len(items) != 1 {
		t.Fatalf("final attempt missing")
	}
	if err := q.DeadLetter(ctx, "k", "w", "retries exhausted", now); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dead, _, err := q.ListDead(ctx, "", 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("dead=%v err=%v", dead, err)
	}
	if dead[0].Attempts != 4 || dead[0].LastError != "boom" {
		t.Fatalf("dead letter %+v", dead[0])
	}
	if items, _ := q.Dequeue(ctx, "w", 1, 1000, now+10_000); len(items) != 0 {
		t.Fatalf("dead item still queued")
	}
	if n, _ := q.PurgeDead(ctx, now+1); n != 1 {
		t.Fatalf("purge n=%d", n)
	}
}

func TestSettleRequiresOwner(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, "k", nil, 0, 1000)
	_, _ = q.Dequeue(ctx, "w", 1, 1000, 1000)
	if err := q.Complete(ctx, "k", "intruder", 1001); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestReclaimExpired(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, "k", nil, 0, 1000)
	_, _ = q.Dequeue(ctx, "w", 1, 100, 1000)
	if n, _ := q.ReclaimExpired(ctx, 1050, 10); n != 0 {
		t.Fatalf("reclaimed live lease")
	}
	if err := q.ExtendLease(ctx, "k", "w", 500, 1050); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if n, _ := q.ReclaimExpired(ctx, 1200, 10); n != 0 {
		t.Fatalf("reclaimed extended lease")
	}
	n, err := q.ReclaimExpired(ctx, 1600, 10)
	if err != nil || n != 1 {
		t.Fatalf("reclaim n=%d err=%v", n, err)
	}
	items, _ := q.Dequeue(ctx, "w2", 1, 100, 1600)
	if len(items) != 1 || items[0].LeaseOwner != "w2" {
		t.Fatalf("reclaimed item not available: %+v", items)
	}
}
