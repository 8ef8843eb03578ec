package deltaqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

// Record is a queued delta plus its fan-out progress.
type Record struct {
	Delta hub.Delta `json:"delta"`
	// FanoutDone is set once every eligible subscriber has been handed a
	// delivery (succeeded, or parked as outstanding).
	FanoutDone bool `json:"fanout_done"`
	// Watermark is the subscriber page cursor reached by an interrupted
	// fan-out; resuming starts after it.
	Watermark  string `json:"watermark,omitempty"`
	AppendedMs int64  `json:"appended_ms"`
}

// Queue is the durable per-topic FIFO of deltas awaiting dispatch.
type Queue struct {
	db *pebblestore.DB

	mu       sync.Mutex
	notifyCh chan struct{}
	now      func() time.Time
}

// Open returns the delta queue stored in db.
func Open(db *pebblestore.DB) *Queue {
	return &Queue{db: db, notifyCh: make(chan struct{}), now: time.Now}
}

// Append assigns the next per-topic sequence to d and stores it. The topic
// is flagged ready for dispatch in the same batch.
func (q *Queue) Append(ctx context.Context, d *hub.Delta) (uint64, error) {
	unlock := q.db.Lock(LockKey(d.Topic))
	defer unlock()

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.Stage(b, d.Topic, []*hub.Delta{d}); err != nil {
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	q.notify()
	return d.Seq, nil
}

// LockKey is the key serializing appends to topic. Callers staging deltas
// into their own batch hold it until the batch commits.
func LockKey(topic string) []byte { return keyMeta(topic) }

// Stage writes ds, all of topic, into b with consecutive sequences, along
// with the sequence meta and the ready flag. The caller holds LockKey(topic)
// until b commits and then calls Notify. Nothing is visible before commit.
func (q *Queue) Stage(b *pebble.Batch, topic string, ds []*hub.Delta) error {
	var last uint64
	if meta, err := q.db.Get(keyMeta(topic)); err == nil && len(meta) >= 8 {
		last = binary.BigEndian.Uint64(meta[:8])
	} else if err != nil && !pebblestore.IsNotFound(err) {
		return err
	}
	appended := q.now().UnixMilli()
	for _, d := range ds {
		if d.Topic != topic {
			return fmt.Errorf("delta %s belongs to %s, not %s", d.ID, d.Topic, topic)
		}
		last++
		d.Seq = last
		rec := Record{Delta: *d, AppendedMs: appended}
		if err := pebblestore.SetJSON(b, keyEntry(topic, d.Seq), &rec); err != nil {
			return fmt.Errorf("encode delta: %w", err)
		}
	}
	if err := b.Set(keyMeta(topic), appendBE8(nil, last), nil); err != nil {
		return err
	}
	return b.Set(keyReady(topic), nil, nil)
}

// Notify wakes WaitForAppend callers after a staged batch committed.
func (q *Queue) Notify() { q.notify() }

func (q *Queue) notify() {
	q.mu.Lock()
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	q.mu.Unlock()
}

// WaitForAppend blocks until a new append occurs, ctx ends or timeout
// elapses. It returns true if woken by an append.
func (q *Queue) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	q.mu.Lock()
	ch := q.notifyCh
	q.mu.Unlock()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Get loads the record at seq.
func (q *Queue) Get(ctx context.Context, topic string, seq uint64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec Record
	if err := q.db.GetJSON(keyEntry(topic, seq), &rec); err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, hub.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Head returns the oldest delta of topic whose fan-out has not completed,
// or hub.ErrNotFound.
func (q *Queue) Head(ctx context.Context, topic string) (*Record, error) {
	recs, err := q.Records(ctx, topic, q.Cursor(topic), 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, hub.ErrNotFound
	}
	return recs[0], nil
}

// Records returns up to limit deltas of topic with seq > afterSeq, in order.
func (q *Queue) Records(ctx context.Context, topic string, afterSeq uint64, limit int) ([]*Record, error) {
	var start []byte
	if afterSeq > 0 {
		start = keyEntry(topic, afterSeq+1)
	}
	var out []*Record
	err := q.db.Scan(entryPrefix(topic), start, func(_, v []byte) (bool, error) {
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return false, err
		}
		out = append(out, &rec)
		return limit <= 0 || len(out) < limit, ctx.Err()
	})
	return out, err
}

// SaveWatermark records fan-out progress for the delta at seq.
func (q *Queue) SaveWatermark(ctx context.Context, topic string, seq uint64, watermark string) error {
	return q.update(ctx, topic, seq, func(r *Record) { r.Watermark = watermark })
}

// MarkFanoutDone flags the delta at seq as fully handed off and advances
// the dispatch cursor past it.
func (q *Queue) MarkFanoutDone(ctx context.Context, topic string, seq uint64) error {
	if err := q.update(ctx, topic, seq, func(r *Record) { r.FanoutDone = true }); err != nil {
		return err
	}
	return q.CommitCursor(topic, seq)
}

func (q *Queue) update(ctx context.Context, topic string, seq uint64, fn func(*Record)) error {
	key := keyEntry(topic, seq)
	unlock := q.db.Lock(key)
	defer unlock()
	rec, err := q.Get(ctx, topic, seq)
	if err != nil {
		return err
	}
	fn(rec)
	b := q.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetJSON(b, key, rec); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// CommitCursor stores the dispatch cursor for topic. A lower seq than the
// stored one is ignored.
func (q *Queue) CommitCursor(topic string, seq uint64) error {
	key := keyCursor(topic)
	unlock := q.db.Lock(key)
	defer unlock()
	if cur, err := q.db.Get(key); err == nil && len(cur) >= 8 {
		if seq <= binary.BigEndian.Uint64(cur[:8]) {
			return nil
		}
	}
	return q.db.Set(key, appendBE8(nil, seq))
}

// Cursor returns the last seq whose fan-out completed (0 if none).
func (q *Queue) Cursor(topic string) uint64 {
	cur, err := q.db.Get(keyCursor(topic))
	if err != nil || len(cur) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(cur[:8])
}

// AddOutstanding marks a (delta, subscription) delivery as not yet terminal.
func (q *Queue) AddOutstanding(ctx context.Context, topic string, seq uint64, sub hub.SubKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Set(keyOut(topic, seq, string(sub)), nil)
}

// ResolveOutstanding clears the marker once the delivery reached a terminal
// outcome.
func (q *Queue) ResolveOutstanding(ctx context.Context, topic string, seq uint64, sub hub.SubKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.db.Delete(keyOut(topic, seq, string(sub)))
}

// OutstandingCount counts non-terminal deliveries of the delta at seq.
func (q *Queue) OutstandingCount(topic string, seq uint64) (int, error) {
	return q.db.CountPrefix(outPrefix(topic, seq), 0)
}

// TryRetire deletes the delta at seq when its fan-out is done and no
// delivery is outstanding. It reports whether the delta was retired.
func (q *Queue) TryRetire(ctx context.Context, topic string, seq uint64) (bool, error) {
	key := keyEntry(topic, seq)
	unlock := q.db.Lock(key)
	defer unlock()
	rec, err := q.Get(ctx, topic, seq)
	if err != nil {
		return false, err
	}
	if !rec.FanoutDone {
		return false, nil
	}
	n, err := q.OutstandingCount(topic, seq)
	if err != nil || n > 0 {
		return false, err
	}
	if err := q.db.Delete(key); err != nil {
		return false, err
	}
	return true, nil
}

// ReadyTopics lists up to limit topics that may have undispatched deltas.
func (q *Queue) ReadyTopics(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := q.db.Scan(readySeg, nil, func(k, _ []byte) (bool, error) {
		out = append(out, string(k[len(readySeg):]))
		return limit <= 0 || len(out) < limit, ctx.Err()
	})
	return out, err
}

// ClearReady drops the ready flag of topic unless an undispatched delta
// remains. Serialized against Append so a concurrent append is never lost.
func (q *Queue) ClearReady(ctx context.Context, topic string) (bool, error) {
	unlock := q.db.Lock(keyMeta(topic))
	defer unlock()
	if _, err := q.Head(ctx, topic); err == nil {
		return false, nil
	} else if !errors.Is(err, hub.ErrNotFound) {
		return false, err
	}
	return true, q.db.Delete(keyReady(topic))
}

// Depth counts deltas still stored for topic.
func (q *Queue) Depth(topic string) (int, error) {
	return q.db.CountPrefix(entryPrefix(topic), 0)
}
