package pebblestore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/zeebo/xxh3"
)

// FsyncMode controls WAL durability of committed batches.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every commit.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble group WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a sync from the application.
	FsyncModeNever
)

// ParseFsyncMode maps always|interval|never to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "always", "":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	}
	return FsyncModeUnspecified, errors.New("pebble: fsync must be always|interval|never")
}

// Options configures Open.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions overrides engine tuning; nil uses Pebble defaults.
	PebbleOptions *pebble.Options
	Metrics       MetricsHook
}

// MetricsHook observes storage latencies and sizes.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

const lockStripes = 256

// DB wraps a Pebble instance with an fsync policy, iteration helpers and
// striped key locks for read-modify-write sequences.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
	locks     [lockStripes]sync.Mutex
}

// Open creates or opens the database in opts.DataDir.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		iv := opts.FsyncInterval
		if iv <= 0 {
			iv = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return iv }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}
	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = NoopMetrics{}
	}
	return &DB{inner: inner, writeSync: opts.Fsync == FsyncModeAlways, metrics: m}, nil
}

func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// IsNotFound reports whether err is Pebble's not-found error.
func IsNotFound(err error) bool { return errors.Is(err, pebble.ErrNotFound) }

func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch commits b honoring the fsync policy.
func (db *DB) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	ops, size := int(b.Count()), b.Len()
	opt := pebble.NoSync
	if db.writeSync {
		opt = pebble.Sync
	}
	err := b.Commit(opt)
	db.metrics.ObserveBatchCommit(time.Since(start), ops, size)
	return err
}

func (db *DB) Set(key, value []byte) error {
	start := time.Now()
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	err := db.CommitBatch(context.Background(), b)
	db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return err
}

func (db *DB) Delete(key []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Get returns a copy of the value stored at key.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(out))
	return out, nil
}

// Has reports whether key exists.
func (db *DB) Has(key []byte) (bool, error) {
	_, closer, err := db.inner.Get(key)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// Lock serializes read-modify-write sequences on one or more keys within
// this process. Stripes are taken in ascending order so callers holding
// several keys cannot deadlock each other. The returned func releases them.
func (db *DB) Lock(keys ...[]byte) func() {
	if len(keys) == 1 {
		mu := &db.locks[xxh3.Hash(keys[0])%lockStripes]
		mu.Lock()
		return mu.Unlock
	}
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, int(xxh3.Hash(k)%lockStripes))
	}
	sort.Ints(idx)
	held := make([]int, 0, len(idx))
	for i, n := range idx {
		if i > 0 && n == idx[i-1] {
			continue
		}
		held = append(held, n)
	}
	for _, n := range held {
		db.locks[n].Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			db.locks[held[i]].Unlock()
		}
	}
}
