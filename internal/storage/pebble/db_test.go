package pebblestore

import (
	"context"
	"sync"
	"testing"
	"time"
)

type countingMetrics struct {
	mu       sync.Mutex
	written  int
	read     int
	commits  int
	batchLen int
}

func (m *countingMetrics) ObserveWrite(_ time.Duration, bytes int) {
	m.mu.Lock()
	m.written += bytes
	m.mu.Unlock()
}

func (m *countingMetrics) ObserveRead(_ time.Duration, bytes int) {
	m.mu.Lock()
	m.read += bytes
	m.mu.Unlock()
}

func (m *countingMetrics) ObserveBatchCommit(_ time.Duration, _ int, bytes int) {
	m.mu.Lock()
	m.commits++
	m.batchLen += bytes
	m.mu.Unlock()
}

func openDB(t *testing.T, mode FsyncMode) (*DB, *countingMetrics) {
	t.Helper()
	m := &countingMetrics{}
	db, err := Open(Options{DataDir: t.TempDir(), Fsync: mode, FsyncInterval: 2 * time.Millisecond, Metrics: m})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, m
}

func TestSetGetDeleteRecordsMetrics(t *testing.T) {
	db, m := openDB(t, FsyncModeAlways)
	key := []byte("hub/topic/http://example.com/feed")
	if err := db.Set(key, []byte(`{"url":"http://example.com/feed"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, err := db.Has(key); err != nil || !ok {
		t.Fatalf("has: %v %v", ok, err)
	}
	if _, err := db.Get(key); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := db.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(key); !IsNotFound(err) {
		t.Fatalf("get after delete: %v", err)
	}
	if ok, _ := db.Has(key); ok {
		t.Fatalf("key survived delete")
	}
	if m.written == 0 || m.read == 0 || m.commits < 2 {
		t.Fatalf("metrics not recorded: %+v", m)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	db, _ := openDB(t, FsyncModeNever)
	if err := db.Set([]byte("k"), []byte("abc")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, _ := db.Get([]byte("k"))
	v[0] = 'z'
	again, _ := db.Get([]byte("k"))
	if string(again) != "abc" {
		t.Fatalf("stored value mutated through Get: %q", again)
	}
}

type record struct {
	URL      string   `json:"url"`
	Failures int      `json:"failures"`
	Digests  []string `json:"digests"`
}

func TestJSONCodecInBatch(t *testing.T) {
	db, m := openDB(t, FsyncModeInterval)
	b := db.NewBatch()
	in := record{URL: "http://example.com/feed", Failures: 2, Digests: []string{"a", "b"}}
	if err := SetJSON(b, []byte("rec/1"), in); err != nil {
		t.Fatalf("set json: %v", err)
	}
	if err := SetJSON(b, []byte("rec/2"), record{URL: "other"}); err != nil {
		t.Fatalf("set json: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()
	if m.commits != 1 || m.batchLen <= 0 {
		t.Fatalf("batch metrics: %+v", m)
	}

	var out record
	if err := db.GetJSON([]byte("rec/1"), &out); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if out.URL != in.URL || out.Failures != 2 || len(out.Digests) != 2 {
		t.Fatalf("decoded %+v", out)
	}
	if err := db.GetJSON([]byte("rec/404"), &out); !IsNotFound(err) {
		t.Fatalf("missing key: %v", err)
	}
}

func TestCommitBatchHonorsContext(t *testing.T) {
	db, _ := openDB(t, FsyncModeNever)
	b := db.NewBatch()
	defer b.Close()
	_ = b.Set([]byte("k"), []byte("v"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := db.CommitBatch(ctx, b); err == nil {
		t.Fatalf("commit with cancelled context should fail")
	}
	if ok, _ := db.Has([]byte("k")); ok {
		t.Fatalf("cancelled batch was applied")
	}
	if err := db.CommitBatch(context.Background(), nil); err == nil {
		t.Fatalf("nil batch should fail")
	}
}

func TestScanResumesAndStops(t *testing.T) {
	db, _ := openDB(t, FsyncModeNever)
	for _, k := range []string{"sub/a/1", "sub/a/2", "sub/a/3", "sub/b/1"} {
		if err := db.Set([]byte(k), []byte("v")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	var got []string
	err := db.Scan([]byte("sub/a/"), []byte("sub/a/2"), func(k, _ []byte) (bool, error) {
		got = append(got, string(k))
		return true, nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 || got[0] != "sub/a/2" || got[1] != "sub/a/3" {
		t.Fatalf("scan from start key: %v", got)
	}

	got = got[:0]
	_ = db.Scan([]byte("sub/"), nil, func(k, _ []byte) (bool, error) {
		got = append(got, string(k))
		return len(got) < 2, nil
	})
	if len(got) != 2 {
		t.Fatalf("scan should stop after fn returns false: %v", got)
	}

	if n, err := db.CountPrefix([]byte("sub/a/"), 0); err != nil || n != 3 {
		t.Fatalf("count: %d %v", n, err)
	}
	if n, _ := db.CountPrefix([]byte("sub/"), 2); n != 2 {
		t.Fatalf("bounded count: %d", n)
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("ab"), []byte("ac")},
		{[]byte{'a', 0xff}, []byte("b")},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, c := range cases {
		if got := PrefixEnd(c.in); string(got) != string(c.want) || (c.want == nil) != (got == nil) {
			t.Fatalf("PrefixEnd(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLockSerializesReadModifyWrite(t *testing.T) {
	db, _ := openDB(t, FsyncModeNever)
	key := []byte("counter")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := db.Lock(key)
			defer unlock()
			v, _ := db.Get(key)
			if err := db.Set(key, append(v, 'x')); err != nil {
				t.Errorf("set: %v", err)
			}
		}()
	}
	wg.Wait()
	if v, _ := db.Get(key); len(v) != 8 {
		t.Fatalf("lost update: %q", v)
	}
}

func TestLockRepeatedKeysDoNotDeadlock(t *testing.T) {
	db, _ := openDB(t, FsyncModeNever)
	unlock := db.Lock([]byte("topic"), []byte("delegate"), []byte("topic"))
	unlock()
	db.Lock([]byte("topic"))()
}

func TestParseFsyncMode(t *testing.T) {
	for in, want := range map[string]FsyncMode{"always": FsyncModeAlways, "interval": FsyncModeInterval, "never": FsyncModeNever} {
		if m, err := ParseFsyncMode(in); err != nil || m != want {
			t.Fatalf("%s: %v %v", in, m, err)
		}
	}
	if _, err := ParseFsyncMode("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}
