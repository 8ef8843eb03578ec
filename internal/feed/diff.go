package feed

import (
	"sort"
	"time"

	"github.com/rzbill/pushhub/internal/hub"
)

// DiffOptions bounds the digest cache and the context window.
type DiffOptions struct {
	CacheSize   int
	ContextSize int
}

// Result is the outcome of comparing a document with a topic's cache.
type Result struct {
	// Changed holds new or modified entries in document order.
	Changed []Entry
	// Context holds unchanged cached entries older than Boundary, newest
	// first.
	Context  []Entry
	Boundary time.Time
	// Digests and Horizon are the topic's cache after this poll.
	Digests []hub.EntryDigest
	Horizon time.Time
}

// Empty reports a no-op poll.
func (r *Result) Empty() bool { return len(r.Changed) == 0 }

// Diff compares entries with the topic's cached digests. Entries missing a
// timestamp take the cached one, or polledAt when never seen. An uncached
// entry not newer than the cache horizon was evicted earlier and counts as
// seen.
func Diff(t *hub.Topic, entries []Entry, polledAt time.Time, opts DiffOptions) Result {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10
	}
	if opts.ContextSize < 0 {
		opts.ContextSize = 0
	}
	cached := make(map[string]hub.EntryDigest, len(t.Digests))
	for _, d := range t.Digests {
		cached[d.ID] = d
	}

	var res Result
	unchanged := make([]Entry, 0, len(entries))
	inDoc := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		prev, known := cached[e.ID]
		if e.Updated.IsZero() {
			if known {
				e.Updated = prev.Updated
			} else {
				e.Updated = polledAt.UTC()
			}
		}
		inDoc[e.ID] = struct{}{}
		switch {
		case known && prev.Digest == e.Digest:
			unchanged = append(unchanged, e)
		case !known && !t.Horizon.IsZero() && !e.Updated.After(t.Horizon):
			// taken as evicted, so an entry first published with a
			// timestamp at or before the horizon is never reported
		default:
			res.Changed = append(res.Changed, e)
		}
	}

	if len(res.Changed) > 0 {
		res.Boundary = res.Changed[0].Updated
		for _, e := range res.Changed[1:] {
			if e.Updated.Before(res.Boundary) {
				res.Boundary = e.Updated
			}
		}
		for _, e := range unchanged {
			if e.Updated.Before(res.Boundary) {
				res.Context = append(res.Context, e)
			}
		}
		sortNewestFirst(res.Context)
		if len(res.Context) > opts.ContextSize {
			res.Context = res.Context[:opts.ContextSize]
		}
	}

	// Rebuild the cache from this document plus still-cached entries that
	// dropped out of it, keeping the newest CacheSize.
	merged := make([]hub.EntryDigest, 0, len(entries)+len(t.Digests))
	for _, e := range res.Changed {
		merged = append(merged, hub.EntryDigest{ID: e.ID, Updated: e.Updated, Digest: e.Digest})
	}
	for _, e := range unchanged {
		merged = append(merged, hub.EntryDigest{ID: e.ID, Updated: e.Updated, Digest: e.Digest})
	}
	for _, d := range t.Digests {
		if _, ok := inDoc[d.ID]; !ok {
			merged = append(merged, d)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Updated.Equal(merged[j].Updated) {
			return merged[i].Updated.After(merged[j].Updated)
		}
		return merged[i].ID < merged[j].ID
	})
	res.Horizon = t.Horizon
	if len(merged) > opts.CacheSize {
		for _, d := range merged[opts.CacheSize:] {
			if d.Updated.After(res.Horizon) {
				res.Horizon = d.Updated
			}
		}
		merged = merged[:opts.CacheSize]
	}
	res.Digests = merged
	return res
}

func sortNewestFirst(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool { return es[i].Updated.After(es[j].Updated) })
}

// Split breaks changed entries into chunks of at most max, in document
// order. Each chunk gets its own boundary and the context entries older
// than it.
func Split(res Result, max int) []Result {
	if max <= 0 || len(res.Changed) <= max {
		return []Result{res}
	}
	var out []Result
	for start := 0; start < len(res.Changed); start += max {
		end := start + max
		if end > len(res.Changed) {
			end = len(res.Changed)
		}
		part := Result{Changed: res.Changed[start:end], Digests: res.Digests, Horizon: res.Horizon}
		part.Boundary = part.Changed[0].Updated
		for _, e := range part.Changed[1:] {
			if e.Updated.Before(part.Boundary) {
				part.Boundary = e.Updated
			}
		}
		for _, c := range res.Context {
			if c.Updated.Before(part.Boundary) {
				part.Context = append(part.Context, c)
			}
		}
		out = append(out, part)
	}
	return out
}
