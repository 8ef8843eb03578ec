package feed

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
	"github.com/zeebo/xxh3"

	"github.com/rzbill/pushhub/internal/hub"
)

// Entry is one feed entry reduced to what the diff needs.
type Entry struct {
	ID      string
	Title   string
	Link    string
	Summary string
	Content string
	// Updated is zero when the feed carries no usable timestamp.
	Updated time.Time
	Digest  uint64
}

// Document is a parsed feed.
type Document struct {
	Title       string
	Entries     []Entry
	DelegateURL string
	// Identity names the feed independent of the URL it was fetched from:
	// the Atom feed id, or the RSS channel link.
	Identity string
}

// Parse reads an Atom, RSS or JSON feed. Entries without an id fall back to
// their link, then to their digest.
func Parse(body []byte) (*Document, error) {
	f, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	delegate, atomID := scanHead(body)
	doc := &Document{Title: f.Title, DelegateURL: delegate}
	switch f.FeedType {
	case "atom":
		doc.Identity = atomID
	case "rss":
		doc.Identity = strings.TrimSpace(f.Link)
	}
	seen := make(map[string]struct{}, len(f.Items))
	for _, it := range f.Items {
		if it == nil {
			continue
		}
		e := Entry{
			ID:      strings.TrimSpace(it.GUID),
			Title:   it.Title,
			Link:    it.Link,
			Summary: it.Description,
			Content: it.Content,
		}
		stamp := it.Updated
		switch {
		case it.UpdatedParsed != nil:
			e.Updated = it.UpdatedParsed.UTC()
		case it.PublishedParsed != nil:
			e.Updated = it.PublishedParsed.UTC()
			stamp = it.Published
		}
		e.Digest = digest(e, stamp)
		if e.ID == "" {
			e.ID = e.Link
		}
		if e.ID == "" {
			e.ID = "digest:" + strconv.FormatUint(e.Digest, 16)
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		doc.Entries = append(doc.Entries, e)
	}
	return doc, nil
}

// digest hashes the entry content and the raw timestamp string, so a
// missing timestamp never makes the digest depend on fetch time.
func digest(e Entry, stamp string) uint64 {
	h := xxh3.New()
	for _, s := range []string{e.ID, e.Title, e.Link, e.Summary, e.Content, stamp} {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Summarize renders e for a Delta in the given content mode.
func (e Entry) Summarize(mode hub.ContentMode, summaryLen int) hub.EntrySummary {
	s := hub.EntrySummary{ID: e.ID, Title: e.Title, Link: e.Link, Updated: e.Updated, Mode: mode}
	switch mode {
	case hub.ContentMetadata:
	case hub.ContentSummary:
		text := e.Summary
		if text == "" {
			text = e.Content
		}
		s.Content = truncate(text, summaryLen)
	default:
		s.Mode = hub.ContentFull
		s.Content = e.Content
		if s.Content == "" {
			s.Content = e.Summary
		}
	}
	return s
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
