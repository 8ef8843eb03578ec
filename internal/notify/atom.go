package notify

import (
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rzbill/pushhub/internal/hub"
)

// ContentType is sent with every rendered notification.
const ContentType = "application/atom+xml"

const atomNS = "http://www.w3.org/2005/Atom"

type atomLink struct {
	Rel  string `xml:"rel,attr,omitempty"`
	Href string `xml:"href,attr"`
}

type atomText struct {
	Type string `xml:"type,attr,omitempty"`
	Body string `xml:",chardata"`
}

type atomSource struct {
	ID      string     `xml:"id"`
	Title   string     `xml:"title,omitempty"`
	Updated string     `xml:"updated"`
	Links   []atomLink `xml:"link"`
}

type atomEntry struct {
	ID      string      `xml:"id"`
	Title   string      `xml:"title"`
	Updated string      `xml:"updated"`
	Links   []atomLink  `xml:"link,omitempty"`
	Summary *atomText   `xml:"summary,omitempty"`
	Content *atomText   `xml:"content,omitempty"`
	Source  *atomSource `xml:"source,omitempty"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	NS      string      `xml:"xmlns,attr"`
	ID      string      `xml:"id"`
	Title   string      `xml:"title"`
	Updated string      `xml:"updated"`
	Links   []atomLink  `xml:"link"`
	Entries []atomEntry `xml:"entry"`
}

// Renderer turns deltas into Atom documents advertising hubURL.
type Renderer struct {
	HubURL string
}

// NewRenderer returns a renderer that links back to hubURL.
func NewRenderer(hubURL string) *Renderer { return &Renderer{HubURL: hubURL} }

// Render produces the notification for a single delta. The feed-level
// updated element is the delta's boundary time, so a subscriber comparing
// successive notifications can detect a gap.
func (r *Renderer) Render(d *hub.Delta) ([]byte, error) {
	if d == nil {
		return nil, errors.New("notify: nil delta")
	}
	f := atomFeed{
		NS:      atomNS,
		ID:      d.Topic,
		Title:   d.FeedTitle,
		Updated: stamp(boundary(d)),
		Links:   r.feedLinks(d),
	}
	if f.Title == "" {
		f.Title = d.Topic
	}
	for _, e := range d.NewEntries {
		f.Entries = append(f.Entries, entry(e, nil))
	}
	for _, e := range d.ContextEntries {
		f.Entries = append(f.Entries, entry(e, nil))
	}
	return marshal(f)
}

// RenderMixed batches deltas from several topics into one document. Each
// entry names its topic in a source element; the feed-level updated is the
// oldest boundary in the batch.
func (r *Renderer) RenderMixed(deltas []*hub.Delta) ([]byte, error) {
	if len(deltas) == 0 {
		return nil, errors.New("notify: empty batch")
	}
	if len(deltas) == 1 {
		return r.Render(deltas[0])
	}
	oldest := boundary(deltas[0])
	for _, d := range deltas[1:] {
		if b := boundary(d); b.Before(oldest) {
			oldest = b
		}
	}
	f := atomFeed{
		NS:      atomNS,
		ID:      "urn:pushhub:batch:" + deltas[0].ID,
		Title:   fmt.Sprintf("%d notifications", len(deltas)),
		Updated: stamp(oldest),
	}
	if r.HubURL != "" {
		f.Links = append(f.Links, atomLink{Rel: "hub", Href: r.HubURL})
	}
	for _, d := range deltas {
		src := &atomSource{ID: d.Topic, Title: d.FeedTitle, Updated: stamp(boundary(d)), Links: r.feedLinks(d)}
		for _, e := range d.NewEntries {
			f.Entries = append(f.Entries, entry(e, src))
		}
		for _, e := range d.ContextEntries {
			f.Entries = append(f.Entries, entry(e, src))
		}
	}
	return marshal(f)
}

func (r *Renderer) feedLinks(d *hub.Delta) []atomLink {
	links := []atomLink{{Rel: "self", Href: d.Topic}}
	if d.DelegateURL != "" {
		links = append(links, atomLink{Rel: "hub.delegate", Href: d.DelegateURL})
	}
	if r.HubURL != "" {
		links = append(links, atomLink{Rel: "hub", Href: r.HubURL})
	}
	return links
}

func entry(e hub.EntrySummary, src *atomSource) atomEntry {
	out := atomEntry{ID: e.ID, Title: e.Title, Updated: stamp(e.Updated), Source: src}
	if e.Link != "" {
		out.Links = []atomLink{{Rel: "alternate", Href: e.Link}}
	}
	switch e.Mode {
	case hub.ContentMetadata:
	case hub.ContentSummary:
		if e.Content != "" {
			out.Summary = &atomText{Type: "html", Body: e.Content}
		}
	default:
		if e.Content != "" {
			out.Content = &atomText{Type: "html", Body: e.Content}
		}
	}
	return out
}

// boundary falls back to the entries themselves for deltas built before the
// boundary was recorded.
func boundary(d *hub.Delta) time.Time {
	if !d.BoundaryTime.IsZero() {
		return d.BoundaryTime
	}
	return hub.MinUpdated(d.NewEntries)
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func marshal(f atomFeed) ([]byte, error) {
	body, err := xml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal atom: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Topics lists the distinct topics of a batch in first-seen order.
func Topics(deltas []*hub.Delta) []string {
	seen := make(map[string]int, len(deltas))
	for i, d := range deltas {
		if _, ok := seen[d.Topic]; !ok {
			seen[d.Topic] = i
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return seen[out[i]] < seen[out[j]] })
	return out
}
