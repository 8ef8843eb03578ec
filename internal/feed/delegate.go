package feed

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// scanHead reads the feed head up to the first entry or item and returns
// the href of a rel="hub.delegate" link and the Atom feed-level <id>.
func scanHead(body []byte) (delegate, atomID string) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	var stack []string
	for {
		tok, err := dec.Token()
		if err != nil {
			return delegate, atomID
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.StartElement:
			switch t.Name.Local {
			case "entry", "item":
				return delegate, atomID
			case "id":
				if len(stack) == 1 && stack[0] == "feed" && atomID == "" {
					var text string
					if err := dec.DecodeElement(&text, &t); err != nil {
						return delegate, atomID
					}
					atomID = strings.TrimSpace(text)
					continue
				}
			case "link":
				if delegate == "" {
					var rel, href string
					for _, a := range t.Attr {
						switch a.Name.Local {
						case "rel":
							rel = a.Value
						case "href":
							href = a.Value
						}
					}
					if strings.EqualFold(strings.TrimSpace(rel), "hub.delegate") && href != "" {
						delegate = strings.TrimSpace(href)
					}
				}
			}
			stack = append(stack, t.Name.Local)
		}
	}
}
