package verify

import (
	"strings"

	"github.com/rzbill/pushhub/internal/hub"
)

// Mode is a verification mode a subscriber may ask for.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// ParseModes reads hub.verify values. Each value may itself be a
// comma-separated list; order is preference order and duplicates are
// dropped. An empty or unknown mode is a 400.
func ParseModes(values []string) ([]Mode, error) {
	var out []Mode
	seen := map[Mode]bool{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			m := Mode(strings.ToLower(strings.TrimSpace(part)))
			switch m {
			case ModeSync, ModeAsync:
			case "":
				continue
			default:
				return nil, hub.BadRequest("invalid hub.verify value %q", part)
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	if len(out) == 0 {
		return nil, hub.BadRequest("hub.verify is required")
	}
	return out, nil
}

// Plan is the outcome of negotiating modes: try First, and if it is sync and
// fails, fall back to async when AsyncFallback is set.
type Plan struct {
	First         Mode
	AsyncFallback bool
}

// Decide picks the first preferred mode the deployment supports.
//
//	prefs        supported    plan
//	sync         sync         sync
//	sync         async only  501
//	async        async        async
//	async,sync   sync only    sync (async unsupported, sync fallback)
//	sync,async   both         sync, then async on failure (202)
//	any          none match   501
func Decide(prefs []Mode, supported []Mode) (Plan, error) {
	ok := map[Mode]bool{}
	for _, m := range supported {
		ok[m] = true
	}
	for i, m := range prefs {
		if !ok[m] {
			continue
		}
		p := Plan{First: m}
		if m == ModeSync && ok[ModeAsync] {
			for _, later := range prefs[i+1:] {
				if later == ModeAsync {
					p.AsyncFallback = true
				}
			}
		}
		return p, nil
	}
	return Plan{}, hub.NotImplemented("no supported verification mode in %v", prefs)
}
