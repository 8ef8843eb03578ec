package dispatch

import (
	"time"

	"github.com/rzbill/pushhub/internal/retry"
)

// Config tunes delivery.
type Config struct {
	// BatchSize is both the subscriber page size and the number of
	// deliveries attempted in parallel.
	BatchSize int
	// Workers bounds how many topics drain concurrently.
	Workers int
	// PerHost caps in-flight deliveries to one callback host; zero
	// disables the cap.
	PerHost int
	Timeout time.Duration
	// Retry schedules failed deliveries; MaxAttempts counts the inline
	// attempt too.
	Retry retry.Policy
	// PushContent sends the Atom delta as the body; otherwise deliveries
	// are bodiless pings carrying only headers.
	PushContent bool
	// FollowRedirects treats a redirect as something to follow instead of
	// a failed delivery.
	FollowRedirects bool
	// BigBatch caps how many pending deltas one mixed payload carries.
	BigBatch  int
	LeaseTTL  time.Duration
	ItemLease time.Duration
	IdleWait  time.Duration
	// HubURL is advertised in payloads and Link headers.
	HubURL    string
	UserAgent string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		Workers:     8,
		PerHost:     16,
		Timeout:     10 * time.Second,
		Retry:       retry.Policy{Base: 30 * time.Second, MaxAttempts: 4},
		PushContent: true,
		BigBatch:    20,
		LeaseTTL:    30 * time.Second,
		ItemLease:   2 * time.Minute,
		IdleWait:    time.Second,
	}
}
