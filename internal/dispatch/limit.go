package dispatch

import (
	"context"
	"net/url"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// hostLimiter caps concurrent deliveries per callback host across topic
// drains, retries and big-subscriber drainers.
type hostLimiter struct {
	per   int
	slots *xsync.Map[string, chan struct{}]
}

func newHostLimiter(per int) *hostLimiter {
	return &hostLimiter{per: per, slots: xsync.NewMap[string, chan struct{}]()}
}

func destination(callback string) string {
	u, err := url.Parse(callback)
	if err != nil || u.Host == "" {
		return callback
	}
	return strings.ToLower(u.Host)
}

// acquire blocks until a slot for callback's host is free. The returned
// func gives the slot back. A limit of zero or less disables limiting.
func (l *hostLimiter) acquire(ctx context.Context, callback string) (func(), error) {
	if l.per <= 0 {
		return func() {}, nil
	}
	host := destination(callback)
	sem, ok := l.slots.Load(host)
	if !ok {
		sem, _ = l.slots.LoadOrStore(host, make(chan struct{}, l.per))
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver sends n through the dispatcher's deliverer within the callback
// host's concurrency budget.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	release, err := d.hosts.acquire(ctx, n.Callback)
	if err != nil {
		return err
	}
	defer release()
	return d.deliverer.Deliver(ctx, n)
}
