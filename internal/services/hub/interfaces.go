package hub

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"github.com/rzbill/pushhub/internal/dispatch"
	core "github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/internal/intake"
	"github.com/rzbill/pushhub/internal/policy"
	"github.com/rzbill/pushhub/internal/verify"
)

// TopicStore is the subset of topics.Store the facade reads and seeds.
type TopicStore interface {
	Get(ctx context.Context, url string) (*core.Topic, error)
	Ensure(ctx context.Context, url string) (*core.Topic, bool, error)
	Resolve(ctx context.Context, url string) (string, bool, error)
}

// SubscriberCounter counts eligible subscriptions of a topic.
type SubscriberCounter interface {
	CountActive(ctx context.Context, topic string, now time.Time, max int) (int, error)
}

// Verifier runs the subscription handshake.
type Verifier interface {
	Submit(ctx context.Context, req *verify.Request) (int, error)
}

// Publisher accepts publish pings.
type Publisher interface {
	Publish(ctx context.Context, urls []string) (*intake.Result, error)
}

// Mailbox holds notifications for token subscribers.
type Mailbox interface {
	List(ctx context.Context, token string, max int) ([]*dispatch.Message, error)
	Ack(ctx context.Context, token string, ids []string) (int, error)
}

// Ledger lists abandoned deliveries.
type Ledger interface {
	List(ctx context.Context, since time.Time, limit int) ([]*dispatch.Abandoned, error)
}

// Backlog reports undispatched deltas per topic.
type Backlog interface {
	Depth(topic string) (int, error)
}

// Admission decides whether an unknown topic may be created.
type Admission interface {
	Accepts(rawURL string, mode policy.Mode) bool
}

// HealthChecker checks storage.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}
