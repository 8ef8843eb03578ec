// Package transports provides the transports the CLI talks to the hub over.
package transports

import (
	"context"
	"fmt"
	"time"
)

// SubscribeRequest is a subscribe or unsubscribe form.
type SubscribeRequest struct {
	Mode         string
	Callback     string
	Token        string
	Topics       []string
	Verify       []string
	VerifyToken  string
	LeaseSeconds int
	Big          bool
	Mixed        bool
}

// Message is a notification parked in a token mailbox.
type Message struct {
	ID       string    `json:"id"`
	DeltaID  string    `json:"delta_id"`
	Topic    string    `json:"topic"`
	Boundary time.Time `json:"boundary"`
	Payload  string    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
}

// StatusError is a non-success answer from the hub.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub answered %d", e.Code)
	}
	return fmt.Sprintf("hub answered %d: %s", e.Code, e.Message)
}

// HubTransport abstracts the hub's protocol and operational endpoints.
type HubTransport interface {
	// Subscribe returns the status the hub answered with (202 or 204).
	Subscribe(ctx context.Context, req SubscribeRequest) (int, error)
	Publish(ctx context.Context, urls []string) error
	Poll(ctx context.Context, token string, max int) ([]Message, error)
	Ack(ctx context.Context, token string, ids []string) (int, error)
	// TopicStats and Abandoned return the hub's JSON verbatim.
	TopicStats(ctx context.Context, url string) ([]byte, error)
	Abandoned(ctx context.Context, since time.Time, limit int) ([]byte, error)
}
