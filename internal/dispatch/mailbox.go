package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

const prefixMailbox = "hub/mbox/"

// Message is a notification parked for a token subscriber.
type Message struct {
	// ID is unique per token and sorts in delivery order.
	ID       string    `json:"id"`
	DeltaID  string    `json:"delta_id"`
	Topic    string    `json:"topic"`
	Boundary time.Time `json:"boundary"`
	Payload  string    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
}

// MessageID derives the mailbox id of a delta. Delta ids are only unique
// within a topic, so the topic hash disambiguates.
func MessageID(deltaID, topic string) string {
	return deltaID + "-" + strconv.FormatUint(xxh3.HashString(topic), 16)
}

// Mailbox stores notifications for subscribers that poll instead of
// receiving callbacks.
type Mailbox struct {
	db *pebblestore.DB
}

func NewMailbox(db *pebblestore.DB) *Mailbox { return &Mailbox{db: db} }

func mailboxPrefix(token string) []byte { return []byte(prefixMailbox + token + "\x00") }

func mailboxKey(token, id string) []byte { return append(mailboxPrefix(token), id...) }

// Put stores m; storing the same message twice keeps one copy.
func (m *Mailbox) Put(ctx context.Context, token string, msg *Message) error {
	b := m.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetJSON(b, mailboxKey(token, msg.ID), msg); err != nil {
		return err
	}
	return m.db.CommitBatch(ctx, b)
}

// List returns up to max pending messages of token, oldest first.
func (m *Mailbox) List(ctx context.Context, token string, max int) ([]*Message, error) {
	var out []*Message
	err := m.db.Scan(mailboxPrefix(token), nil, func(_, v []byte) (bool, error) {
		var msg Message
		if err := json.Unmarshal(v, &msg); err != nil {
			return false, err
		}
		out = append(out, &msg)
		return max <= 0 || len(out) < max, ctx.Err()
	})
	return out, err
}

// Ack deletes the given messages and returns how many existed.
func (m *Mailbox) Ack(ctx context.Context, token string, ids []string) (int, error) {
	b := m.db.NewBatch()
	defer b.Close()
	n := 0
	for _, id := range ids {
		ok, err := m.db.Has(mailboxKey(token, id))
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		n++
		if err := b.Delete(mailboxKey(token, id), nil); err != nil {
			return 0, err
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, m.db.CommitBatch(ctx, b)
}

// message builds the mailbox entry of a rendered delta.
func message(d *hub.Delta, payload []byte, now time.Time) *Message {
	return &Message{
		ID:       MessageID(d.ID, d.Topic),
		DeltaID:  d.ID,
		Topic:    d.Topic,
		Boundary: d.BoundaryTime,
		Payload:  string(payload),
		StoredAt: now.UTC(),
	}
}
