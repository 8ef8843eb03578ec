package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

const prefixAbandoned = "hub/abandoned/"

// Abandoned is a (delta, subscription) delivery that exhausted its retries.
type Abandoned struct {
	Topic     string    `json:"topic"`
	DeltaID   string    `json:"delta_id"`
	Callback  string    `json:"callback"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	At        time.Time `json:"at"`
}

// Ledger records abandoned deliveries, ordered by time.
type Ledger struct {
	db *pebblestore.DB
}

func NewLedger(db *pebblestore.DB) *Ledger { return &Ledger{db: db} }

func ledgerKey(at time.Time, sub hub.SubKey, deltaID string) []byte {
	k := make([]byte, 0, len(prefixAbandoned)+8+len(sub)+len(deltaID)+1)
	k = append(k, prefixAbandoned...)
	k = binary.BigEndian.AppendUint64(k, uint64(at.UnixMilli()))
	k = append(k, sub...)
	k = append(k, 0)
	return append(k, deltaID...)
}

// Record appends a to the ledger.
func (l *Ledger) Record(ctx context.Context, sub hub.SubKey, a *Abandoned) error {
	b := l.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetJSON(b, ledgerKey(a.At, sub, a.DeltaID), a); err != nil {
		return err
	}
	return l.db.CommitBatch(ctx, b)
}

// List returns up to limit entries recorded at or after since, oldest first.
func (l *Ledger) List(ctx context.Context, since time.Time, limit int) ([]*Abandoned, error) {
	var start []byte
	if !since.IsZero() {
		start = binary.BigEndian.AppendUint64([]byte(prefixAbandoned), uint64(since.UnixMilli()))
	}
	var out []*Abandoned
	err := l.db.Scan([]byte(prefixAbandoned), start, func(_, v []byte) (bool, error) {
		var a Abandoned
		if err := json.Unmarshal(v, &a); err != nil {
			return false, err
		}
		out = append(out, &a)
		return limit <= 0 || len(out) < limit, ctx.Err()
	})
	return out, err
}

// Purge drops entries recorded before cutoff.
func (l *Ledger) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	end := binary.BigEndian.AppendUint64([]byte(prefixAbandoned), uint64(cutoff.UnixMilli()))
	b := l.db.NewBatch()
	defer b.Close()
	n := 0
	err := l.db.Scan([]byte(prefixAbandoned), nil, func(k, _ []byte) (bool, error) {
		if string(k) >= string(end) {
			return false, nil
		}
		n++
		return true, b.Delete(append([]byte(nil), k...), nil)
	})
	if err != nil || n == 0 {
		return 0, err
	}
	return n, l.db.CommitBatch(ctx, b)
}
