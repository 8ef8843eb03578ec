package lease

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/pushhub/internal/hub"
	pebblestore "github.com/rzbill/pushhub/internal/storage/pebble"
)

// Lease is exclusive ownership of a named resource (a topic) until ExpiresAtMs.
type Lease struct {
	Name         string `json:"name"`
	Owner        string `json:"owner"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	Acquisitions int32  `json:"acquisitions"`
	AcquiredAtMs int64  `json:"acquired_at_ms"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool { return l.ExpiresAtMs <= now.UnixMilli() }

// Manager grants per-name leases stored in pebble. A crashed holder's lease
// simply expires and the name becomes acquirable again.
type Manager struct {
	db    *pebblestore.DB
	scope string
	now   func() time.Time
}

// NewManager creates a Manager whose records live under scope.
func NewManager(db *pebblestore.DB, scope string) *Manager {
	return &Manager{db: db, scope: scope, now: time.Now}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// NewOwner returns a fresh owner identity for a worker.
func NewOwner(prefix string) string { return prefix + "-" + uuid.NewString() }

func (m *Manager) leaseKey(name string) []byte {
	return []byte("lease/" + m.scope + "/l/" + name)
}

func (m *Manager) indexPrefix() []byte {
	return []byte("lease/" + m.scope + "/x/")
}

func (m *Manager) indexKey(expiresAtMs int64, name string) []byte {
	p := m.indexPrefix()
	k := make([]byte, len(p)+8+len(name))
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], uint64(expiresAtMs))
	copy(k[len(p)+8:], name)
	return k
}

func (m *Manager) load(name string) (*Lease, error) {
	var l Lease
	if err := m.db.GetJSON(m.leaseKey(name), &l); err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, hub.ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// Get returns the current lease record for name.
func (m *Manager) Get(name string) (*Lease, error) { return m.load(name) }

// Acquire takes the lease on name for ttl. It fails with hub.ErrContention
// while another owner holds an unexpired lease. Re-acquiring an owned lease
// extends it.
func (m *Manager) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (*Lease, error) {
	unlock := m.db.Lock(m.leaseKey(name))
	defer unlock()

	now := m.now()
	prev, err := m.load(name)
	if err != nil && !errors.Is(err, hub.ErrNotFound) {
		return nil, fmt.Errorf("load lease: %w", err)
	}
	if prev != nil && prev.Owner != owner && !prev.Expired(now) {
		return nil, hub.ErrContention
	}

	l := &Lease{Name: name, Owner: owner, ExpiresAtMs: now.Add(ttl).UnixMilli(), Acquisitions: 1, AcquiredAtMs: now.UnixMilli()}
	if prev != nil {
		l.Acquisitions = prev.Acquisitions + 1
	}
	if err := m.write(ctx, prev, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Extend pushes the expiry of an owned, unexpired lease to now+ttl.
func (m *Manager) Extend(ctx context.Context, name, owner string, ttl time.Duration) (int64, error) {
	unlock := m.db.Lock(m.leaseKey(name))
	defer unlock()

	now := m.now()
	prev, err := m.load(name)
	if err != nil {
		return 0, fmt.Errorf("lease not found: %w", err)
	}
	if prev.Owner != owner {
		return 0, hub.ErrContention
	}
	if prev.Expired(now) {
		return 0, fmt.Errorf("lease on %s expired at %d", name, prev.ExpiresAtMs)
	}
	next := *prev
	next.ExpiresAtMs = now.Add(ttl).UnixMilli()
	if err := m.write(ctx, prev, &next); err != nil {
		return 0, err
	}
	return next.ExpiresAtMs, nil
}

// Release drops an owned lease. Releasing a lease that is gone or owned by
// someone else is a no-op.
func (m *Manager) Release(ctx context.Context, name, owner string) error {
	unlock := m.db.Lock(m.leaseKey(name))
	defer unlock()

	prev, err := m.load(name)
	if errors.Is(err, hub.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if prev.Owner != owner {
		return nil
	}
	b := m.db.NewBatch()
	defer b.Close()
	if err := b.Delete(m.leaseKey(name), nil); err != nil {
		return err
	}
	if err := b.Delete(m.indexKey(prev.ExpiresAtMs, name), nil); err != nil {
		return err
	}
	return m.db.CommitBatch(ctx, b)
}

func (m *Manager) write(ctx context.Context, prev, next *Lease) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	b := m.db.NewBatch()
	defer b.Close()
	if prev != nil {
		if err := b.Delete(m.indexKey(prev.ExpiresAtMs, prev.Name), nil); err != nil {
			return err
		}
	}
	if err := b.Set(m.leaseKey(next.Name), data, nil); err != nil {
		return err
	}
	if err := b.Set(m.indexKey(next.ExpiresAtMs, next.Name), nil, nil); err != nil {
		return err
	}
	if err := m.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit lease: %w", err)
	}
	return nil
}

// ListExpired returns up to limit leases whose expiry has passed, oldest first.
func (m *Manager) ListExpired(ctx context.Context, limit int) ([]*Lease, error) {
	nowMs := m.now().UnixMilli()
	prefix := m.indexPrefix()
	var out []*Lease
	err := m.db.Scan(prefix, nil, func(key, _ []byte) (bool, error) {
		if len(key) < len(prefix)+8 {
			return true, nil
		}
		if int64(binary.BigEndian.Uint64(key[len(prefix):])) > nowMs {
			return false, nil
		}
		l, err := m.load(string(key[len(prefix)+8:]))
		if err != nil {
			return true, nil
		}
		out = append(out, l)
		return limit <= 0 || len(out) < limit, ctx.Err()
	})
	return out, err
}

// ReclaimExpired deletes expired lease records so their index entries do
// not accumulate. It returns how many were removed.
func (m *Manager) ReclaimExpired(ctx context.Context, limit int) (int, error) {
	expired, err := m.ListExpired(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range expired {
		unlock := m.db.Lock(m.leaseKey(l.Name))
		cur, err := m.load(l.Name)
		if err == nil && cur.ExpiresAtMs == l.ExpiresAtMs {
			b := m.db.NewBatch()
			_ = b.Delete(m.leaseKey(l.Name), nil)
			_ = b.Delete(m.indexKey(l.ExpiresAtMs, l.Name), nil)
			err = m.db.CommitBatch(ctx, b)
			b.Close()
			if err == nil {
				n++
			}
		}
		unlock()
		if err != nil && !errors.Is(err, hub.ErrNotFound) {
			return n, err
		}
	}
	return n, nil
}
