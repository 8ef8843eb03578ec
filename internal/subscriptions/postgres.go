package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rzbill/pushhub/internal/hub"
)

// subscriptionRow is the relational shape of hub.Subscription. Kind is 'c'
// for callbacks and 't' for tokens; ordering by (kind, target) matches the
// SubKey suffix order used as the page cursor.
type subscriptionRow struct {
	Topic          string    `db:"topic"`
	Kind           string    `db:"kind"`
	Target         string    `db:"target"`
	State          string    `db:"state"`
	VerifyToken    string    `db:"verify_token"`
	LeaseSeconds   int       `db:"lease_seconds"`
	LeaseExpiresAt time.Time `db:"lease_expires_at"`
	DeliveryCursor string    `db:"delivery_cursor"`
	BigSubscriber  bool      `db:"big_subscriber"`
	MixedPayload   bool      `db:"mixed_payload"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

const subscriptionColumns = `topic, kind, target, state, verify_token, lease_seconds, lease_expires_at,
	delivery_cursor, big_subscriber, mixed_payload, created_at, updated_at`

func toRow(s *hub.Subscription) subscriptionRow {
	r := subscriptionRow{
		Topic:          s.Topic,
		Kind:           "c",
		Target:         s.Callback,
		State:          string(s.State),
		VerifyToken:    s.VerifyToken,
		LeaseSeconds:   s.LeaseSeconds,
		LeaseExpiresAt: s.LeaseExpiresAt,
		DeliveryCursor: s.DeliveryCursor,
		BigSubscriber:  s.BigSubscriber,
		MixedPayload:   s.MixedPayload,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.Token != "" {
		r.Kind, r.Target = "t", s.Token
	}
	return r
}

func (r *subscriptionRow) toSubscription() *hub.Subscription {
	s := &hub.Subscription{
		Topic:          r.Topic,
		State:          hub.SubscriptionState(r.State),
		VerifyToken:    r.VerifyToken,
		LeaseSeconds:   r.LeaseSeconds,
		LeaseExpiresAt: r.LeaseExpiresAt.UTC(),
		DeliveryCursor: r.DeliveryCursor,
		BigSubscriber:  r.BigSubscriber,
		MixedPayload:   r.MixedPayload,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.Kind == "t" {
		s.Token = r.Target
	} else {
		s.Callback = r.Target
	}
	return s
}

func splitKey(k hub.SubKey) (topic, kind, target string) {
	target, isToken := k.Target()
	kind = "c"
	if isToken {
		kind = "t"
	}
	return k.Topic(), kind, target
}

// splitCursor turns a SubKey suffix ("c:..." or "t:...") into (kind, target).
func splitCursor(cursor string) (string, string) {
	kind, target, _ := strings.Cut(cursor, ":")
	return kind, target
}

// PostgresStore keeps subscriptions in a relational table for deployments
// that share subscriber state across hub processes.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key hub.SubKey) (*hub.Subscription, error) {
	topic, kind, target := splitKey(key)
	var row subscriptionRow
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE topic = $1 AND kind = $2 AND target = $3`
	err := s.db.GetContext(ctx, &row, query, topic, kind, target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hub.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toSubscription(), nil
}

func (s *PostgresStore) Put(ctx context.Context, sub *hub.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES (:topic, :kind, :target, :state, :verify_token, :lease_seconds, :lease_expires_at,
			:delivery_cursor, :big_subscriber, :mixed_payload, :created_at, :updated_at)
		ON CONFLICT (topic, kind, target) DO UPDATE SET
			state = EXCLUDED.state,
			verify_token = EXCLUDED.verify_token,
			lease_seconds = EXCLUDED.lease_seconds,
			lease_expires_at = EXCLUDED.lease_expires_at,
			delivery_cursor = EXCLUDED.delivery_cursor,
			big_subscriber = EXCLUDED.big_subscriber,
			mixed_payload = EXCLUDED.mixed_payload,
			updated_at = EXCLUDED.updated_at`
	_, err := s.db.NamedExecContext(ctx, query, toRow(sub))
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key hub.SubKey) error {
	topic, kind, target := splitKey(key)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE topic = $1 AND kind = $2 AND target = $3`,
		topic, kind, target)
	return err
}

func (s *PostgresStore) Activate(ctx context.Context, key hub.SubKey, leaseSeconds int, now time.Time) (*hub.Subscription, error) {
	sub, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	activate(sub, leaseSeconds, now)
	topic, kind, target := splitKey(key)
	_, err = s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET state = $4, lease_seconds = $5, lease_expires_at = $6, updated_at = $7
		WHERE topic = $1 AND kind = $2 AND target = $3`,
		topic, kind, target, string(sub.State), sub.LeaseSeconds, sub.LeaseExpiresAt, sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *PostgresStore) Expire(ctx context.Context, key hub.SubKey, now time.Time) error {
	topic, kind, target := splitKey(key)
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET state = $4, updated_at = $5
		WHERE topic = $1 AND kind = $2 AND target = $3`,
		topic, kind, target, string(hub.StateExpired), now.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hub.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AdvanceDeliveryCursor(ctx context.Context, key hub.SubKey, deltaID string) (bool, error) {
	topic, kind, target := splitKey(key)
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET delivery_cursor = $4
		WHERE topic = $1 AND kind = $2 AND target = $3 AND delivery_cursor < $4`,
		topic, kind, target, deltaID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ActivePage(ctx context.Context, topic, cursor string, limit int, now time.Time) ([]*hub.Subscription, string, error) {
	limit = pageSize(limit)
	kind, target := splitCursor(cursor)
	var rows []subscriptionRow
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE topic = $1 AND (kind, target) > ($2, $3)
			AND state = 'active' AND lease_expires_at > $4
		ORDER BY kind, target
		LIMIT $5`
	// Fetch one extra row to learn whether another page exists.
	if err := s.db.SelectContext(ctx, &rows, query, topic, kind, target, now.UTC(), limit+1); err != nil {
		return nil, "", err
	}
	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = last.Kind + ":" + last.Target
	}
	out := make([]*hub.Subscription, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSubscription())
	}
	return out, next, nil
}

func (s *PostgresStore) CountActive(ctx context.Context, topic string, now time.Time, max int) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM subscriptions
		WHERE topic = $1 AND state = 'active' AND lease_expires_at > $2`
	if max > 0 {
		query = `SELECT COUNT(*) FROM (SELECT 1 FROM subscriptions
			WHERE topic = $1 AND state = 'active' AND lease_expires_at > $2 LIMIT $3) t`
		err := s.db.GetContext(ctx, &n, query, topic, now.UTC(), max)
		return n, err
	}
	err := s.db.GetContext(ctx, &n, query, topic, now.UTC())
	return n, err
}

func (s *PostgresStore) Scan(ctx context.Context, after hub.SubKey, limit int) ([]*hub.Subscription, hub.SubKey, error) {
	limit = pageSize(limit)
	topic, kind, target := "", "", ""
	if after != "" {
		topic, kind, target = splitKey(after)
	}
	var rows []subscriptionRow
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE (topic, kind, target) > ($1, $2, $3)
		ORDER BY topic, kind, target
		LIMIT $4`
	if err := s.db.SelectContext(ctx, &rows, query, topic, kind, target, limit); err != nil {
		return nil, "", err
	}
	out := make([]*hub.Subscription, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSubscription())
	}
	var next hub.SubKey
	if len(out) == limit {
		next = out[len(out)-1].Key()
	}
	return out, next, nil
}

const defaultPageSize = 500

// pageSize bounds unbounded requests; SQL callers always page.
func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return limit
}
