package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/db"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Repository is the pgx-backed subscription store.
type Repository struct {
	pool     *pgxpool.Pool
	recorder *audit.Recorder
}

// NewRepository constructs a Repository instance. The recorder writes
// audit rows inside the same transaction as the webhook apply.
func NewRepository(pool *pgxpool.Pool, recorder *audit.Recorder) *Repository {
	return &Repository{pool: pool, recorder: recorder}
}

// Atomically runs fn with a transaction-scoped TxPort.
func (r *Repository) Atomically(ctx context.Context, fn func(TxPort) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&txRepository{tx: tx, recorder: r.recorder})
	})
}

type txRepository struct {
	tx       pgx.Tx
	recorder *audit.Recorder
}

const subscriptionColumns = `id, user_id, plan, status, current_period_end, external_customer_id, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.Plan, &s.Status,
		&s.CurrentPeriodEnd, &s.ExternalCustomerID,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Upsert writes the subscription keyed by user.
func (t *txRepository) Upsert(ctx context.Context, sub *Subscription) (*Subscription, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, plan, status, current_period_end, external_customer_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			external_customer_id = EXCLUDED.external_customer_id,
			updated_at = NOW()
		RETURNING `+subscriptionColumns,
		sub.UserID, sub.Plan, sub.Status, sub.CurrentPeriodEnd, sub.ExternalCustomerID,
	)
	return scanSubscription(row)
}

// FindByUser fetches the subscription for a user.
func (r *Repository) FindByUser(ctx context.Context, userID int64) (*Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
}

// List returns a page of subscriptions, optionally filtered by status.
func (r *Repository) List(ctx context.Context, status string, limit, offset int) ([]Subscription, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE ($1 = '' OR status = $1)`, status,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		status, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *s)
	}
	return out, total, rows.Err()
}

// MarkEventProcessed inserts the event id, returning false on a repeat.
func (t *txRepository) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO billing_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		return false, fmt.Errorf("billing: mark event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MirrorSubscriptionStatus updates the coarse status on the user row.
func (t *txRepository) MirrorSubscriptionStatus(ctx context.Context, userID int64, status string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET subscription_status = $2, updated_at = NOW() WHERE id = $1`,
		userID, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RecordAudit writes the audit row inside the transaction.
func (t *txRepository) RecordAudit(ctx context.Context, entry audit.Entry) error {
	return t.recorder.RecordTx(ctx, t.tx, entry)
}

// PurgeProcessedEvents removes dedupe rows past the retention horizon.
func (r *Repository) PurgeProcessedEvents(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM billing_events WHERE processed_at < NOW() - make_interval(days => $1)`,
		olderThanDays,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
