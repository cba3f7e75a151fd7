package promos

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traderdesk/traderdesk/internal/platform/db"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// ErrCodeTaken indicates a duplicate promo code.
var ErrCodeTaken = errors.New("promo code already exists")

// Repository is the pgx-backed promo store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository instance.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const promoColumns = `id, code, description, percent_off, max_redemptions, redemption_count,
	starts_at, ends_at, is_active, created_by, created_at, updated_at`

func scanPromo(row pgx.Row) (*PromoCode, error) {
	var p PromoCode
	err := row.Scan(
		&p.ID, &p.Code, &p.Description, &p.PercentOff, &p.MaxRedemptions, &p.RedemptionCount,
		&p.StartsAt, &p.EndsAt, &p.IsActive, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Create inserts a new promo code.
func (r *Repository) Create(ctx context.Context, promo *PromoCode) (*PromoCode, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO promo_codes (code, description, percent_off, max_redemptions, starts_at, ends_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+promoColumns,
		promo.Code, promo.Description, promo.PercentOff, promo.MaxRedemptions,
		promo.StartsAt, promo.EndsAt, promo.CreatedBy,
	)
	created, err := scanPromo(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrCodeTaken
		}
		return nil, err
	}
	return created, nil
}

// FindByCode fetches a promo by its canonical code.
func (r *Repository) FindByCode(ctx context.Context, code string) (*PromoCode, error) {
	return scanPromo(r.pool.QueryRow(ctx,
		`SELECT `+promoColumns+` FROM promo_codes WHERE code = $1`, code))
}

// List returns a page of promo codes, newest first.
func (r *Repository) List(ctx context.Context, activeOnly bool, limit, offset int) ([]PromoCode, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM promo_codes WHERE (NOT $1 OR is_active)`, activeOnly,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+promoColumns+` FROM promo_codes
		WHERE (NOT $1 OR is_active)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		activeOnly, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []PromoCode
	for rows.Next() {
		p, err := scanPromo(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *p)
	}
	return out, total, rows.Err()
}

// SetActive toggles the promo on or off.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE promo_codes SET is_active = $2, updated_at = NOW() WHERE id = $1`,
		id, active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Redeem inserts the redemption row and bumps the counter in one
// transaction. The unique (promo_id, user_id) constraint makes repeats
// idempotent; the conditional bump enforces the cap under concurrency, so
// two first-time redeemers racing for the last slot cannot both win.
func (r *Repository) Redeem(ctx context.Context, promoID, userID int64) (*Redemption, bool, error) {
	var red Redemption
	created := false
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO promo_redemptions (promo_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (promo_id, user_id) DO NOTHING
			RETURNING id, promo_id, user_id, redeemed_at`,
			promoID, userID,
		).Scan(&red.ID, &red.PromoID, &red.UserID, &red.RedeemedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already redeemed; fetch the existing row.
			return tx.QueryRow(ctx, `
				SELECT id, promo_id, user_id, redeemed_at
				FROM promo_redemptions
				WHERE promo_id = $1 AND user_id = $2`,
				promoID, userID,
			).Scan(&red.ID, &red.PromoID, &red.UserID, &red.RedeemedAt)
		}
		if err != nil {
			return err
		}
		created = true
		tag, err := tx.Exec(ctx, `
			UPDATE promo_codes
			SET redemption_count = redemption_count + 1, updated_at = NOW()
			WHERE id = $1
			  AND (max_redemptions = 0 OR redemption_count < max_redemptions)`,
			promoID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Cap exhausted between the caller's read and now; the error
			// rolls the insert back with the transaction.
			return ErrNotRedeemable
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &red, created, nil
}
