package promos

import "context"

// RepositoryPort abstracts promo persistence.
type RepositoryPort interface {
	Create(ctx context.Context, promo *PromoCode) (*PromoCode, error)
	FindByCode(ctx context.Context, code string) (*PromoCode, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]PromoCode, int64, error)
	SetActive(ctx context.Context, id int64, active bool) error
	// Redeem atomically inserts the redemption row and bumps the counter.
	// A repeat redemption by the same user returns the existing row with
	// created=false and leaves the counter untouched.
	Redeem(ctx context.Context, promoID, userID int64) (redemption *Redemption, created bool, err error)
}
