package promos

import (
	"strings"
	"time"
)

// PromoCode is a discount code redeemable by end users.
type PromoCode struct {
	ID              int64
	Code            string
	Description     string
	PercentOff      int
	MaxRedemptions  int
	RedemptionCount int
	StartsAt        time.Time
	EndsAt          *time.Time
	IsActive        bool
	CreatedBy       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsRedeemable reports whether the code accepts redemptions at the given
// instant, ignoring the per-user constraint.
func (p PromoCode) IsRedeemable(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	if now.Before(p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && now.After(*p.EndsAt) {
		return false
	}
	if p.MaxRedemptions > 0 && p.RedemptionCount >= p.MaxRedemptions {
		return false
	}
	return true
}

// Redemption links a promo code to the user who redeemed it. One row per
// user per code.
type Redemption struct {
	ID         int64
	PromoID    int64
	UserID     int64
	RedeemedAt time.Time
}

// NormalizeCode canonicalises user-entered codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
