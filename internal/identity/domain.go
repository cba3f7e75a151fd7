package identity

import "time"

// Subscription statuses mirrored onto the user row by the billing module.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionNone     = "none"
)

// User represents an end-user account.
type User struct {
	ID                 int64
	Username           string
	Email              string
	PasswordHash       string
	IsActive           bool
	SubscriptionStatus string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasPaidAccess reports whether the subscription allows login.
func (u *User) HasPaidAccess() bool {
	return u.SubscriptionStatus == SubscriptionActive || u.SubscriptionStatus == SubscriptionTrialing
}

// AdminUser represents a back-office account with lockout tracking.
type AdminUser struct {
	ID                  int64
	Username            string
	Email               string
	PasswordHash        string
	IsActive            bool
	IsSuperuser         bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsLocked reports whether the account is locked out at the given instant.
func (a *AdminUser) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}
