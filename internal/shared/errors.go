package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountSuspended indicates a deactivated account.
	ErrAccountSuspended = errors.New("account suspended")
	// ErrAccountLocked indicates too many failed login attempts.
	ErrAccountLocked = errors.New("account locked")
	// ErrPaymentRequired indicates the account is pending payment.
	ErrPaymentRequired = errors.New("payment required")
)

// UserSafeMessage returns a message safe to show to end users. Unexpected
// errors collapse to a generic message so internals never leak.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "The requested resource was not found"
	case errors.Is(err, ErrInvalidCredentials):
		return "Email or password is incorrect"
	case errors.Is(err, ErrAccountSuspended):
		return "This account has been suspended"
	case errors.Is(err, ErrAccountLocked):
		return "This account is temporarily locked"
	case errors.Is(err, ErrPaymentRequired):
		return "An active subscription is required"
	default:
		return "Something went wrong, please try again"
	}
}
