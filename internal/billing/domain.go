package billing

import "time"

// Subscription statuses mirrored onto the user record.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// Subscription is the billing state for a single user.
type Subscription struct {
	ID                 int64
	UserID             int64
	Plan               string
	Status             string
	CurrentPeriodEnd   *time.Time
	ExternalCustomerID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Event is a payment-provider webhook event.
type Event struct {
	ID     string
	Type   string
	UserID int64
	Plan   string
	Status string
	// PeriodEnd is optional; zero means the provider sent none.
	PeriodEnd time.Time
}

// Webhook event types the service understands.
const (
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.deleted"
	EventPaymentFailed       = "payment.failed"
	EventPaymentSucceeded    = "payment.succeeded"
)

func validSubscriptionStatus(s string) bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}
