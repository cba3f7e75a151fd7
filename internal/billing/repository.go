package billing

import (
	"context"

	"github.com/traderdesk/traderdesk/internal/audit"
)

// TxPort groups the webhook apply steps that must commit atomically: the
// dedupe mark, the subscription upsert, the user-row mirror, and the audit
// row. The mark only sticks when the whole apply commits, so a provider
// retry after a transient failure starts from a clean slate.
type TxPort interface {
	// MarkEventProcessed records the webhook event id, returning false when
	// the event was already seen. Dedupe for at-least-once delivery.
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	Upsert(ctx context.Context, sub *Subscription) (*Subscription, error)
	// MirrorSubscriptionStatus writes the coarse status onto the user row.
	MirrorSubscriptionStatus(ctx context.Context, userID int64, status string) error
	RecordAudit(ctx context.Context, entry audit.Entry) error
}

// RepositoryPort abstracts subscription persistence.
type RepositoryPort interface {
	Atomically(ctx context.Context, fn func(TxPort) error) error

	FindByUser(ctx context.Context, userID int64) (*Subscription, error)
	List(ctx context.Context, status string, limit, offset int) ([]Subscription, int64, error)
	PurgeProcessedEvents(ctx context.Context, olderThanDays int) (int64, error)
}
