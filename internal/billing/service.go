package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/identity"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Audit actions emitted by billing processing.
const (
	ActionSubscriptionSync = "billing.subscription.sync"
	ActionVelocityFlag     = "billing.velocity.flag"
)

// ErrEventSeen indicates a webhook event that was already processed.
var ErrEventSeen = errors.New("billing: event already processed")

// AuditRecorder persists billing audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Service processes billing events and keeps the user row in sync.
type Service struct {
	repo     RepositoryPort
	auditor  AuditRecorder
	velocity *Velocity
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a billing Service.
func NewService(repo RepositoryPort, auditor AuditRecorder, velocity *Velocity, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		auditor:  auditor,
		velocity: velocity,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessEvent applies one webhook event. The dedupe mark, subscription
// upsert, user-row mirror, and audit row commit in one transaction, so a
// transient failure leaves the event id unburned and the provider retry
// applies cleanly. Events are deduped by id so retries after a successful
// apply are harmless.
func (s *Service) ProcessEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: event id required", httpx.ErrValidation)
	}
	if ev.UserID <= 0 {
		return fmt.Errorf("%w: user_id required", httpx.ErrValidation)
	}
	status, err := s.statusFor(ev)
	if err != nil {
		return err
	}
	s.observeEventVelocity(ctx, ev)

	sub := &Subscription{
		UserID: ev.UserID,
		Plan:   ev.Plan,
		Status: status,
	}
	if !ev.PeriodEnd.IsZero() {
		end := ev.PeriodEnd
		sub.CurrentPeriodEnd = &end
	}
	return s.repo.Atomically(ctx, func(tx TxPort) error {
		fresh, err := tx.MarkEventProcessed(ctx, ev.ID)
		if err != nil {
			return err
		}
		if !fresh {
			return ErrEventSeen
		}
		stored, err := tx.Upsert(ctx, sub)
		if err != nil {
			return err
		}
		if err := tx.MirrorSubscriptionStatus(ctx, ev.UserID, mirrorStatus(status)); err != nil {
			return fmt.Errorf("billing: mirror status to user %d: %w", ev.UserID, err)
		}
		return tx.RecordAudit(ctx, audit.SystemActor.NewEntry(ActionSubscriptionSync, "subscription", fmt.Sprintf("%d", stored.ID), nil, map[string]any{
			"event_id": ev.ID,
			"type":     ev.Type,
			"user_id":  ev.UserID,
			"status":   status,
		}))
	})
}

func (s *Service) statusFor(ev Event) (string, error) {
	switch ev.Type {
	case EventSubscriptionUpdated:
		if !validSubscriptionStatus(ev.Status) {
			return "", fmt.Errorf("%w: unknown subscription status %q", httpx.ErrValidation, ev.Status)
		}
		return ev.Status, nil
	case EventSubscriptionDeleted:
		return StatusCanceled, nil
	case EventPaymentFailed:
		return StatusPastDue, nil
	case EventPaymentSucceeded:
		return StatusActive, nil
	default:
		return "", fmt.Errorf("%w: unknown event type %q", httpx.ErrValidation, ev.Type)
	}
}

// mirrorStatus maps the billing status onto the coarser user-row value.
func mirrorStatus(status string) string {
	switch status {
	case StatusActive:
		return identity.SubscriptionActive
	case StatusTrialing:
		return identity.SubscriptionTrialing
	case StatusPastDue:
		return identity.SubscriptionPastDue
	default:
		return identity.SubscriptionNone
	}
}

// observeEventVelocity flags users generating suspicious bursts of payment
// failures for manual fraud review.
func (s *Service) observeEventVelocity(ctx context.Context, ev Event) {
	if s.velocity == nil || ev.Type != EventPaymentFailed {
		return
	}
	key := fmt.Sprintf("payment_failed:user:%d", ev.UserID)
	count, flagged, err := s.velocity.Observe(ctx, key)
	if err != nil {
		s.logger.Warn("payment velocity check", "user_id", ev.UserID, "error", err)
		return
	}
	if !flagged {
		return
	}
	s.logger.Warn("payment velocity flagged", "user_id", ev.UserID, "count", count)
	entry := audit.SystemActor.NewEntry(ActionVelocityFlag, "user", fmt.Sprintf("%d", ev.UserID), nil, map[string]any{
		"window_count": count,
		"event_id":     ev.ID,
	})
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("record velocity audit", "user_id", ev.UserID, "error", err)
	}
}

// Subscription returns the billing state for one user.
func (s *Service) Subscription(ctx context.Context, userID int64) (*Subscription, error) {
	sub, err := s.repo.FindByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: no subscription", httpx.ErrNotFound)
		}
		return nil, err
	}
	return sub, nil
}

// List returns a page of subscriptions for the admin surface.
func (s *Service) List(ctx context.Context, status string, page, perPage int) ([]Subscription, shared.Pagination, error) {
	if status != "" && !validSubscriptionStatus(status) {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown status %q", httpx.ErrValidation, status)
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	rows, total, err := s.repo.List(ctx, status, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return rows, shared.NewPagination(page, perPage, int(total)), nil
}

// PurgeEventLog removes dedupe rows older than the retention horizon.
func (s *Service) PurgeEventLog(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	return s.repo.PurgeProcessedEvents(ctx, olderThanDays)
}
