package promos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Sentinel errors surfaced by the promo service.
var (
	ErrNotFound       = fmt.Errorf("%w: promo code not found", httpx.ErrNotFound)
	ErrCodeExists     = fmt.Errorf("%w: promo code already exists", httpx.ErrConflict)
	ErrNotRedeemable  = fmt.Errorf("%w: promo code is not redeemable", httpx.ErrConflict)
	ErrInvalidPercent = fmt.Errorf("%w: percent_off must be between 1 and 100", httpx.ErrValidation)
)

// Audit actions for promo lifecycle events.
const (
	ActionCreate     = "billing.promo.create"
	ActionDeactivate = "billing.promo.deactivate"
	ActionRedeem     = "billing.promo.redeem"
)

// AuditRecorder persists promo audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Service implements promo code management and redemption.
type Service struct {
	repo    RepositoryPort
	auditor AuditRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a promo Service.
func NewService(repo RepositoryPort, auditor AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, auditor: auditor, logger: logger, now: time.Now}
}

// CreateInput carries the fields for a new promo code.
type CreateInput struct {
	Code           string
	Description    string
	PercentOff     int
	MaxRedemptions int
	StartsAt       time.Time
	EndsAt         *time.Time
}

// Create registers a new promo code.
func (s *Service) Create(ctx context.Context, actor audit.Actor, in CreateInput) (*PromoCode, error) {
	code := NormalizeCode(in.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: code required", httpx.ErrValidation)
	}
	if in.PercentOff < 1 || in.PercentOff > 100 {
		return nil, ErrInvalidPercent
	}
	if in.MaxRedemptions < 0 {
		return nil, fmt.Errorf("%w: max_redemptions cannot be negative", httpx.ErrValidation)
	}
	if in.StartsAt.IsZero() {
		in.StartsAt = s.now().UTC()
	}
	if in.EndsAt != nil && !in.EndsAt.After(in.StartsAt) {
		return nil, fmt.Errorf("%w: ends_at must be after starts_at", httpx.ErrValidation)
	}
	promo := &PromoCode{
		Code:           code,
		Description:    in.Description,
		PercentOff:     in.PercentOff,
		MaxRedemptions: in.MaxRedemptions,
		StartsAt:       in.StartsAt,
		EndsAt:         in.EndsAt,
		CreatedBy:      actor.ID,
	}
	created, err := s.repo.Create(ctx, promo)
	if err != nil {
		if errors.Is(err, ErrCodeTaken) {
			return nil, ErrCodeExists
		}
		return nil, err
	}
	s.record(ctx, actor, ActionCreate, created.Code, nil, map[string]any{
		"percent_off":     created.PercentOff,
		"max_redemptions": created.MaxRedemptions,
	})
	return created, nil
}

// List returns a page of promo codes.
func (s *Service) List(ctx context.Context, activeOnly bool, page, perPage int) ([]PromoCode, shared.Pagination, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	rows, total, err := s.repo.List(ctx, activeOnly, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return rows, shared.NewPagination(page, perPage, int(total)), nil
}

// Deactivate turns a promo code off. Deactivating an inactive code is a
// no-op and emits no audit entry.
func (s *Service) Deactivate(ctx context.Context, actor audit.Actor, code string) error {
	promo, err := s.find(ctx, code)
	if err != nil {
		return err
	}
	if !promo.IsActive {
		return nil
	}
	if err := s.repo.SetActive(ctx, promo.ID, false); err != nil {
		return err
	}
	s.record(ctx, actor, ActionDeactivate, promo.Code,
		map[string]any{"is_active": true},
		map[string]any{"is_active": false},
	)
	return nil
}

// Redeem applies a promo code for the user. Redeeming the same code twice
// returns the original redemption without consuming another slot.
func (s *Service) Redeem(ctx context.Context, user shared.Identity, code string) (*PromoCode, *Redemption, error) {
	promo, err := s.find(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if !promo.IsRedeemable(s.now()) {
		return nil, nil, ErrNotRedeemable
	}
	red, created, err := s.repo.Redeem(ctx, promo.ID, user.ID)
	if err != nil {
		return nil, nil, err
	}
	if created {
		actor := audit.Actor{ID: user.ID, Type: audit.ActorUser, Email: user.Email}
		s.record(ctx, actor, ActionRedeem, promo.Code, nil, map[string]any{
			"user_id":     user.ID,
			"percent_off": promo.PercentOff,
		})
	}
	return promo, red, nil
}

func (s *Service) find(ctx context.Context, code string) (*PromoCode, error) {
	promo, err := s.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return promo, nil
}

func (s *Service) record(ctx context.Context, actor audit.Actor, action, code string, before, after map[string]any) {
	entry := actor.NewEntry(action, "promo_code", code, before, after)
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("record promo audit", "action", action, "code", code, "error", err)
	}
}
