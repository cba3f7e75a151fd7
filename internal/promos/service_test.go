package promos

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

type stubPromoRepo struct {
	promos      map[int64]*PromoCode
	redemptions map[string]*Redemption
	nextPromo   int64
	nextRed     int64
}

func newStubPromoRepo() *stubPromoRepo {
	return &stubPromoRepo{promos: map[int64]*PromoCode{}, redemptions: map[string]*Redemption{}}
}

func (s *stubPromoRepo) Create(ctx context.Context, promo *PromoCode) (*PromoCode, error) {
	for _, existing := range s.promos {
		if existing.Code == promo.Code {
			return nil, ErrCodeTaken
		}
	}
	s.nextPromo++
	stored := *promo
	stored.ID = s.nextPromo
	stored.IsActive = true
	s.promos[stored.ID] = &stored
	return &stored, nil
}

func (s *stubPromoRepo) FindByCode(ctx context.Context, code string) (*PromoCode, error) {
	for _, p := range s.promos {
		if p.Code == code {
			copied := *p
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubPromoRepo) List(ctx context.Context, activeOnly bool, limit, offset int) ([]PromoCode, int64, error) {
	var out []PromoCode
	for _, p := range s.promos {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, *p)
	}
	return out, int64(len(out)), nil
}

func (s *stubPromoRepo) SetActive(ctx context.Context, id int64, active bool) error {
	p, ok := s.promos[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.IsActive = active
	return nil
}

func (s *stubPromoRepo) Redeem(ctx context.Context, promoID, userID int64) (*Redemption, bool, error) {
	key := redemptionKey(promoID, userID)
	if existing, ok := s.redemptions[key]; ok {
		return existing, false, nil
	}
	// Conditional bump, like the SQL: a new redemption past the cap rolls
	// back instead of overshooting the counter.
	promo := s.promos[promoID]
	if promo.MaxRedemptions > 0 && promo.RedemptionCount >= promo.MaxRedemptions {
		return nil, false, ErrNotRedeemable
	}
	s.nextRed++
	red := &Redemption{ID: s.nextRed, PromoID: promoID, UserID: userID}
	s.redemptions[key] = red
	promo.RedemptionCount++
	return red, true, nil
}

func redemptionKey(promoID, userID int64) string {
	return fmt.Sprintf("%d:%d", promoID, userID)
}

type promoAuditor struct {
	entries []audit.Entry
}

func (a *promoAuditor) Record(ctx context.Context, entry audit.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func (a *promoAuditor) count(action string) int {
	n := 0
	for _, e := range a.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

var promoActor = audit.Actor{ID: 7, Type: audit.ActorAdmin, Email: "ops@traderdesk.io"}

var redeemer = shared.Identity{ID: 42, Email: "trader@example.com", Kind: shared.KindUser}

func newPromoFixture() (*Service, *stubPromoRepo, *promoAuditor) {
	repo := newStubPromoRepo()
	auditor := &promoAuditor{}
	return NewService(repo, auditor, nil), repo, auditor
}

func TestCreateNormalizesAndValidates(t *testing.T) {
	svc, _, _ := newPromoFixture()
	promo, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "  launch25 ", PercentOff: 25})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if promo.Code != "LAUNCH25" {
		t.Fatalf("expected normalized code, got %q", promo.Code)
	}

	if _, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "LAUNCH25", PercentOff: 10}); !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected 409 for duplicate code, got %v", err)
	}
	for _, percent := range []int{0, -5, 101} {
		if _, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "X", PercentOff: percent}); !errors.Is(err, ErrInvalidPercent) {
			t.Fatalf("percent %d: expected ErrInvalidPercent, got %v", percent, err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if _, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "Y", PercentOff: 10, EndsAt: &past}); !errors.Is(err, httpx.ErrValidation) {
		t.Fatalf("expected validation error for ends_at before starts_at, got %v", err)
	}
}

func TestRedeemIsIdempotentPerUser(t *testing.T) {
	svc, repo, auditor := newPromoFixture()
	if _, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "LAUNCH25", PercentOff: 25}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, first, err := svc.Redeem(context.Background(), redeemer, "launch25")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	_, second, err := svc.Redeem(context.Background(), redeemer, "LAUNCH25")
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("repeat redemption must return the original row")
	}
	if got := repo.promos[1].RedemptionCount; got != 1 {
		t.Fatalf("repeat redemption must not consume a slot, count %d", got)
	}
	if auditor.count(ActionRedeem) != 1 {
		t.Fatalf("expected one redeem audit entry, got %d", auditor.count(ActionRedeem))
	}
}

func TestRedeemEnforcesCap(t *testing.T) {
	svc, _, _ := newPromoFixture()
	if _, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "SCARCE", PercentOff: 50, MaxRedemptions: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.Redeem(context.Background(), redeemer, "SCARCE"); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	other := shared.Identity{ID: 43, Kind: shared.KindUser}
	if _, _, err := svc.Redeem(context.Background(), other, "SCARCE"); !errors.Is(err, ErrNotRedeemable) {
		t.Fatalf("expected cap rejection, got %v", err)
	}
	// The original redeemer still gets their existing redemption back.
	if _, _, err := svc.Redeem(context.Background(), redeemer, "SCARCE"); err == nil {
		t.Fatalf("cap applies to redeemability before the per-user lookup")
	}
}

func TestRedeemRespectsWindow(t *testing.T) {
	svc, _, _ := newPromoFixture()
	starts := time.Now().Add(time.Hour)
	ends := time.Now().Add(2 * time.Hour)
	if _, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "SOON", PercentOff: 10, StartsAt: starts, EndsAt: &ends}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := svc.Redeem(context.Background(), redeemer, "SOON"); !errors.Is(err, ErrNotRedeemable) {
		t.Fatalf("expected rejection before window, got %v", err)
	}
	svc.now = func() time.Time { return starts.Add(time.Minute) }
	if _, _, err := svc.Redeem(context.Background(), redeemer, "SOON"); err != nil {
		t.Fatalf("redeem inside window: %v", err)
	}
	svc.now = func() time.Time { return ends.Add(time.Minute) }
	other := shared.Identity{ID: 43, Kind: shared.KindUser}
	if _, _, err := svc.Redeem(context.Background(), other, "SOON"); !errors.Is(err, ErrNotRedeemable) {
		t.Fatalf("expected rejection after window, got %v", err)
	}
}

func TestDeactivateIsIdempotent(t *testing.T) {
	svc, _, auditor := newPromoFixture()
	if _, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "LAUNCH25", PercentOff: 25}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Deactivate(context.Background(), promoActor, "LAUNCH25"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := svc.Deactivate(context.Background(), promoActor, "LAUNC25"); !errors.Is(err, httpx.ErrNotFound) {
		t.Fatalf("expected 404 for unknown code, got %v", err)
	}
	if err := svc.Deactivate(context.Background(), promoActor, "LAUNCH25"); err != nil {
		t.Fatalf("second deactivate should be a no-op, got %v", err)
	}
	if auditor.count(ActionDeactivate) != 1 {
		t.Fatalf("expected one deactivate audit entry")
	}

	if _, _, err := svc.Redeem(context.Background(), redeemer, "LAUNCH25"); !errors.Is(err, ErrNotRedeemable) {
		t.Fatalf("deactivated code must not redeem, got %v", err)
	}
}

// stalePromoRepo reports one fewer redemption than is stored, standing in
// for a concurrent redeemer who claimed the last slot between the service's
// read and the redemption write.
type stalePromoRepo struct {
	*stubPromoRepo
}

func (s *stalePromoRepo) FindByCode(ctx context.Context, code string) (*PromoCode, error) {
	promo, err := s.stubPromoRepo.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if promo.RedemptionCount > 0 {
		promo.RedemptionCount--
	}
	return promo, nil
}

func TestRedeemCapHoldsAgainstStaleRead(t *testing.T) {
	base := newStubPromoRepo()
	auditor := &promoAuditor{}
	svc := NewService(&stalePromoRepo{stubPromoRepo: base}, auditor, nil)

	if _, err := svc.Create(context.Background(), promoActor, CreateInput{Code: "SCARCE", PercentOff: 50, MaxRedemptions: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.Redeem(context.Background(), redeemer, "SCARCE"); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	// The stale read passes the service pre-check; the conditional bump
	// must still refuse and leave no redemption row behind.
	other := shared.Identity{ID: 43, Kind: shared.KindUser}
	if _, _, err := svc.Redeem(context.Background(), other, "SCARCE"); !errors.Is(err, ErrNotRedeemable) {
		t.Fatalf("expected cap rejection, got %v", err)
	}
	if got := base.promos[1].RedemptionCount; got != 1 {
		t.Fatalf("counter overshot the cap: %d", got)
	}
	if _, ok := base.redemptions[redemptionKey(1, 43)]; ok {
		t.Fatalf("rejected redemption left a row behind")
	}
	if auditor.count(ActionRedeem) != 1 {
		t.Fatalf("expected one redeem audit entry")
	}
}
