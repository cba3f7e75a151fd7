package billing

import (
	"context"
	"errors"
	"maps"
	"testing"
	"time"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/identity"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// stubBillingRepo keeps everything in maps and rolls them back when the
// transactional callback fails, mirroring the pgx repository.
type stubBillingRepo struct {
	subs     map[int64]*Subscription
	events   map[string]bool
	statuses map[int64]string
	audits   []audit.Entry
	nextID   int64

	failUpserts int
}

func newStubBillingRepo() *stubBillingRepo {
	return &stubBillingRepo{
		subs:     map[int64]*Subscription{},
		events:   map[string]bool{},
		statuses: map[int64]string{},
	}
}

func (s *stubBillingRepo) Atomically(ctx context.Context, fn func(TxPort) error) error {
	subs := maps.Clone(s.subs)
	events := maps.Clone(s.events)
	statuses := maps.Clone(s.statuses)
	audits := len(s.audits)
	if err := fn(s); err != nil {
		s.subs = subs
		s.events = events
		s.statuses = statuses
		s.audits = s.audits[:audits]
		return err
	}
	return nil
}

func (s *stubBillingRepo) Upsert(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if s.failUpserts > 0 {
		s.failUpserts--
		return nil, errors.New("connection reset")
	}
	existing, ok := s.subs[sub.UserID]
	if ok {
		existing.Plan = sub.Plan
		existing.Status = sub.Status
		existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
		return existing, nil
	}
	s.nextID++
	stored := *sub
	stored.ID = s.nextID
	s.subs[sub.UserID] = &stored
	return &stored, nil
}

func (s *stubBillingRepo) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	if s.events[eventID] {
		return false, nil
	}
	s.events[eventID] = true
	return true, nil
}

func (s *stubBillingRepo) MirrorSubscriptionStatus(ctx context.Context, userID int64, status string) error {
	s.statuses[userID] = status
	return nil
}

func (s *stubBillingRepo) RecordAudit(ctx context.Context, entry audit.Entry) error {
	s.audits = append(s.audits, entry)
	return nil
}

func (s *stubBillingRepo) FindByUser(ctx context.Context, userID int64) (*Subscription, error) {
	if sub, ok := s.subs[userID]; ok {
		return sub, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubBillingRepo) List(ctx context.Context, status string, limit, offset int) ([]Subscription, int64, error) {
	var out []Subscription
	for _, sub := range s.subs {
		if status == "" || sub.Status == status {
			out = append(out, *sub)
		}
	}
	return out, int64(len(out)), nil
}

func (s *stubBillingRepo) PurgeProcessedEvents(ctx context.Context, olderThanDays int) (int64, error) {
	n := int64(len(s.events))
	s.events = map[string]bool{}
	return n, nil
}

func (s *stubBillingRepo) auditCount(action string) int {
	n := 0
	for _, e := range s.audits {
		if e.Action == action {
			n++
		}
	}
	return n
}

type captureAuditor struct {
	entries []audit.Entry
}

func (c *captureAuditor) Record(ctx context.Context, entry audit.Entry) error {
	c.entries = append(c.entries, entry)
	return nil
}

func TestProcessEventUpdatesAndMirrors(t *testing.T) {
	repo := newStubBillingRepo()
	svc := NewService(repo, &captureAuditor{}, nil, nil)

	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := svc.ProcessEvent(context.Background(), Event{
		ID: "evt_1", Type: EventSubscriptionUpdated, UserID: 42, Plan: "pro", Status: StatusTrialing, PeriodEnd: end,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	sub := repo.subs[42]
	if sub == nil || sub.Status != StatusTrialing || sub.Plan != "pro" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("expected period end stored")
	}
	if repo.statuses[42] != identity.SubscriptionTrialing {
		t.Fatalf("expected trialing mirrored, got %q", repo.statuses[42])
	}
	if repo.auditCount(ActionSubscriptionSync) != 1 {
		t.Fatalf("expected one sync audit entry")
	}
}

func TestProcessEventDedupe(t *testing.T) {
	repo := newStubBillingRepo()
	svc := NewService(repo, &captureAuditor{}, nil, nil)

	ev := Event{ID: "evt_1", Type: EventPaymentSucceeded, UserID: 42, Plan: "pro"}
	if err := svc.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := svc.ProcessEvent(context.Background(), ev); !errors.Is(err, ErrEventSeen) {
		t.Fatalf("expected ErrEventSeen on redelivery, got %v", err)
	}
	if len(repo.subs) != 1 {
		t.Fatalf("redelivery must not write a second subscription")
	}
	if repo.auditCount(ActionSubscriptionSync) != 1 {
		t.Fatalf("redelivery must not write a second audit entry")
	}
}

func TestProcessEventRetriesAfterTransientFailure(t *testing.T) {
	repo := newStubBillingRepo()
	repo.failUpserts = 1
	svc := NewService(repo, &captureAuditor{}, nil, nil)

	ev := Event{ID: "evt_1", Type: EventPaymentSucceeded, UserID: 42, Plan: "pro"}
	if err := svc.ProcessEvent(context.Background(), ev); err == nil {
		t.Fatalf("expected first delivery to fail")
	}
	// The failed apply must roll the dedupe mark back with it.
	if repo.events["evt_1"] {
		t.Fatalf("failed delivery burned the event id")
	}
	if len(repo.subs) != 0 {
		t.Fatalf("failed delivery left a subscription behind")
	}

	if err := svc.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sub := repo.subs[42]; sub == nil || sub.Status != StatusActive {
		t.Fatalf("retry did not apply the event: %+v", repo.subs[42])
	}
	if repo.statuses[42] != identity.SubscriptionActive {
		t.Fatalf("retry did not mirror the status, got %q", repo.statuses[42])
	}
	if repo.auditCount(ActionSubscriptionSync) != 1 {
		t.Fatalf("expected exactly one sync audit entry")
	}
}

func TestProcessEventStatusMapping(t *testing.T) {
	cases := []struct {
		evType     string
		wantStatus string
		wantMirror string
	}{
		{EventSubscriptionDeleted, StatusCanceled, identity.SubscriptionNone},
		{EventPaymentFailed, StatusPastDue, identity.SubscriptionPastDue},
		{EventPaymentSucceeded, StatusActive, identity.SubscriptionActive},
	}
	for i, tc := range cases {
		repo := newStubBillingRepo()
		svc := NewService(repo, &captureAuditor{}, nil, nil)

		ev := Event{ID: "evt", Type: tc.evType, UserID: 7, Plan: "pro"}
		if err := svc.ProcessEvent(context.Background(), ev); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if got := repo.subs[7].Status; got != tc.wantStatus {
			t.Fatalf("case %d: expected status %s, got %s", i, tc.wantStatus, got)
		}
		if got := repo.statuses[7]; got != tc.wantMirror {
			t.Fatalf("case %d: expected mirror %s, got %s", i, tc.wantMirror, got)
		}
	}
}

func TestProcessEventRejectsBadInput(t *testing.T) {
	repo := newStubBillingRepo()
	svc := NewService(repo, &captureAuditor{}, nil, nil)
	cases := []Event{
		{Type: EventPaymentSucceeded, UserID: 1},
		{ID: "evt", Type: EventPaymentSucceeded},
		{ID: "evt", Type: "bogus.event", UserID: 1},
		{ID: "evt", Type: EventSubscriptionUpdated, UserID: 1, Status: "lifetime"},
	}
	for i, ev := range cases {
		if err := svc.ProcessEvent(context.Background(), ev); !errors.Is(err, httpx.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	// Invalid events never reach the dedupe mark.
	if len(repo.events) != 0 {
		t.Fatalf("invalid events must not burn event ids")
	}
}

func TestSubscriptionNotFound(t *testing.T) {
	svc := NewService(newStubBillingRepo(), &captureAuditor{}, nil, nil)
	if _, err := svc.Subscription(context.Background(), 99); !errors.Is(err, httpx.ErrNotFound) {
		t.Fatalf("expected 404 mapping, got %v", err)
	}
}
