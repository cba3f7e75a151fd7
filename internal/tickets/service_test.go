package tickets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

type stubTicketRepo struct {
	tickets  map[int64]*Ticket
	messages map[int64][]Message
	nextTkt  int64
	nextMsg  int64
}

func newStubTicketRepo() *stubTicketRepo {
	return &stubTicketRepo{tickets: map[int64]*Ticket{}, messages: map[int64][]Message{}}
}

func (s *stubTicketRepo) CreateTicket(ctx context.Context, subject, priority string, requesterID int64) (*Ticket, error) {
	s.nextTkt++
	t := &Ticket{ID: s.nextTkt, Subject: subject, Priority: priority, Status: StatusOpen, RequesterID: requesterID}
	s.tickets[t.ID] = t
	return t, nil
}

func (s *stubTicketRepo) FindByID(ctx context.Context, id int64) (*Ticket, error) {
	if t, ok := s.tickets[id]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubTicketRepo) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Ticket, int64, error) {
	var out []Ticket
	for _, t := range s.tickets {
		if filters.Status != "" && t.Status != filters.Status {
			continue
		}
		out = append(out, *t)
	}
	return out, int64(len(out)), nil
}

func (s *stubTicketRepo) ListByRequester(ctx context.Context, requesterID int64, limit, offset int) ([]Ticket, int64, error) {
	var out []Ticket
	for _, t := range s.tickets {
		if t.RequesterID == requesterID {
			out = append(out, *t)
		}
	}
	return out, int64(len(out)), nil
}

func (s *stubTicketRepo) UpdateStatus(ctx context.Context, id int64, status string, closedAt *time.Time) error {
	t, ok := s.tickets[id]
	if !ok {
		return shared.ErrNotFound
	}
	t.Status = status
	t.ClosedAt = closedAt
	return nil
}

func (s *stubTicketRepo) SetAssignee(ctx context.Context, id, assigneeID int64) error {
	t, ok := s.tickets[id]
	if !ok {
		return shared.ErrNotFound
	}
	t.AssigneeID = &assigneeID
	return nil
}

func (s *stubTicketRepo) CreateMessage(ctx context.Context, ticketID, authorID int64, authorType, body string) (*Message, error) {
	s.nextMsg++
	msg := Message{ID: s.nextMsg, TicketID: ticketID, AuthorID: authorID, AuthorType: authorType, Body: body}
	s.messages[ticketID] = append(s.messages[ticketID], msg)
	return &msg, nil
}

func (s *stubTicketRepo) ListMessages(ctx context.Context, ticketID int64) ([]Message, error) {
	return s.messages[ticketID], nil
}

type ticketAuditor struct {
	entries []audit.Entry
}

func (a *ticketAuditor) Record(ctx context.Context, entry audit.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func (a *ticketAuditor) count(action string) int {
	n := 0
	for _, e := range a.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

var (
	requester = shared.Identity{ID: 42, Email: "trader@example.com", Kind: shared.KindUser}
	stranger  = shared.Identity{ID: 43, Email: "other@example.com", Kind: shared.KindUser}
	supporter = shared.Identity{ID: 7, Email: "ops@traderdesk.io", Kind: shared.KindAdmin}
)

var opsActor = audit.Actor{ID: 7, Type: audit.ActorAdmin, Email: "ops@traderdesk.io"}

func newTicketFixture() (*Service, *stubTicketRepo, *ticketAuditor) {
	repo := newStubTicketRepo()
	auditor := &ticketAuditor{}
	return NewService(repo, auditor, nil), repo, auditor
}

func TestCreateTicketWithFirstMessage(t *testing.T) {
	svc, repo, auditor := newTicketFixture()
	ticket, err := svc.Create(context.Background(), requester, "Broker import fails", "CSV rejected with parse error", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.Status != StatusOpen || ticket.Priority != PriorityNormal {
		t.Fatalf("unexpected defaults: %+v", ticket)
	}
	msgs := repo.messages[ticket.ID]
	if len(msgs) != 1 || msgs[0].Body != "CSV rejected with parse error" {
		t.Fatalf("expected first message stored, got %+v", msgs)
	}
	if auditor.count(ActionCreate) != 1 {
		t.Fatalf("expected create audit entry")
	}
}

func TestCreateTicketValidation(t *testing.T) {
	svc, _, _ := newTicketFixture()
	if _, err := svc.Create(context.Background(), requester, "", "body", ""); !errors.Is(err, httpx.ErrValidation) {
		t.Fatalf("expected validation error for empty subject, got %v", err)
	}
	if _, err := svc.Create(context.Background(), requester, "subject", "body", "blocker"); !errors.Is(err, httpx.ErrValidation) {
		t.Fatalf("expected validation error for unknown priority, got %v", err)
	}
}

func TestGetEnforcesRequesterAccess(t *testing.T) {
	svc, _, _ := newTicketFixture()
	ticket, err := svc.Create(context.Background(), requester, "subject", "body", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.Get(context.Background(), stranger, ticket.ID); !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("expected 403 for stranger, got %v", err)
	}
	if _, _, err := svc.Get(context.Background(), requester, ticket.ID); err != nil {
		t.Fatalf("requester access: %v", err)
	}
	if _, _, err := svc.Get(context.Background(), supporter, ticket.ID); err != nil {
		t.Fatalf("admin access: %v", err)
	}
	if _, _, err := svc.Get(context.Background(), supporter, 999); !errors.Is(err, httpx.ErrNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestReplyStatusTransitions(t *testing.T) {
	svc, repo, _ := newTicketFixture()
	ticket, err := svc.Create(context.Background(), requester, "subject", "body", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Reply(context.Background(), supporter, ticket.ID, "looking into it"); err != nil {
		t.Fatalf("admin reply: %v", err)
	}
	if got := repo.tickets[ticket.ID].Status; got != StatusPending {
		t.Fatalf("admin reply should park ticket pending, got %s", got)
	}

	if _, err := svc.Reply(context.Background(), requester, ticket.ID, "still broken"); err != nil {
		t.Fatalf("user reply: %v", err)
	}
	if got := repo.tickets[ticket.ID].Status; got != StatusOpen {
		t.Fatalf("user reply should reopen ticket, got %s", got)
	}

	if _, err := svc.Reply(context.Background(), stranger, ticket.ID, "me too"); !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("expected 403 for stranger reply, got %v", err)
	}
}

func TestReplyToClosedTicketConflicts(t *testing.T) {
	svc, _, _ := newTicketFixture()
	ticket, err := svc.Create(context.Background(), requester, "subject", "body", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Close(context.Background(), opsActor, supporter, ticket.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.Reply(context.Background(), requester, ticket.ID, "hello?"); !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected 409 on closed ticket, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, repo, auditor := newTicketFixture()
	ticket, err := svc.Create(context.Background(), requester, "subject", "body", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Close(context.Background(), opsActor, supporter, ticket.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if repo.tickets[ticket.ID].ClosedAt == nil {
		t.Fatalf("expected closed_at set")
	}
	if err := svc.Close(context.Background(), opsActor, supporter, ticket.ID); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if auditor.count(ActionClose) != 1 {
		t.Fatalf("expected one close audit entry, got %d", auditor.count(ActionClose))
	}

	// The requester can close their own ticket; strangers cannot.
	other, _ := svc.Create(context.Background(), requester, "another", "body", "")
	if err := svc.Close(context.Background(), audit.Actor{ID: stranger.ID, Type: audit.ActorUser}, stranger, other.ID); !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("expected 403 for stranger close, got %v", err)
	}
	if err := svc.Close(context.Background(), audit.Actor{ID: requester.ID, Type: audit.ActorUser}, requester, other.ID); err != nil {
		t.Fatalf("requester close: %v", err)
	}
}

func TestReopenAndAssign(t *testing.T) {
	svc, repo, auditor := newTicketFixture()
	ticket, err := svc.Create(context.Background(), requester, "subject", "body", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Assign(context.Background(), opsActor, ticket.ID, 7); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got := repo.tickets[ticket.ID].AssigneeID; got == nil || *got != 7 {
		t.Fatalf("expected assignee 7, got %v", got)
	}

	if err := svc.Close(context.Background(), opsActor, supporter, ticket.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Assign(context.Background(), opsActor, ticket.ID, 8); !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected 409 assigning closed ticket, got %v", err)
	}

	if err := svc.Reopen(context.Background(), opsActor, ticket.ID); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := repo.tickets[ticket.ID].Status; got != StatusOpen {
		t.Fatalf("expected open after reopen, got %s", got)
	}
	// Reopening an open ticket changes nothing.
	if err := svc.Reopen(context.Background(), opsActor, ticket.ID); err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	if auditor.count(ActionReopen) != 1 {
		t.Fatalf("expected one reopen audit entry")
	}
}

func TestListFiltersValidateStatus(t *testing.T) {
	svc, _, _ := newTicketFixture()
	if _, _, err := svc.List(context.Background(), ListFilters{Status: "archived"}, 1, 20); !errors.Is(err, httpx.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type stubMailer struct {
	sent []struct{ to, subject, body string }
}

func (m *stubMailer) EnqueueTicketReply(ctx context.Context, to, subject, body string) error {
	m.sent = append(m.sent, struct{ to, subject, body string }{to, subject, body})
	return nil
}

func TestAdminReplyNotifiesRequester(t *testing.T) {
	svc, repo, _ := newTicketFixture()
	mailer := &stubMailer{}
	svc.SetMailer(mailer)

	ticket, err := svc.Create(context.Background(), requester, "charts broken", "body", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.tickets[ticket.ID].RequesterEmail = requester.Email

	if _, err := svc.Reply(context.Background(), supporter, ticket.ID, "fixed now"); err != nil {
		t.Fatalf("admin reply: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(mailer.sent))
	}
	if mailer.sent[0].to != requester.Email {
		t.Fatalf("mail went to %s", mailer.sent[0].to)
	}
	if mailer.sent[0].subject != "Re: charts broken" {
		t.Fatalf("unexpected subject %q", mailer.sent[0].subject)
	}

	if _, err := svc.Reply(context.Background(), requester, ticket.ID, "thanks"); err != nil {
		t.Fatalf("user reply: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("user replies should not mail, got %d", len(mailer.sent))
	}
}
