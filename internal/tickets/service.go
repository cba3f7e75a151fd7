package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Sentinel errors surfaced by the ticket service.
var (
	ErrNotFound      = fmt.Errorf("%w: ticket not found", httpx.ErrNotFound)
	ErrTicketClosed  = fmt.Errorf("%w: ticket is closed", httpx.ErrConflict)
	ErrNotRequester  = fmt.Errorf("%w: not your ticket", httpx.ErrForbidden)
	ErrInvalidInput  = fmt.Errorf("%w: invalid ticket input", httpx.ErrValidation)
	ErrInvalidStatus = fmt.Errorf("%w: invalid status", httpx.ErrValidation)
)

// Audit actions for ticket state transitions.
const (
	ActionCreate = "support.ticket.create"
	ActionAssign = "support.ticket.assign"
	ActionClose  = "support.ticket.close"
	ActionReopen = "support.ticket.reopen"
)

// AuditRecorder persists ticket audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Mailer queues outbound ticket notification emails.
type Mailer interface {
	EnqueueTicketReply(ctx context.Context, to, subject, body string) error
}

// Service implements support ticket workflows.
type Service struct {
	repo    RepositoryPort
	auditor AuditRecorder
	mailer  Mailer
	logger  *slog.Logger
	now     func() time.Time
}

// SetMailer wires an optional outbound mail queue. When set, admin replies
// notify the ticket requester by email.
func (s *Service) SetMailer(m Mailer) { s.mailer = m }

// NewService constructs a ticket Service.
func NewService(repo RepositoryPort, auditor AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, auditor: auditor, logger: logger, now: time.Now}
}

// Create opens a new ticket with its first message.
func (s *Service) Create(ctx context.Context, requester shared.Identity, subject, body, priority string) (*Ticket, error) {
	subject = strings.TrimSpace(subject)
	body = strings.TrimSpace(body)
	if subject == "" || body == "" {
		return nil, ErrInvalidInput
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !validPriority(priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", httpx.ErrValidation, priority)
	}
	ticket, err := s.repo.CreateTicket(ctx, subject, priority, requester.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.CreateMessage(ctx, ticket.ID, requester.ID, audit.ActorUser, body); err != nil {
		return nil, err
	}
	s.record(ctx, actorFor(requester), ActionCreate, ticket.ID, nil, map[string]any{
		"subject":  ticket.Subject,
		"priority": ticket.Priority,
	})
	return ticket, nil
}

// Get returns a ticket with its conversation. Users only see their own.
func (s *Service) Get(ctx context.Context, caller shared.Identity, id int64) (*Ticket, []Message, error) {
	ticket, err := s.find(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !caller.IsAdmin() && ticket.RequesterID != caller.ID {
		return nil, nil, ErrNotRequester
	}
	messages, err := s.repo.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return ticket, messages, nil
}

// ListMine returns the caller's own tickets.
func (s *Service) ListMine(ctx context.Context, caller shared.Identity, page, perPage int) ([]Ticket, shared.Pagination, error) {
	page, perPage = normalizePage(page, perPage)
	rows, total, err := s.repo.ListByRequester(ctx, caller.ID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return rows, shared.NewPagination(page, perPage, int(total)), nil
}

// List returns a filtered page of all tickets for support staff.
func (s *Service) List(ctx context.Context, filters ListFilters, page, perPage int) ([]Ticket, shared.Pagination, error) {
	if filters.Status != "" && !validStatus(filters.Status) {
		return nil, shared.Pagination{}, ErrInvalidStatus
	}
	page, perPage = normalizePage(page, perPage)
	rows, total, err := s.repo.List(ctx, filters, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return rows, shared.NewPagination(page, perPage, int(total)), nil
}

// Reply appends a message. A user reply moves the ticket back to open, an
// admin reply parks it as pending. Closed tickets reject replies.
func (s *Service) Reply(ctx context.Context, caller shared.Identity, id int64, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrInvalidInput
	}
	ticket, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.IsClosed() {
		return nil, ErrTicketClosed
	}
	authorType := audit.ActorUser
	nextStatus := StatusOpen
	if caller.IsAdmin() {
		authorType = audit.ActorAdmin
		nextStatus = StatusPending
	} else if ticket.RequesterID != caller.ID {
		return nil, ErrNotRequester
	}
	msg, err := s.repo.CreateMessage(ctx, id, caller.ID, authorType, body)
	if err != nil {
		return nil, err
	}
	if ticket.Status != nextStatus {
		if err := s.repo.UpdateStatus(ctx, id, nextStatus, nil); err != nil {
			return nil, err
		}
	}
	if caller.IsAdmin() && s.mailer != nil {
		subject := fmt.Sprintf("Re: %s", ticket.Subject)
		if err := s.mailer.EnqueueTicketReply(ctx, ticket.RequesterEmail, subject, body); err != nil {
			s.logger.Warn("enqueue ticket reply mail",
				slog.Int64("ticket_id", id), slog.Any("error", err))
		}
	}
	return msg, nil
}

// Assign routes a ticket to an admin.
func (s *Service) Assign(ctx context.Context, actor audit.Actor, id, assigneeID int64) error {
	ticket, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if ticket.IsClosed() {
		return ErrTicketClosed
	}
	if err := s.repo.SetAssignee(ctx, id, assigneeID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.record(ctx, actor, ActionAssign, id,
		map[string]any{"assignee_id": ticket.AssigneeID},
		map[string]any{"assignee_id": assigneeID},
	)
	return nil
}

// Close moves the ticket to its terminal state. Closing an already closed
// ticket is a no-op and emits no audit entry.
func (s *Service) Close(ctx context.Context, actor audit.Actor, caller shared.Identity, id int64) error {
	ticket, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if !caller.IsAdmin() && ticket.RequesterID != caller.ID {
		return ErrNotRequester
	}
	if ticket.IsClosed() {
		return nil
	}
	now := s.now().UTC()
	if err := s.repo.UpdateStatus(ctx, id, StatusClosed, &now); err != nil {
		return err
	}
	s.record(ctx, actor, ActionClose, id,
		map[string]any{"status": ticket.Status},
		map[string]any{"status": StatusClosed},
	)
	return nil
}

// Reopen moves a closed ticket back to open.
func (s *Service) Reopen(ctx context.Context, actor audit.Actor, id int64) error {
	ticket, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if !ticket.IsClosed() {
		return nil
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusOpen, nil); err != nil {
		return err
	}
	s.record(ctx, actor, ActionReopen, id,
		map[string]any{"status": StatusClosed},
		map[string]any{"status": StatusOpen},
	)
	return nil
}

func (s *Service) find(ctx context.Context, id int64) (*Ticket, error) {
	ticket, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ticket, nil
}

func (s *Service) record(ctx context.Context, actor audit.Actor, action string, ticketID int64, before, after map[string]any) {
	entry := actor.NewEntry(action, "support_ticket", fmt.Sprintf("%d", ticketID), before, after)
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("record ticket audit", "action", action, "ticket_id", ticketID, "error", err)
	}
}

func actorFor(ident shared.Identity) audit.Actor {
	t := audit.ActorUser
	if ident.Kind == shared.KindAdmin {
		t = audit.ActorAdmin
	}
	return audit.Actor{ID: ident.ID, Type: t, Email: ident.Email}
}

func normalizePage(page, perPage int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}
