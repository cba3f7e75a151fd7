package tickets

import (
	"context"
	"time"
)

// RepositoryPort abstracts ticket persistence.
type RepositoryPort interface {
	CreateTicket(ctx context.Context, subject, priority string, requesterID int64) (*Ticket, error)
	FindByID(ctx context.Context, id int64) (*Ticket, error)
	List(ctx context.Context, filters ListFilters, limit, offset int) ([]Ticket, int64, error)
	ListByRequester(ctx context.Context, requesterID int64, limit, offset int) ([]Ticket, int64, error)
	UpdateStatus(ctx context.Context, id int64, status string, closedAt *time.Time) error
	SetAssignee(ctx context.Context, id, assigneeID int64) error
	CreateMessage(ctx context.Context, ticketID, authorID int64, authorType, body string) (*Message, error)
	ListMessages(ctx context.Context, ticketID int64) ([]Message, error)
}
