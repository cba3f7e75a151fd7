package tickets

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traderdesk/traderdesk/internal/shared"
)

// Repository is the pgx-backed ticket store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository instance.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ticketSelect = `
SELECT t.id, t.subject, t.status, t.priority,
       t.requester_id, u.email,
       t.assignee_id, a.email,
       t.created_at, t.updated_at, t.closed_at
FROM support_tickets t
JOIN users u ON u.id = t.requester_id
LEFT JOIN admin_users a ON a.id = t.assignee_id`

func scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(
		&t.ID, &t.Subject, &t.Status, &t.Priority,
		&t.RequesterID, &t.RequesterEmail,
		&t.AssigneeID, &t.AssigneeEmail,
		&t.CreatedAt, &t.UpdatedAt, &t.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTicket inserts a new open ticket and returns it with joined emails.
func (r *Repository) CreateTicket(ctx context.Context, subject, priority string, requesterID int64) (*Ticket, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO support_tickets (subject, status, priority, requester_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		subject, StatusOpen, priority, requesterID,
	).Scan(&id)
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// FindByID fetches a single ticket.
func (r *Repository) FindByID(ctx context.Context, id int64) (*Ticket, error) {
	return scanTicket(r.pool.QueryRow(ctx, ticketSelect+` WHERE t.id = $1`, id))
}

// List returns a filtered page of tickets, newest first.
func (r *Repository) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Ticket, int64, error) {
	where := ` WHERE ($1 = '' OR t.status = $1)
	  AND ($2 = '' OR t.priority = $2)
	  AND ($3::bigint IS NULL OR t.assignee_id = $3)`
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM support_tickets t`+where,
		filters.Status, filters.Priority, filters.AssigneeID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		ticketSelect+where+` ORDER BY t.created_at DESC LIMIT $4 OFFSET $5`,
		filters.Status, filters.Priority, filters.AssigneeID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	tickets, err := collectTickets(rows)
	return tickets, total, err
}

// ListByRequester returns the requester's own tickets, newest first.
func (r *Repository) ListByRequester(ctx context.Context, requesterID int64, limit, offset int) ([]Ticket, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM support_tickets WHERE requester_id = $1`, requesterID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		ticketSelect+` WHERE t.requester_id = $1 ORDER BY t.created_at DESC LIMIT $2 OFFSET $3`,
		requesterID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	tickets, err := collectTickets(rows)
	return tickets, total, err
}

func collectTickets(rows pgx.Rows) ([]Ticket, error) {
	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateStatus transitions the ticket status.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status string, closedAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE support_tickets
		SET status = $2, closed_at = $3, updated_at = NOW()
		WHERE id = $1`,
		id, status, closedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetAssignee assigns the ticket to an admin.
func (r *Repository) SetAssignee(ctx context.Context, id, assigneeID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE support_tickets
		SET assignee_id = $2, updated_at = NOW()
		WHERE id = $1`,
		id, assigneeID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CreateMessage appends a conversation entry.
func (r *Repository) CreateMessage(ctx context.Context, ticketID, authorID int64, authorType, body string) (*Message, error) {
	m := Message{TicketID: ticketID, AuthorID: authorID, AuthorType: authorType, Body: body}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO support_ticket_messages (ticket_id, author_id, author_type, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		ticketID, authorID, authorType, body,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the full conversation in chronological order.
func (r *Repository) ListMessages(ctx context.Context, ticketID int64) ([]Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.id, m.ticket_id, m.author_id, m.author_type,
		       COALESCE(u.email, a.email, ''), m.body, m.created_at
		FROM support_ticket_messages m
		LEFT JOIN users u ON m.author_type = 'user' AND u.id = m.author_id
		LEFT JOIN admin_users a ON m.author_type = 'admin' AND a.id = m.author_id
		WHERE m.ticket_id = $1
		ORDER BY m.created_at ASC`,
		ticketID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TicketID, &m.AuthorID, &m.AuthorType, &m.AuthorEmail, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
