package tickets

import "time"

// Ticket statuses.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// Ticket priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Ticket is a support request raised by an end user.
type Ticket struct {
	ID             int64
	Subject        string
	Status         string
	Priority       string
	RequesterID    int64
	RequesterEmail string
	AssigneeID     *int64
	AssigneeEmail  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

// IsClosed reports whether the ticket reached its terminal state.
func (t Ticket) IsClosed() bool { return t.Status == StatusClosed }

// Message is a single entry in a ticket conversation.
type Message struct {
	ID          int64
	TicketID    int64
	AuthorID    int64
	AuthorType  string
	AuthorEmail string
	Body        string
	CreatedAt   time.Time
}

// ListFilters narrows admin ticket listings.
type ListFilters struct {
	Status     string
	Priority   string
	AssigneeID *int64
}

func validStatus(s string) bool {
	return s == StatusOpen || s == StatusPending || s == StatusClosed
}

func validPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
