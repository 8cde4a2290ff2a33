package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets. Transitions are
// monotonic: open -> in_progress -> closed, with no reopen.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusClosed     TicketStatus = "closed"
)

// Ticket is the aggregate for a tracked support request. At most one ticket
// per user may be active at any time; tickets are never deleted once created.
type Ticket struct {
	ID            string
	UserID        int64
	Username      string
	UserFullName  string
	Issue         string
	Status        TicketStatus
	MessageID     int64
	MessageChatID int64
	ClosedByID    *int64
	ClosedByName  *string
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the ticket still accepts routed messages.
func (t *Ticket) Active() bool {
	return t.Status == TicketStatusOpen || t.Status == TicketStatusInProgress
}
