package domain

import "time"

// TicketChangeType captures what changed in a history entry.
type TicketChangeType string

const (
	ChangeTypeStatus TicketChangeType = "STATUS_CHANGE"
)

// TicketHistory is an immutable audit trail entry for a ticket transition.
type TicketHistory struct {
	ID          string
	TicketID    string
	ActorOrigin MessageOrigin
	ActorID     *int64
	ChangeType  TicketChangeType
	OldValue    map[string]any
	NewValue    map[string]any
	CreatedAt   time.Time
}
