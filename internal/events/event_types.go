package events

import (
	"time"

	"github.com/spec-kit/support-bridge/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketOpened        EventType = "ticket_opened"
	EventTicketStatusChanged EventType = "ticket_status_changed"
	EventTicketClosed        EventType = "ticket_closed"
	EventMessageForwarded    EventType = "message_forwarded"
	EventMediaGroupFinalized EventType = "media_group_finalized"
	EventHandlerRegistered   EventType = "handler_registered"
	EventHandlerDeregistered EventType = "handler_deregistered"
)

// Actor encapsulates who triggered an event.
type Actor struct {
	Origin domain.MessageOrigin `json:"origin"`
	UserID int64                `json:"user_id"`
}

// Event represents a domain event emitted by the router.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TicketID  string    `json:"ticket_id,omitempty"`
	Actor     Actor     `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// TicketOpenedPayload payload.
type TicketOpenedPayload struct {
	UserID int64  `json:"user_id"`
	Issue  string `json:"issue"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus domain.TicketStatus `json:"old_status"`
	NewStatus domain.TicketStatus `json:"new_status"`
}

// TicketClosedPayload payload.
type TicketClosedPayload struct {
	ClosedByID   int64  `json:"closed_by_id"`
	ClosedByName string `json:"closed_by_name"`
}

// MessageForwardedPayload payload.
type MessageForwardedPayload struct {
	MessageID   string               `json:"message_id"`
	Origin      domain.MessageOrigin `json:"origin"`
	Attachments int                  `json:"attachments"`
}

// MediaGroupFinalizedPayload payload.
type MediaGroupFinalizedPayload struct {
	GroupKey string `json:"group_key"`
	Events   int    `json:"events"`
}

// HandlerChangedPayload payload for register/deregister.
type HandlerChangedPayload struct {
	HandlerID int64  `json:"handler_id"`
	Username  string `json:"username"`
}
