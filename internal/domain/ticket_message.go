package domain

import "time"

// MessageOrigin indicates which side of the bridge authored a message.
type MessageOrigin string

const (
	OriginUser     MessageOrigin = "user"
	OriginOperator MessageOrigin = "operator"
)

// AttachmentKind enumerates supported attachment content kinds.
type AttachmentKind string

const (
	AttachmentDocument AttachmentKind = "document"
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentVideo    AttachmentKind = "video"
)

// TicketMessage is one append-only entry in a ticket's conversation log.
// Content is already rendered; ordering by SentAt is the conversation order.
type TicketMessage struct {
	ID             string
	TicketID       string
	SenderID       int64
	SenderUsername string
	SenderFullName string
	Content        string
	Origin         MessageOrigin
	MessageID      int64
	ChatID         int64
	SentAt         time.Time
	CreatedAt      time.Time
	Attachments    []Attachment
}

// Attachment stores the opaque platform file reference carried by a message.
type Attachment struct {
	ID              string
	TicketMessageID string
	Kind            AttachmentKind
	FileID          string
	FileUniqueID    string
	FileName        string
	MimeType        string
	SizeBytes       int64
	CreatedAt       time.Time
}
