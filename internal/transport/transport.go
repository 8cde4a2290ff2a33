package transport

import (
	"context"
	"strings"
	"time"

	"github.com/spec-kit/support-bridge/internal/domain"
	"github.com/spec-kit/support-bridge/internal/format"
)

// Chat types delivered by the platform.
const (
	ChatPrivate    = "private"
	ChatGroup      = "group"
	ChatSupergroup = "supergroup"
)

// User identifies the sender of an inbound event.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsBot     bool   `json:"is_bot"`
}

// FullName joins the name parts the platform provides.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Attachment is the opaque file descriptor attached to a message.
type Attachment struct {
	Kind         domain.AttachmentKind `json:"kind"`
	FileID       string                `json:"file_id"`
	FileUniqueID string                `json:"file_unique_id"`
	FileName     string                `json:"file_name,omitempty"`
	MimeType     string                `json:"mime_type,omitempty"`
	SizeBytes    int64                 `json:"size_bytes,omitempty"`
	Width        int                   `json:"width,omitempty"`
	Height       int                   `json:"height,omitempty"`
	Duration     int                   `json:"duration,omitempty"`
}

// Message is one inbound chat message, already normalized: the content is
// either Text with Entities or an Attachment with Caption/CaptionEntities.
type Message struct {
	ID              int64         `json:"id"`
	ChatID          int64         `json:"chat_id"`
	ChatType        string        `json:"chat_type"`
	From            User          `json:"from"`
	Date            int64         `json:"date"`
	Text            string        `json:"text,omitempty"`
	Caption         string        `json:"caption,omitempty"`
	Entities        []format.Span `json:"entities,omitempty"`
	CaptionEntities []format.Span `json:"caption_entities,omitempty"`
	ReplyTo         *Message      `json:"reply_to,omitempty"`
	MediaGroupID    string        `json:"media_group_id,omitempty"`
	Attachment      *Attachment   `json:"attachment,omitempty"`
}

// Body returns the message text or attachment caption, whichever is present.
func (m *Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Spans returns the formatting spans matching Body.
func (m *Message) Spans() []format.Span {
	if m.Text != "" {
		return m.Entities
	}
	return m.CaptionEntities
}

// Timestamp converts the platform epoch into wall-clock time.
func (m *Message) Timestamp() time.Time {
	return time.Unix(m.Date, 0)
}

// IsPrivate reports whether the message arrived in a one-on-one chat.
func (m *Message) IsPrivate() bool {
	return m.ChatType == ChatPrivate
}

// Callback is an inbound button selection.
type Callback struct {
	ID        string `json:"id"`
	From      User   `json:"from"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Data      string `json:"data"`
}

// Update is the envelope delivered per inbound event.
type Update struct {
	Message  *Message  `json:"message,omitempty"`
	Callback *Callback `json:"callback,omitempty"`
}

// SentMessage references an outbound message accepted by the platform.
type SentMessage struct {
	ID     int64
	ChatID int64
}

// AlbumItem is one attachment in an outbound album.
type AlbumItem struct {
	Kind   domain.AttachmentKind `json:"kind"`
	FileID string                `json:"file_id"`
}

// Gateway is the outbound port to the chat platform. Captions and texts are
// expected in the escaped markup dialect produced by the format package.
type Gateway interface {
	SendText(ctx context.Context, chatID int64, text string) (SentMessage, error)
	SendAttachment(ctx context.Context, chatID int64, item AlbumItem, caption string) (SentMessage, error)
	SendAlbum(ctx context.Context, chatID int64, items []AlbumItem, caption string) ([]SentMessage, error)
	Reply(ctx context.Context, chatID int64, replyToID int64, text string) (SentMessage, error)
	SendChoices(ctx context.Context, chatID int64, text string, choices []string) (SentMessage, error)
}
