package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/domain"
	"github.com/spec-kit/support-bridge/internal/events"
	"github.com/spec-kit/support-bridge/internal/format"
	"github.com/spec-kit/support-bridge/internal/identity"
	"github.com/spec-kit/support-bridge/internal/mediagroup"
	"github.com/spec-kit/support-bridge/internal/observability"
	"github.com/spec-kit/support-bridge/internal/transport"
)

func (r *TicketRouter) handleStaffMessage(ctx context.Context, msg *transport.Message) {
	auth := r.currentAuth()

	switch r.command(msg) {
	case "/close":
		r.handleClose(ctx, msg, auth)
	case "/tickets", "/open":
		r.handleOpenTickets(ctx, msg, auth)
	case "/conversation":
		r.handleConversation(ctx, msg, auth)
	case "/history":
		r.handleHandlerHistory(ctx, msg, auth)
	case "/register_handler":
		r.handleHandlerChange(ctx, msg, auth, true)
	case "/deregister_handler":
		r.handleHandlerChange(ctx, msg, auth, false)
	case "/handlers":
		r.handleListHandlers(ctx, msg, auth)
	default:
		if msg.MediaGroupID != "" {
			if err := r.operatorAlbums.Ingest(ctx, msg); err != nil {
				r.deps.Logger.Error("operator album ingest failed",
					zap.String("media_group_id", msg.MediaGroupID), zap.Error(err))
			}
			return
		}
		var attachments []transport.Attachment
		if msg.Attachment != nil {
			attachments = []transport.Attachment{*msg.Attachment}
		}
		r.handleOperatorReply(ctx, msg, auth, attachments)
	}
}

func (r *TicketRouter) finalizeOperatorAlbum(ctx context.Context, group *mediagroup.Group) {
	msg := group.Representative
	if msg.ReplyTo == nil {
		// Reply metadata usually rides on the album's first event only.
		for _, event := range group.Events {
			if event.ReplyTo != nil {
				clone := *msg
				clone.ReplyTo = event.ReplyTo
				msg = &clone
				break
			}
		}
	}

	attachments := make([]transport.Attachment, 0, len(group.Events))
	for _, event := range group.Events {
		if event.Attachment != nil {
			attachments = append(attachments, *event.Attachment)
		}
	}
	r.handleOperatorReply(ctx, msg, r.currentAuth(), attachments)
}

// replyGuards runs the shared staff-side preconditions. Returns the anchored
// ticket when the message is an actionable operator reply; ok is false after
// a notice was already sent or the message was silently ignored.
func (r *TicketRouter) replyGuards(ctx context.Context, msg *transport.Message, auth *identity.AuthContext) (*domain.Ticket, string, bool) {
	if msg.ReplyTo == nil {
		r.reply(ctx, msg, tmplOperatorNotReply)
		r.deps.Metrics.RecordEvent("staff_message", observability.OutcomeRejected)
		return nil, "", false
	}
	// Only forwards authored by the bot are valid reply anchors; anything
	// else is ordinary group chatter.
	if msg.ReplyTo.From.ID != r.deps.Config.Bot.UserID {
		r.deps.Metrics.RecordEvent("staff_message", observability.OutcomeDropped)
		return nil, "", false
	}
	if length := utf8.RuneCountInString(msg.Body()); length > r.deps.Config.Limits.MaxMessageLength {
		r.reply(ctx, msg, renderTemplate(tmplRejectTooLong,
			"length", strconv.Itoa(length),
			"limit", strconv.Itoa(r.deps.Config.Limits.MaxMessageLength)))
		r.deps.Metrics.RecordEvent("staff_message", observability.OutcomeRejected)
		return nil, "", false
	}
	if !auth.IsOperator(msg.From.ID) {
		r.reply(ctx, msg, tmplOperatorNotAuthorized)
		r.deps.Metrics.RecordEvent("staff_message", observability.OutcomeRejected)
		return nil, "", false
	}

	ticketID, username, ok := parseReplyAnchor(msg.ReplyTo.Body())
	if !ok {
		r.reply(ctx, msg, tmplInvalidReplyFormat)
		r.deps.Metrics.RecordEvent("staff_message", observability.OutcomeRejected)
		return nil, "", false
	}

	ticket, err := r.deps.Tickets.GetByID(ctx, ticketID)
	if errors.Is(err, pgx.ErrNoRows) {
		r.reply(ctx, msg, tmplInvalidReplyFormat)
		r.deps.Metrics.RecordEvent("staff_message", observability.OutcomeRejected)
		return nil, "", false
	}
	if err != nil {
		r.deps.Logger.Error("ticket lookup failed", zap.String("ticket_id", ticketID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "ticket_lookup")
		return nil, "", false
	}
	return ticket, username, true
}

func (r *TicketRouter) handleOperatorReply(ctx context.Context, msg *transport.Message, auth *identity.AuthContext, attachments []transport.Attachment) {
	ticket, username, ok := r.replyGuards(ctx, msg, auth)
	if !ok {
		return
	}
	if ticket.Status == domain.TicketStatusClosed {
		r.reply(ctx, msg, r.alreadyClosedNotice(ticket))
		return
	}

	userID, err := r.deps.Resolver.ResolveUserIDByUsername(ctx, username)
	if err != nil {
		r.deps.Logger.Warn("reply routing failed",
			zap.String("ticket_id", ticket.ID), zap.String("username", username), zap.Error(err))
		r.reply(ctx, msg, renderTemplate(tmplRoutingFailed,
			"ticket_id", ticket.ID, "username", username))
		return
	}

	content := msg.Body()
	if content == "" && len(attachments) == 0 {
		content = placeholderContent
	}
	formatted := format.Format(content, msg.Spans())

	text := renderTemplate(tmplOperatorReplyToUser, "ticket_id", ticket.ID, "content", formatted)
	plain := renderTemplate(tmplOperatorReplyToUser, "ticket_id", ticket.ID, "content", format.EscapeOnly(content))

	if _, err := r.sendUnit(ctx, userID, albumItems(attachments), text, plain); err != nil {
		r.deps.Logger.Error("user delivery failed",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "user_delivery")
		r.reply(ctx, msg, renderTemplate(tmplDeliveryFailed, "ticket_id", ticket.ID))
		return
	}

	r.appendMessage(ctx, ticket.ID, msg, formatted, domain.OriginOperator, attachments)

	if ticket.Status == domain.TicketStatusOpen {
		if err := r.deps.Tickets.SetStatus(ctx, ticket.ID, domain.TicketStatusInProgress); err != nil {
			r.deps.Logger.Warn("status advance failed",
				zap.String("ticket_id", ticket.ID), zap.Error(err))
		} else {
			r.publish(ctx, events.Event{
				Type:     events.EventTicketStatusChanged,
				TicketID: ticket.ID,
				Actor:    events.Actor{Origin: domain.OriginOperator, UserID: msg.From.ID},
				Payload: events.TicketStatusChangedPayload{
					OldStatus: domain.TicketStatusOpen,
					NewStatus: domain.TicketStatusInProgress,
				},
			})
		}
	}

	r.reply(ctx, msg, renderTemplate(tmplReplyDelivered, "ticket_id", ticket.ID))
	r.deps.Metrics.RecordEvent("staff_message", observability.OutcomeHandled)
}

func (r *TicketRouter) handleClose(ctx context.Context, msg *transport.Message, auth *identity.AuthContext) {
	ticket, _, ok := r.replyGuards(ctx, msg, auth)
	if !ok {
		return
	}
	if ticket.Status == domain.TicketStatusClosed {
		r.reply(ctx, msg, r.alreadyClosedNotice(ticket))
		return
	}

	closedBy := msg.From.FullName()
	if closedBy == "" {
		closedBy = msg.From.Username
	}
	err := r.deps.Tickets.Close(ctx, ticket.ID, msg.From.ID, closedBy, time.Now())
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a concurrent close race; report who won.
		if closed, lookupErr := r.deps.Tickets.GetClosedByID(ctx, ticket.ID); lookupErr == nil {
			r.reply(ctx, msg, r.alreadyClosedNotice(closed))
		} else {
			r.reply(ctx, msg, renderTemplate(tmplAlreadyClosed,
				"ticket_id", ticket.ID, "closed_by", "another operator", "closed_at", "just now"))
		}
		return
	}
	if err != nil {
		r.deps.Logger.Error("ticket close failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "ticket_close")
		return
	}

	r.publish(ctx, events.Event{
		Type:     events.EventTicketClosed,
		TicketID: ticket.ID,
		Actor:    events.Actor{Origin: domain.OriginOperator, UserID: msg.From.ID},
		Payload:  events.TicketClosedPayload{ClosedByID: msg.From.ID, ClosedByName: closedBy},
	})
	r.publish(ctx, events.Event{
		Type:     events.EventTicketStatusChanged,
		TicketID: ticket.ID,
		Actor:    events.Actor{Origin: domain.OriginOperator, UserID: msg.From.ID},
		Payload: events.TicketStatusChangedPayload{
			OldStatus: ticket.Status,
			NewStatus: domain.TicketStatusClosed,
		},
	})

	r.reply(ctx, msg, renderTemplate(tmplTicketClosedStaff, "ticket_id", ticket.ID, "closed_by", closedBy))
	r.send(ctx, ticket.UserID, renderTemplate(tmplTicketClosedUser, "ticket_id", ticket.ID))
	r.deps.Metrics.RecordEvent("staff_message", observability.OutcomeHandled)
}

func (r *TicketRouter) alreadyClosedNotice(ticket *domain.Ticket) string {
	closedBy := "unknown"
	if ticket.ClosedByName != nil && *ticket.ClosedByName != "" {
		closedBy = *ticket.ClosedByName
	}
	closedAt := "unknown"
	if ticket.ClosedAt != nil {
		closedAt = ticket.ClosedAt.In(r.loc).Format("2006-01-02 15:04")
	}
	return renderTemplate(tmplAlreadyClosed,
		"ticket_id", ticket.ID, "closed_by", closedBy, "closed_at", closedAt)
}

func (r *TicketRouter) handleOpenTickets(ctx context.Context, msg *transport.Message, auth *identity.AuthContext) {
	if !auth.IsOperator(msg.From.ID) {
		r.reply(ctx, msg, tmplOperatorNotAuthorized)
		return
	}

	tickets, err := r.deps.Tickets.ListActive(ctx)
	if err != nil {
		r.deps.Logger.Error("open tickets query failed", zap.Error(err))
		r.deps.Metrics.RecordError("router", "open_tickets")
		return
	}
	if len(tickets) == 0 {
		r.reply(ctx, msg, tmplNoOpenTickets)
		return
	}

	now := time.Now()
	lines := make([]string, 0, len(tickets))
	for _, ticket := range tickets {
		lines = append(lines, renderTemplate(tmplOpenTicketLine,
			"ticket_id", ticket.ID,
			"username", ticket.Username,
			"age", humanAge(now.Sub(ticket.CreatedAt)),
			"link", messageLink(ticket.MessageChatID, ticket.MessageID)))
	}
	r.reply(ctx, msg, strings.Join(lines, "\n"))
}

func (r *TicketRouter) handleConversation(ctx context.Context, msg *transport.Message, auth *identity.AuthContext) {
	ticket, _, ok := r.replyGuards(ctx, msg, auth)
	if !ok {
		return
	}

	messages, err := r.deps.Messages.ListByTicket(ctx, ticket.ID)
	if err != nil {
		r.deps.Logger.Error("transcript query failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "transcript")
		return
	}
	if len(messages) == 0 {
		r.reply(ctx, msg, renderTemplate(tmplTranscriptEmpty, "ticket_id", ticket.ID))
		return
	}

	lines := make([]string, 0, len(messages))
	for _, record := range messages {
		sender := record.SenderFullName
		if sender == "" {
			sender = record.SenderUsername
		}
		lines = append(lines, renderTemplate(tmplTranscriptLine,
			"origin", string(record.Origin),
			"sender", sender,
			"content", record.Content))
	}
	r.reply(ctx, msg, strings.Join(lines, "\n"))
}

func (r *TicketRouter) handleHandlerHistory(ctx context.Context, msg *transport.Message, auth *identity.AuthContext) {
	if !auth.IsOperator(msg.From.ID) {
		r.reply(ctx, msg, tmplOperatorNotAuthorized)
		return
	}

	tickets, err := r.deps.Tickets.ListClosedByHandler(ctx, msg.From.ID)
	if err != nil {
		r.deps.Logger.Error("handler history query failed",
			zap.Int64("handler_id", msg.From.ID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "handler_history")
		return
	}
	if len(tickets) == 0 {
		r.reply(ctx, msg, tmplNoHistory)
		return
	}

	lines := make([]string, 0, len(tickets))
	for _, ticket := range tickets {
		lines = append(lines, renderTemplate(tmplHistoryLine,
			"ticket_id", ticket.ID,
			"status", string(ticket.Status),
			"issue", truncate(ticket.Issue, 64)))
	}
	r.reply(ctx, msg, strings.Join(lines, "\n"))
}

func (r *TicketRouter) handleHandlerChange(ctx context.Context, msg *transport.Message, auth *identity.AuthContext, register bool) {
	if !auth.IsAdmin(msg.From.ID) {
		r.reply(ctx, msg, tmplAdminOnly)
		return
	}
	if msg.ReplyTo == nil {
		r.reply(ctx, msg, tmplHandlerMustReply)
		return
	}
	target := msg.ReplyTo.From
	if target.IsBot || target.ID == r.deps.Config.Bot.UserID {
		r.reply(ctx, msg, tmplHandlerIsBot)
		return
	}

	if register {
		handler := &domain.Handler{UserID: target.ID, Username: target.Username}
		if err := r.deps.Handlers.Register(ctx, handler); err != nil {
			r.deps.Logger.Error("handler register failed", zap.Int64("user_id", target.ID), zap.Error(err))
			r.deps.Metrics.RecordError("router", "handler_register")
			return
		}
		r.afterHandlerChange(ctx, msg, target, events.EventHandlerRegistered,
			renderTemplate(tmplHandlerRegistered, "username", target.Username))
		return
	}

	err := r.deps.Handlers.Deregister(ctx, target.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		r.reply(ctx, msg, renderTemplate(tmplHandlerNotFound, "username", target.Username))
		return
	}
	if err != nil {
		r.deps.Logger.Error("handler deregister failed", zap.Int64("user_id", target.ID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "handler_deregister")
		return
	}
	r.afterHandlerChange(ctx, msg, target, events.EventHandlerDeregistered,
		renderTemplate(tmplHandlerDeregistered, "username", target.Username))
}

func (r *TicketRouter) afterHandlerChange(ctx context.Context, msg *transport.Message, target transport.User, eventType events.EventType, notice string) {
	if err := r.RefreshAuth(ctx); err != nil {
		r.deps.Logger.Error("auth refresh failed", zap.Error(err))
	}
	r.publish(ctx, events.Event{
		Type:    eventType,
		Actor:   events.Actor{Origin: domain.OriginOperator, UserID: msg.From.ID},
		Payload: events.HandlerChangedPayload{HandlerID: target.ID, Username: target.Username},
	})
	r.reply(ctx, msg, notice)
}

func (r *TicketRouter) handleListHandlers(ctx context.Context, msg *transport.Message, auth *identity.AuthContext) {
	if !auth.IsAdmin(msg.From.ID) {
		r.reply(ctx, msg, tmplAdminOnly)
		return
	}

	handlers, err := r.deps.Handlers.List(ctx)
	if err != nil {
		r.deps.Logger.Error("handler list failed", zap.Error(err))
		r.deps.Metrics.RecordError("router", "handler_list")
		return
	}
	if len(handlers) == 0 {
		r.reply(ctx, msg, tmplNoHandlers)
		return
	}

	lines := make([]string, 0, len(handlers))
	for _, handler := range handlers {
		lines = append(lines, fmt.Sprintf("@%s (%d)", handler.Username, handler.UserID))
	}
	r.reply(ctx, msg, strings.Join(lines, "\n"))
}

// humanAge renders a coarse relative age for listings.
func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "moments"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// messageLink builds a deep link to a supergroup message. Plain groups have
// no linkable form, so the link is empty there.
func messageLink(chatID, messageID int64) string {
	id := strconv.FormatInt(chatID, 10)
	if !strings.HasPrefix(id, "-100") {
		return ""
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(id, "-100"), messageID)
}
