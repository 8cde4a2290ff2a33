package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/config"
	"github.com/spec-kit/support-bridge/internal/domain"
	"github.com/spec-kit/support-bridge/internal/events"
	"github.com/spec-kit/support-bridge/internal/format"
	"github.com/spec-kit/support-bridge/internal/identity"
	"github.com/spec-kit/support-bridge/internal/mediagroup"
	"github.com/spec-kit/support-bridge/internal/observability"
	"github.com/spec-kit/support-bridge/internal/repository"
	"github.com/spec-kit/support-bridge/internal/transport"
)

const uniqueViolationCode = "23505"

var historyRanges = []string{"today", "week", "month", "all"}

// Dependencies bundles the collaborators TicketRouter needs.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Gateway     transport.Gateway
	Resolver    *identity.Resolver
	Tickets     repository.TicketRepository
	Messages    repository.TicketMessageRepository
	Attachments repository.AttachmentRepository
	Handlers    repository.HandlerRepository
	Users       repository.UserRepository
	Dispatcher  events.Dispatcher
}

// TicketRouter is the central state machine bridging private user chats with
// the staff group. Each inbound update is handled independently; per-ticket
// serialization rests on the store's transactional guarantees.
type TicketRouter struct {
	deps Dependencies
	loc  *time.Location

	authMu sync.RWMutex
	auth   *identity.AuthContext

	userAlbums     *mediagroup.Aggregator
	operatorAlbums *mediagroup.Aggregator
}

// NewTicketRouter wires the router and takes the initial operator snapshot.
func NewTicketRouter(deps Dependencies) (*TicketRouter, error) {
	loc, err := time.LoadLocation(deps.Config.Bot.Timezone)
	if err != nil {
		deps.Logger.Warn("invalid timezone, falling back to UTC",
			zap.String("timezone", deps.Config.Bot.Timezone))
		loc = time.UTC
	}

	r := &TicketRouter{deps: deps, loc: loc}
	r.userAlbums = mediagroup.NewAggregator(
		mediagroup.FinalizeDelay, r.ackAlbumFirstEvent, r.finalizeUserAlbum, deps.Logger)
	r.operatorAlbums = mediagroup.NewAggregator(
		mediagroup.FinalizeDelay, nil, r.finalizeOperatorAlbum, deps.Logger)

	if err := r.RefreshAuth(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// RefreshAuth recomputes the operator snapshot. Called at startup and after
// every handler registry mutation.
func (r *TicketRouter) RefreshAuth(ctx context.Context) error {
	auth, err := r.deps.Resolver.Snapshot(ctx)
	if err != nil {
		return err
	}
	r.authMu.Lock()
	r.auth = auth
	r.authMu.Unlock()
	return nil
}

func (r *TicketRouter) currentAuth() *identity.AuthContext {
	r.authMu.RLock()
	defer r.authMu.RUnlock()
	return r.auth
}

// HandleUpdate is the trust boundary: every failure below it becomes either a
// user notice or a log entry, never a crash.
func (r *TicketRouter) HandleUpdate(ctx context.Context, update *transport.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Metrics.RecordError("router", "panic")
			r.deps.Logger.Error("recovered panic in update handler", zap.Any("panic", rec))
		}
	}()

	switch {
	case update == nil:
	case update.Callback != nil:
		r.handleHistoryCallback(ctx, update.Callback)
	case update.Message == nil:
	case update.Message.IsPrivate():
		r.handlePrivateMessage(ctx, update.Message)
	case update.Message.ChatID == r.deps.Config.Bot.StaffChatID:
		r.handleStaffMessage(ctx, update.Message)
	}
}

func (r *TicketRouter) handlePrivateMessage(ctx context.Context, msg *transport.Message) {
	switch r.command(msg) {
	case "/start":
		name := msg.From.FirstName
		if name == "" {
			name = msg.From.Username
		}
		r.reply(ctx, msg, renderTemplate(tmplStart, "name", name))
		return
	case "/help":
		r.reply(ctx, msg, tmplHelp)
		return
	case "/history":
		if _, err := r.deps.Gateway.SendChoices(ctx, msg.ChatID, tmplHistoryPrompt, historyRanges); err != nil {
			r.deps.Logger.Warn("history prompt failed", zap.Error(err))
		}
		return
	}

	if notice, ok := r.contentFilter(msg.Body()); !ok {
		r.reply(ctx, msg, notice)
		r.deps.Metrics.RecordEvent("private_message", observability.OutcomeRejected)
		return
	}

	r.syncProfile(ctx, msg.From)

	if msg.MediaGroupID != "" {
		if err := r.userAlbums.Ingest(ctx, msg); err != nil {
			r.deps.Logger.Error("album ingest failed",
				zap.String("media_group_id", msg.MediaGroupID), zap.Error(err))
			r.deps.Metrics.RecordError("router", "album_ingest")
		}
		return
	}

	var attachments []transport.Attachment
	if msg.Attachment != nil {
		attachments = []transport.Attachment{*msg.Attachment}
	}
	r.routeUserUnit(ctx, msg, attachments, "", false)
}

// ackAlbumFirstEvent resolves the ticket id for a whole album and sends the
// single user-facing acknowledgement on the group's first event.
func (r *TicketRouter) ackAlbumFirstEvent(ctx context.Context, first *transport.Message) (string, error) {
	ticketID, existing, err := r.deps.Resolver.ResolveTicketID(ctx, first.From.ID)
	if err != nil {
		return "", err
	}
	tmpl := tmplUserAckNew
	if existing {
		tmpl = tmplUserAckExisting
	}
	r.reply(ctx, first, renderTemplate(tmpl, "ticket_id", ticketID))
	return ticketID, nil
}

func (r *TicketRouter) finalizeUserAlbum(ctx context.Context, group *mediagroup.Group) {
	attachments := make([]transport.Attachment, 0, len(group.Events))
	for _, event := range group.Events {
		if event.Attachment != nil {
			attachments = append(attachments, *event.Attachment)
		}
	}
	r.routeUserUnit(ctx, group.Representative, attachments, group.TicketID, true)
	r.publish(ctx, events.Event{
		Type:  events.EventMediaGroupFinalized,
		Actor: events.Actor{Origin: domain.OriginUser, UserID: group.Representative.From.ID},
		Payload: events.MediaGroupFinalizedPayload{
			GroupKey: group.MediaGroupID,
			Events:   len(group.Events),
		},
	})
}

// routeUserUnit runs the create-or-append step for one logical user unit,
// a single message or a finalized album. Forwarding precedes persistence so
// no ticket row is created for a unit that never reached the staff group.
func (r *TicketRouter) routeUserUnit(ctx context.Context, msg *transport.Message, attachments []transport.Attachment, preferredID string, acked bool) {
	ticketID, existing, err := r.resolveUnitTicket(ctx, msg.From.ID, preferredID)
	if err != nil {
		r.deps.Logger.Error("ticket resolution failed",
			zap.Int64("user_id", msg.From.ID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "resolve_ticket")
		return
	}

	content := msg.Body()
	if content == "" && len(attachments) == 0 {
		content = placeholderContent
	}
	formatted := format.Format(content, msg.Spans())

	forward := renderTemplate(tmplStaffForward,
		"ticket_id", ticketID,
		"username", msg.From.Username,
		"full_name", msg.From.FullName(),
		"content", formatted)
	plainForward := renderTemplate(tmplStaffForward,
		"ticket_id", ticketID,
		"username", msg.From.Username,
		"full_name", msg.From.FullName(),
		"content", format.EscapeOnly(content))

	staffMsg, err := r.sendUnit(ctx, r.deps.Config.Bot.StaffChatID, albumItems(attachments), forward, plainForward)
	if err != nil {
		r.deps.Logger.Error("staff forward failed",
			zap.String("ticket_id", ticketID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "staff_forward")
		return
	}

	if !existing {
		ticket := &domain.Ticket{
			ID:            ticketID,
			UserID:        msg.From.ID,
			Username:      msg.From.Username,
			UserFullName:  msg.From.FullName(),
			Issue:         summarize(msg),
			Status:        domain.TicketStatusOpen,
			MessageID:     staffMsg.ID,
			MessageChatID: staffMsg.ChatID,
		}
		switch err := r.deps.Tickets.Create(ctx, ticket); {
		case err == nil:
			r.publish(ctx, events.Event{
				Type:     events.EventTicketOpened,
				TicketID: ticketID,
				Actor:    events.Actor{Origin: domain.OriginUser, UserID: msg.From.ID},
				Payload:  events.TicketOpenedPayload{UserID: msg.From.ID, Issue: ticket.Issue},
			})
		case isUniqueViolation(err):
			// Lost the first-message race: another handler created the
			// ticket between resolution and insert. Append under it.
			active, lookupErr := r.deps.Tickets.GetActiveByUser(ctx, msg.From.ID)
			if lookupErr != nil {
				r.deps.Logger.Error("active ticket lookup after race failed",
					zap.Int64("user_id", msg.From.ID), zap.Error(lookupErr))
				return
			}
			r.deps.Logger.Warn("concurrent ticket create, appending to winner",
				zap.String("candidate_id", ticketID), zap.String("ticket_id", active.ID))
			ticketID = active.ID
			existing = true
		default:
			r.deps.Logger.Error("ticket create failed",
				zap.String("ticket_id", ticketID), zap.Error(err))
			r.deps.Metrics.RecordError("router", "ticket_create")
			return
		}
	}

	r.appendMessage(ctx, ticketID, msg, formatted, domain.OriginUser, attachments)

	if !acked {
		tmpl := tmplUserAckNew
		if existing {
			tmpl = tmplUserAckExisting
		}
		r.reply(ctx, msg, renderTemplate(tmpl, "ticket_id", ticketID))
	}
	r.deps.Metrics.RecordEvent("private_message", observability.OutcomeHandled)
}

// resolveUnitTicket honors a pre-resolved album ticket id when one is given.
func (r *TicketRouter) resolveUnitTicket(ctx context.Context, userID int64, preferredID string) (string, bool, error) {
	if preferredID == "" {
		return r.deps.Resolver.ResolveTicketID(ctx, userID)
	}
	ticket, err := r.deps.Tickets.GetByID(ctx, preferredID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return preferredID, false, nil
	case err != nil:
		return "", false, err
	case ticket.Active():
		return ticket.ID, true, nil
	default:
		// The pre-resolved ticket closed during the album window.
		return r.deps.Resolver.ResolveTicketID(ctx, userID)
	}
}

func (r *TicketRouter) appendMessage(ctx context.Context, ticketID string, msg *transport.Message, content string, origin domain.MessageOrigin, attachments []transport.Attachment) {
	record := &domain.TicketMessage{
		TicketID:       ticketID,
		SenderID:       msg.From.ID,
		SenderUsername: msg.From.Username,
		SenderFullName: msg.From.FullName(),
		Content:        content,
		Origin:         origin,
		MessageID:      msg.ID,
		ChatID:         msg.ChatID,
		SentAt:         msg.Timestamp(),
	}
	if err := r.deps.Messages.Create(ctx, record); err != nil {
		r.deps.Logger.Error("message append failed",
			zap.String("ticket_id", ticketID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "message_append")
		return
	}

	for _, attachment := range attachments {
		row := &domain.Attachment{
			TicketMessageID: record.ID,
			Kind:            attachment.Kind,
			FileID:          attachment.FileID,
			FileUniqueID:    attachment.FileUniqueID,
			FileName:        attachment.FileName,
			MimeType:        attachment.MimeType,
			SizeBytes:       attachment.SizeBytes,
		}
		if err := r.deps.Attachments.Create(ctx, row); err != nil {
			r.deps.Logger.Warn("attachment persist failed",
				zap.String("ticket_id", ticketID), zap.Error(err))
		}
	}

	r.publish(ctx, events.Event{
		Type:     events.EventMessageForwarded,
		TicketID: ticketID,
		Actor:    events.Actor{Origin: origin, UserID: msg.From.ID},
		Payload: events.MessageForwardedPayload{
			MessageID:   record.ID,
			Origin:      origin,
			Attachments: len(attachments),
		},
	})
}

func (r *TicketRouter) handleHistoryCallback(ctx context.Context, cb *transport.Callback) {
	since, ok := r.historySince(cb.Data)
	if !ok {
		return
	}

	tickets, err := r.deps.Tickets.ListByUserSince(ctx, cb.From.ID, since)
	if err != nil {
		r.deps.Logger.Error("user history query failed",
			zap.Int64("user_id", cb.From.ID), zap.Error(err))
		r.deps.Metrics.RecordError("router", "user_history")
		return
	}
	if len(tickets) == 0 {
		r.send(ctx, cb.ChatID, tmplNoHistory)
		return
	}

	lines := make([]string, 0, len(tickets))
	for _, ticket := range tickets {
		lines = append(lines, renderTemplate(tmplHistoryLine,
			"ticket_id", ticket.ID,
			"status", string(ticket.Status),
			"issue", truncate(ticket.Issue, 64)))
	}
	r.send(ctx, cb.ChatID, strings.Join(lines, "\n"))
}

func (r *TicketRouter) historySince(rangeKey string) (time.Time, bool) {
	now := time.Now().In(r.loc)
	switch rangeKey {
	case "today":
		year, month, day := now.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, r.loc), true
	case "week":
		return now.AddDate(0, 0, -7), true
	case "month":
		return now.AddDate(0, -1, 0), true
	case "all":
		return time.Time{}, true
	default:
		return time.Time{}, false
	}
}

// contentFilter applies the pure pre-routing checks. It returns the notice to
// send when the content is rejected.
func (r *TicketRouter) contentFilter(body string) (string, bool) {
	limits := r.deps.Config.Limits
	if length := utf8.RuneCountInString(body); length > limits.MaxMessageLength {
		return renderTemplate(tmplRejectTooLong,
			"length", strconv.Itoa(length),
			"limit", strconv.Itoa(limits.MaxMessageLength)), false
	}

	trimmed := strings.TrimSpace(body)
	for _, phrase := range limits.InvalidPhrases {
		if strings.EqualFold(trimmed, phrase) {
			return tmplRejectInvalid, false
		}
	}

	lower := strings.ToLower(body)
	for _, word := range limits.BannedWords {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			return tmplRejectBanned, false
		}
	}
	return "", true
}

// syncProfile upserts the stored profile snapshot when a name or username
// drifted since last seen. Failures only cost freshness.
func (r *TicketRouter) syncProfile(ctx context.Context, user transport.User) {
	stored, err := r.deps.Users.GetByID(ctx, user.ID)
	if err == nil &&
		stored.Username == user.Username &&
		stored.FirstName == user.FirstName &&
		stored.LastName == user.LastName {
		return
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		r.deps.Logger.Warn("profile lookup failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}

	profile := &domain.UserProfile{
		ID:        user.ID,
		Username:  user.Username,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}
	if err := r.deps.Users.Upsert(ctx, profile); err != nil {
		r.deps.Logger.Warn("profile upsert failed", zap.Int64("user_id", user.ID), zap.Error(err))
	}
}

// sendUnit delivers one outbound unit, retrying once with escape-only text
// when the platform rejects the formatted body.
func (r *TicketRouter) sendUnit(ctx context.Context, chatID int64, items []transport.AlbumItem, text, plainText string) (transport.SentMessage, error) {
	sent, err := r.trySendUnit(ctx, chatID, items, text)
	if err == nil || text == plainText {
		return sent, err
	}
	r.deps.Metrics.RecordError("transport", "formatted_send")
	r.deps.Logger.Warn("formatted send rejected, retrying escape-only",
		zap.Int64("chat_id", chatID), zap.Error(err))
	return r.trySendUnit(ctx, chatID, items, plainText)
}

func (r *TicketRouter) trySendUnit(ctx context.Context, chatID int64, items []transport.AlbumItem, text string) (transport.SentMessage, error) {
	switch len(items) {
	case 0:
		return r.deps.Gateway.SendText(ctx, chatID, text)
	case 1:
		return r.deps.Gateway.SendAttachment(ctx, chatID, items[0], text)
	default:
		sent, err := r.deps.Gateway.SendAlbum(ctx, chatID, items, text)
		if err != nil {
			return transport.SentMessage{}, err
		}
		if len(sent) == 0 {
			return transport.SentMessage{}, fmt.Errorf("album send returned no messages")
		}
		return sent[0], nil
	}
}

func (r *TicketRouter) reply(ctx context.Context, msg *transport.Message, text string) {
	if _, err := r.deps.Gateway.Reply(ctx, msg.ChatID, msg.ID, text); err != nil {
		r.deps.Logger.Warn("reply failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
	}
}

func (r *TicketRouter) send(ctx context.Context, chatID int64, text string) {
	if _, err := r.deps.Gateway.SendText(ctx, chatID, text); err != nil {
		r.deps.Logger.Warn("send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (r *TicketRouter) publish(ctx context.Context, event events.Event) {
	event.ID = uuid.NewString()
	event.Timestamp = time.Now()
	if err := r.deps.Dispatcher.Publish(ctx, event); err != nil {
		r.deps.Logger.Warn("event publish failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// command extracts the leading slash command of a message, with any
// @botname suffix stripped. Returns "" for non-command messages.
func (r *TicketRouter) command(msg *transport.Message) string {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := text
	if idx := strings.IndexAny(cmd, " \t\n"); idx > 0 {
		cmd = cmd[:idx]
	}
	return strings.TrimSuffix(cmd, "@"+r.deps.Config.Bot.Name)
}

func albumItems(attachments []transport.Attachment) []transport.AlbumItem {
	if len(attachments) == 0 {
		return nil
	}
	items := make([]transport.AlbumItem, 0, len(attachments))
	for _, attachment := range attachments {
		items = append(items, transport.AlbumItem{Kind: attachment.Kind, FileID: attachment.FileID})
	}
	return items
}

// summarize derives the persisted issue line for a ticket: the raw text for
// text messages, a descriptor for attachments.
func summarize(msg *transport.Message) string {
	if msg.Attachment == nil {
		if body := msg.Body(); body != "" {
			return body
		}
		return placeholderContent
	}

	a := msg.Attachment
	var b strings.Builder
	b.WriteString("[" + string(a.Kind) + "]")
	if a.FileName != "" {
		b.WriteString(" " + a.FileName)
	} else {
		b.WriteString(" " + a.FileUniqueID)
	}

	var details []string
	if a.MimeType != "" {
		details = append(details, a.MimeType)
	}
	if a.SizeBytes > 0 {
		details = append(details, fmt.Sprintf("%d bytes", a.SizeBytes))
	}
	if a.Width > 0 && a.Height > 0 {
		details = append(details, fmt.Sprintf("%dx%d", a.Width, a.Height))
	}
	if a.Duration > 0 {
		details = append(details, fmt.Sprintf("%ds", a.Duration))
	}
	if len(details) > 0 {
		b.WriteString(" (" + strings.Join(details, ", ") + ")")
	}
	if caption := msg.Body(); caption != "" {
		b.WriteString(": " + caption)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
