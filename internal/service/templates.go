package service

import (
	"regexp"
	"strings"
)

// placeholderContent stands in for a message with no text, no caption, and no
// recognized attachment, so the forwarded unit is never blank markup.
const placeholderContent = "..."

// Staff-group forwards embed the ticket id and the requester's username in a
// shape replyAnchorPattern can recover. The two must change in lockstep.
const (
	tmplStaffForward = "🎫 Ticket `{ticket_id}`\n👤 From: @{username} ({full_name})\n\n{content}"

	tmplUserAckNew      = "✅ Ticket `{ticket_id}` opened. Our team will reply to you here."
	tmplUserAckExisting = "📨 Added to your ticket `{ticket_id}`."

	tmplRejectTooLong = "⚠️ Your message is too long ({length} characters, the limit is {limit}). Please shorten it."
	tmplRejectInvalid = "⚠️ This message cannot be processed. Please describe your issue differently."
	tmplRejectBanned  = "⚠️ Your message contains disallowed language and was not sent."

	tmplStart = "👋 Hello {name}! Describe your issue in one message and a support ticket will be opened for you."
	tmplHelp  = "Send any message here to open a support ticket. Our team answers in this chat.\n\n/start — introduction\n/help — this message\n/history — your past tickets"

	tmplOperatorNotReply      = "Reply to a forwarded ticket message to answer it."
	tmplOperatorNotAuthorized = "You are not authorized to handle tickets."
	tmplInvalidReplyFormat    = "The replied-to message does not contain a recognizable ticket."
	tmplAlreadyClosed         = "Ticket `{ticket_id}` was already closed by {closed_by} at {closed_at}."
	tmplRoutingFailed         = "Could not deliver the reply for ticket `{ticket_id}`: user @{username} was not found."
	tmplDeliveryFailed        = "⚠️ Delivery for ticket `{ticket_id}` failed. Please try again."
	tmplReplyDelivered        = "✅ Reply delivered for ticket `{ticket_id}`."
	tmplOperatorReplyToUser   = "💬 Support reply on ticket `{ticket_id}`:\n\n{content}"

	tmplTicketClosedStaff = "🔒 Ticket `{ticket_id}` closed by {closed_by}."
	tmplTicketClosedUser  = "🔒 Your ticket `{ticket_id}` has been closed. Send a new message to open another one."

	tmplHandlerRegistered   = "✅ @{username} is now registered as a ticket handler."
	tmplHandlerDeregistered = "✅ @{username} is no longer a ticket handler."
	tmplHandlerNotFound     = "@{username} is not a registered handler."
	tmplHandlerMustReply    = "Reply to a message from the person you want to register or remove."
	tmplNoHandlers          = "No handlers registered."
	tmplHandlerIsBot        = "Bots cannot be registered as handlers."
	tmplAdminOnly           = "Only admins can manage the handler registry."

	tmplNoOpenTickets   = "No open tickets right now."
	tmplOpenTicketLine  = "🎫 `{ticket_id}` — @{username}, {age} ago {link}"
	tmplNoHistory       = "No tickets found for this period."
	tmplHistoryLine     = "🎫 `{ticket_id}` [{status}] {issue}"
	tmplHistoryPrompt   = "Which period would you like to see?"
	tmplTranscriptEmpty = "No messages recorded for ticket `{ticket_id}`."
	tmplTranscriptLine  = "[{origin}] {sender}: {content}"
)

// replyAnchorPattern recovers the ticket id and username from a forwarded
// unit's rendered text. The platform strips markup when rendering, so the
// backticks around the id are optional. The username capture is anchored to
// the From line and may be empty: a requester without a username must not be
// confused with @mentions inside the quoted content.
var replyAnchorPattern = regexp.MustCompile("Ticket\\s+`?([0-9a-f]{16})`?[\\s\\S]*?From:\\s*@([A-Za-z0-9_]*)")

// renderTemplate substitutes {key} placeholders. kv is key/value pairs.
func renderTemplate(tmpl string, kv ...string) string {
	if len(kv) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// parseReplyAnchor extracts the ticket id and username embedded in a
// forwarded unit. ok is false when the text is not a recognizable anchor.
func parseReplyAnchor(text string) (ticketID, username string, ok bool) {
	match := replyAnchorPattern.FindStringSubmatch(text)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}
