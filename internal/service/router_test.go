package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/config"
	"github.com/spec-kit/support-bridge/internal/domain"
	"github.com/spec-kit/support-bridge/internal/events"
	"github.com/spec-kit/support-bridge/internal/format"
	"github.com/spec-kit/support-bridge/internal/identity"
	"github.com/spec-kit/support-bridge/internal/observability"
	"github.com/spec-kit/support-bridge/internal/transport"
)

const (
	botID       = int64(999)
	staffChatID = int64(-1005000)
	adminID     = int64(777)
	aliceID     = int64(1)
)

type sentRecord struct {
	chatID  int64
	replyTo int64
	text    string
	items   int
}

type fakeGateway struct {
	mu           sync.Mutex
	sent         []sentRecord
	failTexts    int
	nextID       int64
	lastFailText string
}

func (g *fakeGateway) record(chatID, replyTo int64, text string, items int) transport.SentMessage {
	g.sent = append(g.sent, sentRecord{chatID: chatID, replyTo: replyTo, text: text, items: items})
	g.nextID++
	return transport.SentMessage{ID: g.nextID, ChatID: chatID}
}

func (g *fakeGateway) SendText(_ context.Context, chatID int64, text string) (transport.SentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failTexts > 0 {
		g.failTexts--
		g.lastFailText = text
		return transport.SentMessage{}, errors.New("can't parse entities")
	}
	return g.record(chatID, 0, text, 0), nil
}

func (g *fakeGateway) SendAttachment(_ context.Context, chatID int64, _ transport.AlbumItem, caption string) (transport.SentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record(chatID, 0, caption, 1), nil
}

func (g *fakeGateway) SendAlbum(_ context.Context, chatID int64, items []transport.AlbumItem, caption string) ([]transport.SentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return []transport.SentMessage{g.record(chatID, 0, caption, len(items))}, nil
}

func (g *fakeGateway) Reply(_ context.Context, chatID int64, replyToID int64, text string) (transport.SentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record(chatID, replyToID, text, 0), nil
}

func (g *fakeGateway) SendChoices(_ context.Context, chatID int64, text string, choices []string) (transport.SentMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record(chatID, 0, text+" "+strings.Join(choices, "|"), 0), nil
}

func (g *fakeGateway) toChat(chatID int64) []sentRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentRecord
	for _, record := range g.sent {
		if record.chatID == chatID {
			out = append(out, record)
		}
	}
	return out
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

// memTickets is an in-memory TicketRepository. noActiveHits makes the next N
// GetActiveByUser calls miss, forcing callers down the "no open ticket" path
// to provoke the create race.
type memTickets struct {
	mu           sync.Mutex
	rows         map[string]*domain.Ticket
	noActiveHits int
}

func newMemTickets() *memTickets {
	return &memTickets{rows: map[string]*domain.Ticket{}}
}

func clone(t *domain.Ticket) *domain.Ticket {
	cp := *t
	return &cp
}

func (m *memTickets) Create(_ context.Context, ticket *domain.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.UserID == ticket.UserID && row.Active() {
			return &pgconn.PgError{Code: uniqueViolationCode}
		}
	}
	ticket.CreatedAt = time.Now()
	ticket.UpdatedAt = ticket.CreatedAt
	m.rows[ticket.ID] = clone(ticket)
	return nil
}

func (m *memTickets) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		return clone(row), nil
	}
	return nil, pgx.ErrNoRows
}

func (m *memTickets) GetClosedByID(_ context.Context, id string) (*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok && row.Status == domain.TicketStatusClosed {
		return clone(row), nil
	}
	return nil, pgx.ErrNoRows
}

func (m *memTickets) GetActiveByUser(_ context.Context, userID int64) (*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noActiveHits > 0 {
		m.noActiveHits--
		return nil, pgx.ErrNoRows
	}
	for _, row := range m.rows {
		if row.UserID == userID && row.Active() {
			return clone(row), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memTickets) ListActive(context.Context) ([]domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Ticket
	for _, row := range m.rows {
		if row.Active() {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memTickets) SetStatus(_ context.Context, id string, status domain.TicketStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || !row.Active() {
		return pgx.ErrNoRows
	}
	row.Status = status
	row.UpdatedAt = time.Now()
	return nil
}

func (m *memTickets) Close(_ context.Context, id string, closedByID int64, closedByName string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status == domain.TicketStatusClosed {
		return pgx.ErrNoRows
	}
	row.Status = domain.TicketStatusClosed
	row.ClosedByID = &closedByID
	row.ClosedByName = &closedByName
	row.ClosedAt = &closedAt
	return nil
}

func (m *memTickets) ListClosedByHandler(_ context.Context, handlerID int64) ([]domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Ticket
	for _, row := range m.rows {
		if row.Status == domain.TicketStatusClosed && row.ClosedByID != nil && *row.ClosedByID == handlerID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memTickets) ListByUserSince(_ context.Context, userID int64, since time.Time) ([]domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Ticket
	for _, row := range m.rows {
		if row.UserID == userID && (since.IsZero() || row.CreatedAt.After(since)) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memTickets) all() []*domain.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Ticket
	for _, row := range m.rows {
		out = append(out, clone(row))
	}
	return out
}

type memMessages struct {
	mu   sync.Mutex
	rows []domain.TicketMessage
}

func (m *memMessages) Create(_ context.Context, msg *domain.TicketMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now()
	m.rows = append(m.rows, *msg)
	return nil
}

func (m *memMessages) ListByTicket(_ context.Context, ticketID string) ([]domain.TicketMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TicketMessage
	for _, row := range m.rows {
		if row.TicketID == ticketID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memMessages) all() []domain.TicketMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TicketMessage(nil), m.rows...)
}

type memAttachments struct {
	mu   sync.Mutex
	rows []domain.Attachment
}

func (m *memAttachments) Create(_ context.Context, attachment *domain.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if attachment.ID == "" {
		attachment.ID = uuid.NewString()
	}
	m.rows = append(m.rows, *attachment)
	return nil
}

func (m *memAttachments) ListByMessage(_ context.Context, ticketMessageID string) ([]domain.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Attachment
	for _, row := range m.rows {
		if row.TicketMessageID == ticketMessageID {
			out = append(out, row)
		}
	}
	return out, nil
}

type memHandlers struct {
	mu   sync.Mutex
	rows map[int64]domain.Handler
}

func newMemHandlers() *memHandlers {
	return &memHandlers{rows: map[int64]domain.Handler{}}
}

func (m *memHandlers) Register(_ context.Context, handler *domain.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	handler.Active = true
	handler.RegisteredAt = time.Now()
	m.rows[handler.UserID] = *handler
	return nil
}

func (m *memHandlers) Deregister(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[userID]; !ok {
		return pgx.ErrNoRows
	}
	delete(m.rows, userID)
	return nil
}

func (m *memHandlers) List(context.Context) ([]domain.Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Handler
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out, nil
}

type memUsers struct {
	mu   sync.Mutex
	rows map[int64]domain.UserProfile
}

func newMemUsers() *memUsers {
	return &memUsers{rows: map[int64]domain.UserProfile{}}
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		cp := row
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *memUsers) Upsert(_ context.Context, profile *domain.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[profile.ID] = *profile
	return nil
}

func (m *memUsers) GetIDByUsername(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Username == username {
			return row.ID, nil
		}
	}
	return 0, pgx.ErrNoRows
}

type memHistory struct {
	mu   sync.Mutex
	rows []domain.TicketHistory
}

func (m *memHistory) Create(_ context.Context, entry *domain.TicketHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.rows = append(m.rows, *entry)
	return nil
}

func (m *memHistory) ListByTicket(_ context.Context, ticketID string) ([]domain.TicketHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TicketHistory
	for _, row := range m.rows {
		if row.TicketID == ticketID {
			out = append(out, row)
		}
	}
	return out, nil
}

type fixture struct {
	router      *TicketRouter
	gateway     *fakeGateway
	tickets     *memTickets
	messages    *memMessages
	attachments *memAttachments
	handlers    *memHandlers
	users       *memUsers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		Bot: config.BotConfig{
			Name:        "deskbot",
			UserID:      botID,
			StaffChatID: staffChatID,
			AdminIDs:    []int64{adminID},
			Timezone:    "UTC",
		},
		Limits: config.LimitsConfig{
			MaxMessageLength: 4000,
			InvalidPhrases:   []string{"test"},
			BannedWords:      []string{"verboten"},
		},
	}

	gateway := &fakeGateway{}
	tickets := newMemTickets()
	messages := &memMessages{}
	attachments := &memAttachments{}
	handlers := newMemHandlers()
	users := newMemUsers()
	logger := zap.NewNop()

	resolver := identity.NewResolver(cfg.Bot.AdminIDs, handlers, users, tickets, nil, logger)
	router, err := NewTicketRouter(Dependencies{
		Config:      cfg,
		Logger:      logger,
		Metrics:     observability.NewMetrics(),
		Gateway:     gateway,
		Resolver:    resolver,
		Tickets:     tickets,
		Messages:    messages,
		Attachments: attachments,
		Handlers:    handlers,
		Users:       users,
		Dispatcher:  events.NewInMemoryDispatcher(logger),
	})
	require.NoError(t, err)

	return &fixture{
		router:      router,
		gateway:     gateway,
		tickets:     tickets,
		messages:    messages,
		attachments: attachments,
		handlers:    handlers,
		users:       users,
	}
}

func privateMsg(id int64, text string) *transport.Message {
	return &transport.Message{
		ID:       id,
		ChatID:   aliceID,
		ChatType: transport.ChatPrivate,
		From:     transport.User{ID: aliceID, Username: "alice", FirstName: "Alice"},
		Date:     time.Now().Unix(),
		Text:     text,
	}
}

func staffReply(id int64, text string, from transport.User, anchor *transport.Message) *transport.Message {
	return &transport.Message{
		ID:       id,
		ChatID:   staffChatID,
		ChatType: transport.ChatSupergroup,
		From:     from,
		Date:     time.Now().Unix(),
		Text:     text,
		ReplyTo:  anchor,
	}
}

func admin() transport.User {
	return transport.User{ID: adminID, Username: "op", FirstName: "Op"}
}

// staffForward returns the forwarded unit the staff group received, wrapped
// as the bot-authored message an operator would reply to.
func (f *fixture) staffForward(t *testing.T) *transport.Message {
	t.Helper()
	forwards := f.gateway.toChat(staffChatID)
	require.NotEmpty(t, forwards)
	return &transport.Message{
		ID:       500,
		ChatID:   staffChatID,
		ChatType: transport.ChatSupergroup,
		From:     transport.User{ID: botID, IsBot: true},
		Text:     forwards[0].text,
	}
}

func TestFirstPrivateMessageOpensTicket(t *testing.T) {
	f := newFixture(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})

	rows := f.tickets.all()
	require.Len(t, rows, 1)
	ticket := rows[0]
	assert.Equal(t, domain.TicketStatusOpen, ticket.Status)
	assert.Equal(t, aliceID, ticket.UserID)
	assert.Equal(t, "help me", ticket.Issue)
	assert.Len(t, ticket.ID, 16)

	forwards := f.gateway.toChat(staffChatID)
	require.Len(t, forwards, 1)
	assert.Contains(t, forwards[0].text, ticket.ID)
	assert.Contains(t, forwards[0].text, "@alice")
	assert.Contains(t, forwards[0].text, "help me")

	msgs := f.messages.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.OriginUser, msgs[0].Origin)

	acks := f.gateway.toChat(aliceID)
	require.Len(t, acks, 1)
	assert.Contains(t, acks[0].text, ticket.ID)
	assert.Contains(t, acks[0].text, "opened")
}

func TestSecondMessageAppendsToOpenTicket(t *testing.T) {
	f := newFixture(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(11, "still broken")})

	require.Len(t, f.tickets.all(), 1)
	assert.Len(t, f.messages.all(), 2)

	acks := f.gateway.toChat(aliceID)
	require.Len(t, acks, 2)
	assert.Contains(t, acks[1].text, "Added")
}

func TestConcurrentFirstMessagesCreateOneTicket(t *testing.T) {
	f := newFixture(t)
	// Force both handlers down the "no open ticket" path so the store's
	// uniqueness guard has to settle the race.
	f.tickets.noActiveHits = 2

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(id, "help me")})
		}(int64(20 + i))
	}
	wg.Wait()

	require.Len(t, f.tickets.all(), 1)
	assert.Len(t, f.messages.all(), 2)
}

func TestOversizedPrivateMessageRejected(t *testing.T) {
	f := newFixture(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: privateMsg(10, strings.Repeat("x", 4001)),
	})

	assert.Empty(t, f.tickets.all())
	acks := f.gateway.toChat(aliceID)
	require.Len(t, acks, 1)
	assert.Contains(t, acks[0].text, "too long")
}

func TestBannedWordRejected(t *testing.T) {
	f := newFixture(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: privateMsg(10, "this is VERBOTEN stuff"),
	})

	assert.Empty(t, f.tickets.all())
	acks := f.gateway.toChat(aliceID)
	require.Len(t, acks, 1)
	assert.Contains(t, acks[0].text, "disallowed")
}

func TestInvalidPhraseRejected(t *testing.T) {
	f := newFixture(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "  Test ")})

	assert.Empty(t, f.tickets.all())
}

func TestProfileDriftUpserted(t *testing.T) {
	f := newFixture(t)
	f.users.rows[aliceID] = domain.UserProfile{ID: aliceID, Username: "old_alice", FirstName: "Alice"}

	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})

	profile, err := f.users.GetByID(context.Background(), aliceID)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
}

func TestEmptyContentUsesPlaceholder(t *testing.T) {
	f := newFixture(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "")})

	forwards := f.gateway.toChat(staffChatID)
	require.Len(t, forwards, 1)
	assert.Contains(t, forwards[0].text, placeholderContent)
}

func TestStartAndHelpCommands(t *testing.T) {
	f := newFixture(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "/start")})
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(11, "/help")})

	assert.Empty(t, f.tickets.all())
	acks := f.gateway.toChat(aliceID)
	require.Len(t, acks, 2)
	assert.Contains(t, acks[0].text, "Alice")
	assert.Contains(t, acks[1].text, "/help")
}

func TestOperatorReplyForwardsToUser(t *testing.T) {
	f := newFixture(t)
	f.users.rows[aliceID] = domain.UserProfile{ID: aliceID, Username: "alice"}

	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})
	ticket := f.tickets.all()[0]

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "on it", admin(), f.staffForward(t)),
	})

	aliceMsgs := f.gateway.toChat(aliceID)
	require.Len(t, aliceMsgs, 2)
	assert.Contains(t, aliceMsgs[1].text, "on it")
	assert.Contains(t, aliceMsgs[1].text, ticket.ID)

	msgs := f.messages.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.OriginOperator, msgs[1].Origin)

	updated, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, updated.Status)

	staff := f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, "delivered")
}

func TestReplyToNonBotMessageSilentlyIgnored(t *testing.T) {
	f := newFixture(t)

	anchor := &transport.Message{
		ID: 50, ChatID: staffChatID, ChatType: transport.ChatSupergroup,
		From: transport.User{ID: 555, Username: "colleague"},
		Text: "lunch?",
	}
	before := f.gateway.count()
	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "sure", admin(), anchor),
	})

	assert.Equal(t, before, f.gateway.count())
	assert.Empty(t, f.messages.all())
}

func TestNonOperatorReplyRejected(t *testing.T) {
	f := newFixture(t)
	f.users.rows[aliceID] = domain.UserProfile{ID: aliceID, Username: "alice"}
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})

	intruder := transport.User{ID: 31337, Username: "rando"}
	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "I got this", intruder, f.staffForward(t)),
	})

	staff := f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, "not authorized")
	require.Len(t, f.messages.all(), 1)
}

func TestReplyWithUnparseableAnchorRejected(t *testing.T) {
	f := newFixture(t)

	anchor := &transport.Message{
		ID: 50, ChatID: staffChatID, ChatType: transport.ChatSupergroup,
		From: transport.User{ID: botID, IsBot: true},
		Text: "bot housekeeping notice",
	}
	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "hm", admin(), anchor),
	})

	staff := f.gateway.toChat(staffChatID)
	require.NotEmpty(t, staff)
	assert.Contains(t, staff[len(staff)-1].text, "recognizable")
}

func TestUnknownUsernameReportsRoutingFailure(t *testing.T) {
	f := newFixture(t)
	// alice is never stored, so username resolution must fail.
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "on it", admin(), f.staffForward(t)),
	})

	staff := f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, "not found")
	require.Len(t, f.messages.all(), 1)
}

func TestCloseFlow(t *testing.T) {
	f := newFixture(t)
	f.users.rows[aliceID] = domain.UserProfile{ID: aliceID, Username: "alice"}
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})
	ticket := f.tickets.all()[0]
	forward := f.staffForward(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "/close", admin(), forward),
	})

	closed, err := f.tickets.GetClosedByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedByID)
	assert.Equal(t, adminID, *closed.ClosedByID)
	require.NotNil(t, closed.ClosedAt)
	firstClosedAt := *closed.ClosedAt

	aliceMsgs := f.gateway.toChat(aliceID)
	assert.Contains(t, aliceMsgs[len(aliceMsgs)-1].text, "closed")

	staff := f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, "closed")

	// Second close must notice and leave the closing fields untouched.
	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(101, "/close", admin(), forward),
	})

	staff = f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, "already closed")

	again, err := f.tickets.GetClosedByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, firstClosedAt, *again.ClosedAt)
	assert.Equal(t, adminID, *again.ClosedByID)
}

func TestReplyToClosedTicketShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.users.rows[aliceID] = domain.UserProfile{ID: aliceID, Username: "alice"}
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})
	forward := f.staffForward(t)

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "/close", admin(), forward),
	})
	aliceBefore := len(f.gateway.toChat(aliceID))

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(101, "too late", admin(), forward),
	})

	staff := f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, "already closed")
	assert.Len(t, f.gateway.toChat(aliceID), aliceBefore)
	require.Len(t, f.messages.all(), 1)
}

func TestHandlerRegistrationGrantsOperatorRole(t *testing.T) {
	f := newFixture(t)
	f.users.rows[aliceID] = domain.UserProfile{ID: aliceID, Username: "alice"}
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})

	bob := transport.User{ID: 42, Username: "bob", FirstName: "Bob"}
	bobMsg := &transport.Message{ID: 60, ChatID: staffChatID, ChatType: transport.ChatSupergroup, From: bob, Text: "hi"}

	// bob is not yet an operator.
	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "on it", bob, f.staffForward(t)),
	})
	require.Len(t, f.messages.all(), 1)

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(101, "/register_handler", admin(), bobMsg),
	})
	staff := f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, "@bob")

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(102, "on it", bob, f.staffForward(t)),
	})
	require.Len(t, f.messages.all(), 2)

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(103, "/deregister_handler", admin(), bobMsg),
	})
	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(104, "me again", bob, f.staffForward(t)),
	})
	require.Len(t, f.messages.all(), 2)
}

func TestHandlerChangeRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	bob := transport.User{ID: 42, Username: "bob"}
	bobMsg := &transport.Message{ID: 60, ChatID: staffChatID, From: bob, Text: "hi"}

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "/register_handler", bob, bobMsg),
	})

	handlers, err := f.handlers.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handlers)
}

func TestHandlerChangeRejectsBotTarget(t *testing.T) {
	f := newFixture(t)
	botMsg := &transport.Message{
		ID: 60, ChatID: staffChatID,
		From: transport.User{ID: botID, IsBot: true}, Text: "hi",
	}

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "/register_handler", admin(), botMsg),
	})

	handlers, err := f.handlers.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handlers)
	staff := f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, "Bots")
}

func TestOpenTicketsListing(t *testing.T) {
	f := newFixture(t)
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})
	ticket := f.tickets.all()[0]

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "/tickets", admin(), nil),
	})

	staff := f.gateway.toChat(staffChatID)
	assert.Contains(t, staff[len(staff)-1].text, ticket.ID)
	assert.Contains(t, staff[len(staff)-1].text, "@alice")
}

func TestConversationTranscript(t *testing.T) {
	f := newFixture(t)
	f.users.rows[aliceID] = domain.UserProfile{ID: aliceID, Username: "alice"}
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})
	forward := f.staffForward(t)
	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "on it", admin(), forward),
	})

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(101, "/conversation", admin(), forward),
	})

	staff := f.gateway.toChat(staffChatID)
	transcript := staff[len(staff)-1].text
	assert.Contains(t, transcript, "[user]")
	assert.Contains(t, transcript, "[operator]")
	assert.Contains(t, transcript, "help me")
	assert.Contains(t, transcript, "on it")
}

func TestUserHistoryCallback(t *testing.T) {
	f := newFixture(t)
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: privateMsg(10, "help me")})
	ticket := f.tickets.all()[0]

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Callback: &transport.Callback{
			ID: "cb1", From: transport.User{ID: aliceID, Username: "alice"},
			ChatID: aliceID, Data: "all",
		},
	})

	aliceMsgs := f.gateway.toChat(aliceID)
	assert.Contains(t, aliceMsgs[len(aliceMsgs)-1].text, ticket.ID)

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Callback: &transport.Callback{
			ID: "cb2", From: transport.User{ID: 12345},
			ChatID: 12345, Data: "today",
		},
	})
	otherMsgs := f.gateway.toChat(12345)
	require.Len(t, otherMsgs, 1)
	assert.Contains(t, otherMsgs[0].text, "No tickets")
}

func TestFormattedSendFallsBackToEscapeOnly(t *testing.T) {
	f := newFixture(t)
	f.gateway.failTexts = 1

	msg := privateMsg(10, "broken _markup")
	msg.Entities = []format.Span{{Offset: 0, Length: 6, Kind: format.SpanBold}}
	f.router.HandleUpdate(context.Background(), &transport.Update{Message: msg})

	// The first attempt carried the bold markup; the retry must be the
	// escape-only rendering.
	assert.Contains(t, f.gateway.lastFailText, "*broken*")
	forwards := f.gateway.toChat(staffChatID)
	require.Len(t, forwards, 1)
	assert.NotContains(t, forwards[0].text, "*broken*")
	assert.Contains(t, forwards[0].text, `\_markup`)
	require.Len(t, f.tickets.all(), 1)
}

func TestAlbumCreatesSingleTicketAndAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := privateMsg(10, "")
	first.MediaGroupID = "album1"
	first.Attachment = &transport.Attachment{Kind: domain.AttachmentPhoto, FileID: "p1", FileUniqueID: "u1"}
	second := privateMsg(11, "")
	second.Caption = "see screenshots"
	second.Text = ""
	second.MediaGroupID = "album1"
	second.Attachment = &transport.Attachment{Kind: domain.AttachmentPhoto, FileID: "p2", FileUniqueID: "u2"}

	f.router.HandleUpdate(ctx, &transport.Update{Message: first})
	f.router.HandleUpdate(ctx, &transport.Update{Message: second})

	// One acknowledgement, on the first event.
	require.Len(t, f.gateway.toChat(aliceID), 1)

	f.router.userAlbums.Finalize(ctx, "album1")

	rows := f.tickets.all()
	require.Len(t, rows, 1)
	assert.Equal(t, "see screenshots", rows[0].Issue[strings.LastIndex(rows[0].Issue, ": ")+2:])

	forwards := f.gateway.toChat(staffChatID)
	require.Len(t, forwards, 1)
	assert.Equal(t, 2, forwards[0].items)
	assert.Contains(t, forwards[0].text, "see screenshots")

	require.Len(t, f.messages.all(), 1)
	atts, err := f.attachments.ListByMessage(ctx, f.messages.all()[0].ID)
	require.NoError(t, err)
	assert.Len(t, atts, 2)

	// The acknowledgement references the same ticket id the group settled on.
	ack := f.gateway.toChat(aliceID)[0]
	assert.Contains(t, ack.text, rows[0].ID)

	// No duplicate ack after finalize.
	require.Len(t, f.gateway.toChat(aliceID), 1)
}

func TestAnchorRoundTrip(t *testing.T) {
	id := fmt.Sprintf("%016x", 0xdeadbeef)
	forward := renderTemplate(tmplStaffForward,
		"ticket_id", id,
		"username", "alice",
		"full_name", "Alice A",
		"content", "help me")

	parsedID, username, ok := parseReplyAnchor(forward)
	require.True(t, ok)
	assert.Equal(t, id, parsedID)
	assert.Equal(t, "alice", username)

	// The platform strips markup when rendering, so the anchor must also
	// parse without the backticks.
	parsedID, username, ok = parseReplyAnchor(strings.ReplaceAll(forward, "`", ""))
	require.True(t, ok)
	assert.Equal(t, id, parsedID)
	assert.Equal(t, "alice", username)
}

func TestAnchorIgnoresMentionsInContent(t *testing.T) {
	id := fmt.Sprintf("%016x", 0xdeadbeef)
	forward := renderTemplate(tmplStaffForward,
		"ticket_id", id,
		"username", "",
		"full_name", "Bea",
		"content", "please tell @bob his build is broken")

	// A requester without a username leaves the From slot empty; mentions in
	// the quoted content must not be mistaken for it.
	parsedID, username, ok := parseReplyAnchor(forward)
	require.True(t, ok)
	assert.Equal(t, id, parsedID)
	assert.Empty(t, username)
}

func TestReplyForUsernamelessRequesterReportsRoutingFailure(t *testing.T) {
	f := newFixture(t)

	// bob exists, so a reply scraped off the quoted mention would resolve
	// and land in his chat.
	bobID := int64(4242)
	require.NoError(t, f.users.Upsert(context.Background(),
		&domain.UserProfile{ID: bobID, Username: "bob", FirstName: "Bob"}))

	f.router.HandleUpdate(context.Background(), &transport.Update{Message: &transport.Message{
		ID:       10,
		ChatID:   aliceID,
		ChatType: transport.ChatPrivate,
		From:     transport.User{ID: aliceID, FirstName: "Bea"},
		Date:     time.Now().Unix(),
		Text:     "please tell @bob his build is broken",
	}})
	require.Len(t, f.tickets.all(), 1)

	f.router.HandleUpdate(context.Background(), &transport.Update{
		Message: staffReply(100, "done, tell them", admin(), f.staffForward(t)),
	})

	assert.Empty(t, f.gateway.toChat(bobID))

	staffMsgs := f.gateway.toChat(staffChatID)
	require.Len(t, staffMsgs, 2)
	assert.Contains(t, staffMsgs[1].text, "was not found")
}
