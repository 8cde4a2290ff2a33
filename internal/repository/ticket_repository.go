package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-bridge/internal/domain"
)

// TicketRepository encapsulates ticket persistence. Each call is transactional
// at single-statement granularity; missing rows surface as pgx.ErrNoRows.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	// GetClosedByID returns the ticket only when it is closed.
	GetClosedByID(ctx context.Context, id string) (*domain.Ticket, error)
	// GetActiveByUser returns the user's open or in-progress ticket.
	GetActiveByUser(ctx context.Context, userID int64) (*domain.Ticket, error)
	ListActive(ctx context.Context) ([]domain.Ticket, error)
	// SetStatus advances an active ticket; the closed state is terminal and
	// can only be reached via Close.
	SetStatus(ctx context.Context, id string, status domain.TicketStatus) error
	// Close transitions the ticket to closed exactly once; closing an already
	// closed ticket reports pgx.ErrNoRows and mutates nothing.
	Close(ctx context.Context, id string, closedByID int64, closedByName string, closedAt time.Time) error
	ListClosedByHandler(ctx context.Context, handlerID int64) ([]domain.Ticket, error)
	ListByUserSince(ctx context.Context, userID int64, since time.Time) ([]domain.Ticket, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates the repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, user_id, username, user_full_name, issue, status,
       message_id, message_chat_id, closed_by_id, closed_by_name, closed_at,
       created_at, updated_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (id, user_id, username, user_full_name, issue, status, message_id, message_chat_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		ticket.ID,
		ticket.UserID,
		ticket.Username,
		ticket.UserFullName,
		ticket.Issue,
		ticket.Status,
		ticket.MessageID,
		ticket.MessageChatID,
	).Scan(&ticket.CreatedAt, &ticket.UpdatedAt)
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	return r.fetchSingle(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1`, id)
}

func (r *ticketRepository) GetClosedByID(ctx context.Context, id string) (*domain.Ticket, error) {
	return r.fetchSingle(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=$1 AND status='closed'`, id)
}

func (r *ticketRepository) GetActiveByUser(ctx context.Context, userID int64) (*domain.Ticket, error) {
	return r.fetchSingle(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE user_id=$1 AND status IN ('open','in_progress')`, userID)
}

func (r *ticketRepository) ListActive(ctx context.Context) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status IN ('open','in_progress') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) SetStatus(ctx context.Context, id string, status domain.TicketStatus) error {
	const query = `
        UPDATE tickets SET status=$1, updated_at=NOW()
        WHERE id=$2 AND status IN ('open','in_progress')`
	cmd, err := r.pool.Exec(ctx, query, status, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ticketRepository) Close(ctx context.Context, id string, closedByID int64, closedByName string, closedAt time.Time) error {
	const query = `
        UPDATE tickets SET status='closed', closed_by_id=$1, closed_by_name=$2, closed_at=$3, updated_at=NOW()
        WHERE id=$4 AND status != 'closed'`
	cmd, err := r.pool.Exec(ctx, query, closedByID, closedByName, closedAt, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ticketRepository) ListClosedByHandler(ctx context.Context, handlerID int64) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status='closed' AND closed_by_id=$1 ORDER BY closed_at DESC`, handlerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) ListByUserSince(ctx context.Context, userID int64, since time.Time) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE user_id=$1 AND created_at >= $2 ORDER BY created_at DESC`,
		userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&ticket.ID,
		&ticket.UserID,
		&ticket.Username,
		&ticket.UserFullName,
		&ticket.Issue,
		&ticket.Status,
		&ticket.MessageID,
		&ticket.MessageChatID,
		&ticket.ClosedByID,
		&ticket.ClosedByName,
		&ticket.ClosedAt,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	var result []domain.Ticket
	for rows.Next() {
		var ticket domain.Ticket
		if err := rows.Scan(
			&ticket.ID,
			&ticket.UserID,
			&ticket.Username,
			&ticket.UserFullName,
			&ticket.Issue,
			&ticket.Status,
			&ticket.MessageID,
			&ticket.MessageChatID,
			&ticket.ClosedByID,
			&ticket.ClosedByName,
			&ticket.ClosedAt,
			&ticket.CreatedAt,
			&ticket.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}
