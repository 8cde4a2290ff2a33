package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-bridge/internal/domain"
)

// HandlerRepository manages the dynamic operator registry.
type HandlerRepository interface {
	Register(ctx context.Context, handler *domain.Handler) error
	Deregister(ctx context.Context, userID int64) error
	List(ctx context.Context) ([]domain.Handler, error)
}

type handlerRepository struct {
	pool *pgxpool.Pool
}

// NewHandlerRepository instantiates the repository.
func NewHandlerRepository(pool *pgxpool.Pool) HandlerRepository {
	return &handlerRepository{pool: pool}
}

func (r *handlerRepository) Register(ctx context.Context, handler *domain.Handler) error {
	const query = `
        INSERT INTO handlers (user_id, username, active_flag)
        VALUES ($1,$2,TRUE)
        ON CONFLICT (user_id) DO UPDATE SET username=EXCLUDED.username, active_flag=TRUE
        RETURNING registered_at`
	handler.Active = true
	return r.pool.QueryRow(ctx, query, handler.UserID, handler.Username).Scan(&handler.RegisteredAt)
}

func (r *handlerRepository) Deregister(ctx context.Context, userID int64) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM handlers WHERE user_id=$1`, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *handlerRepository) List(ctx context.Context) ([]domain.Handler, error) {
	const query = `
        SELECT user_id, username, active_flag, registered_at
        FROM handlers WHERE active_flag ORDER BY registered_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Handler
	for rows.Next() {
		var handler domain.Handler
		if err := rows.Scan(
			&handler.UserID,
			&handler.Username,
			&handler.Active,
			&handler.RegisteredAt,
		); err != nil {
			return nil, err
		}
		result = append(result, handler)
	}
	return result, rows.Err()
}
