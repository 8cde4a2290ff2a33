package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-bridge/internal/domain"
)

// UserRepository maintains the per-user profile snapshots.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.UserProfile, error)
	Upsert(ctx context.Context, profile *domain.UserProfile) error
	// GetIDByUsername resolves the user id for a username; missing usernames
	// surface as pgx.ErrNoRows.
	GetIDByUsername(ctx context.Context, username string) (int64, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository instantiates the repository.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*domain.UserProfile, error) {
	const query = `
        SELECT id, username, first_name, last_name, created_at, updated_at
        FROM users WHERE id=$1`
	var profile domain.UserProfile
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.Username,
		&profile.FirstName,
		&profile.LastName,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *userRepository) Upsert(ctx context.Context, profile *domain.UserProfile) error {
	const query = `
        INSERT INTO users (id, username, first_name, last_name)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (id) DO UPDATE
            SET username=EXCLUDED.username, first_name=EXCLUDED.first_name,
                last_name=EXCLUDED.last_name, updated_at=NOW()
        RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		profile.ID,
		profile.Username,
		profile.FirstName,
		profile.LastName,
	).Scan(&profile.CreatedAt, &profile.UpdatedAt)
}

func (r *userRepository) GetIDByUsername(ctx context.Context, username string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM users WHERE username=$1`, username).Scan(&id)
	return id, err
}
