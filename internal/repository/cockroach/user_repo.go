package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"talklink-backend/internal/domain"
)

// UserRepository provides the read-mostly profile view the coordinator
// needs plus the online flag mirror
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new user repository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetByID retrieves a user profile by ID
func (r *UserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `
		SELECT user_id, username, display_name, email, avatar, is_online, last_seen, created_at
		FROM users
		WHERE user_id = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.Email,
		&user.Avatar,
		&user.IsOnline,
		&user.LastSeen,
		&user.CreatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// SetOnline mirrors the presence state into the durable profile so other
// services see last_seen without hitting Redis
func (r *UserRepository) SetOnline(ctx context.Context, userID uuid.UUID, online bool) error {
	query := `
		UPDATE users
		SET is_online = $2, last_seen = $3
		WHERE user_id = $1
	`

	_, err := r.pool.Exec(ctx, query, userID, online, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update online state: %w", err)
	}

	return nil
}
