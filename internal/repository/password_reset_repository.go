package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrResetTokenUnusable reports a reset token that is unknown, expired or
// already redeemed.
var ErrResetTokenUnusable = errors.New("reset token unusable")

// PasswordResetToken represents stored reset tokens.
type PasswordResetToken struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// PasswordResetRepository manages password reset token persistence.
type PasswordResetRepository interface {
	Create(ctx context.Context, token *PasswordResetToken) error
	// Redeem claims the token and stores passwordHash for its owner in one
	// transaction. Only one caller can redeem a given token.
	Redeem(ctx context.Context, token, passwordHash string, now time.Time) (userID string, err error)
}

type passwordResetRepository struct {
	pool *pgxpool.Pool
}

// NewPasswordResetRepository constructs repository.
func NewPasswordResetRepository(pool *pgxpool.Pool) PasswordResetRepository {
	return &passwordResetRepository{pool: pool}
}

func (r *passwordResetRepository) Create(ctx context.Context, token *PasswordResetToken) error {
	const query = `
        INSERT INTO password_reset_tokens (user_id, token, expires_at)
        VALUES ($1,$2,$3)
        RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query,
		token.UserID,
		token.Token,
		token.ExpiresAt,
	).Scan(&token.ID, &token.CreatedAt)
}

func (r *passwordResetRepository) Redeem(ctx context.Context, token, passwordHash string, now time.Time) (userID string, err error) {
	const claim = `
        UPDATE password_reset_tokens SET used_at=$2
        WHERE token=$1 AND used_at IS NULL AND expires_at > $2
        RETURNING user_id`
	const setPassword = `UPDATE users SET password_hash=$1, updated_at=NOW() WHERE id=$2`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()

	if err = tx.QueryRow(ctx, claim, token, now).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrResetTokenUnusable
		}
		return "", err
	}
	cmd, err := tx.Exec(ctx, setPassword, passwordHash, userID)
	if err != nil {
		return "", err
	}
	if cmd.RowsAffected() == 0 {
		return "", pgx.ErrNoRows
	}
	if err = tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return userID, nil
}
