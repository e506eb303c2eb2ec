package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"docqa/internal/models"
	"docqa/internal/util"
)

type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

// Create stores a user with the sha256 hex digest of their API token.
func (r *UserRepo) Create(ctx context.Context, username, email, tokenHash string) (models.User, error) {
	u := models.User{Username: username, Email: email, TokenHash: tokenHash, IsActive: true}
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO users (username, email, token_hash)
VALUES ($1, $2, $3)
RETURNING id, created_at`, username, email, tokenHash).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetByTokenHash finds an active user. Inactive users are reported as not found.
func (r *UserRepo) GetByTokenHash(ctx context.Context, tokenHash string) (models.User, error) {
	var u models.User
	err := r.db.Pool.QueryRow(ctx, `
SELECT id, username, email, token_hash, is_active, created_at
FROM users WHERE token_hash=$1 AND is_active`, tokenHash).
		Scan(&u.ID, &u.Username, &u.Email, &u.TokenHash, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, util.ErrUnauthorized
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user by token: %w", err)
	}
	return u, nil
}
