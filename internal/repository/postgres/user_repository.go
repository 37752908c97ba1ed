package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/honeynil/ScanOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/ScanOrchestrator/pkg/errors"
)

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, username, is_pro, created_at FROM users WHERE id = $1`
	var user models.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &user.IsPro, &user.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (r *PostgresUserRepository) Upsert(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return pkgerrors.ErrInvalidInput
	}
	query := `
		INSERT INTO users (id, username, is_pro)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username
		RETURNING is_pro, created_at
	`
	if err := r.db.QueryRowContext(ctx, query, user.ID, user.Username, user.IsPro).Scan(&user.IsPro, &user.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (r *PostgresUserRepository) SetPro(ctx context.Context, id string, isPro bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET is_pro = $2 WHERE id = $1`, id, isPro)
	if err != nil {
		return fmt.Errorf("failed to update pro status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return pkgerrors.ErrUserNotFound
	}
	return nil
}
