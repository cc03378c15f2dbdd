package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pyrexxbook/chat-service/internal/models"
)

const userColumns = `id, name, username, avatar, password_hash, last_seen, created_at`

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var lastSeen sql.NullTime
	err := row.Scan(&user.ID, &user.Name, &user.Username, &user.Avatar, &user.PasswordHash, &lastSeen, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	user.LastSeen = timePtr(lastSeen)
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (r *chatRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := r.q(`INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Name, user.Username, user.Avatar, user.PasswordHash,
		nullTime(user.LastSeen), user.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.Username, ErrConflict)
		}
		return err
	}
	return nil
}

func (r *chatRepository) getUser(ctx context.Context, where string, arg string) (*models.User, error) {
	query := r.q(`SELECT ` + userColumns + ` FROM users WHERE ` + where + ` = ?`)

	var user *models.User
	err := retryRead(ctx, func() error {
		var err error
		user, err = scanUser(r.db.QueryRowContext(ctx, query, arg))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
		}
		return nil, err
	}
	return user, nil
}

func (r *chatRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return r.getUser(ctx, "id", id)
}

func (r *chatRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getUser(ctx, "username", username)
}

func (r *chatRepository) ListUsers(ctx context.Context) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY name ASC, id ASC`

	var users []*models.User
	err := retryRead(ctx, func() error {
		users = nil
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			user, err := scanUser(rows)
			if err != nil {
				return err
			}
			users = append(users, user)
		}
		return rows.Err()
	})
	return users, err
}

func (r *chatRepository) UpdateUserLastSeen(ctx context.Context, id string, at time.Time) error {
	query := r.q(`UPDATE users SET last_seen = ? WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}
