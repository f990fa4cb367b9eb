package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateUser registers a user and returns its id
func (db *DB) CreateUser(ctx context.Context, displayName string) (int64, error) {
	now := nowMillis()
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO User (display_name, created_at, last_seen)
		VALUES (?, ?, ?)
	`, displayName, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}

	userID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return userID, nil
}

// GetUserByID retrieves a user by ID. Returns ErrUserNotFound if there is none.
func (db *DB) GetUserByID(ctx context.Context, userID int64) (*User, error) {
	var user User
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, display_name, is_online, created_at, last_seen
		FROM User
		WHERE id = ?
	`, userID).Scan(&user.ID, &user.DisplayName, &user.IsOnline, &user.CreatedAt, &user.LastSeen)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}

	return &user, nil
}

// UserExists checks whether a user with the given ID exists
func (db *DB) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM User WHERE id = ?)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user %d: %w", userID, err)
	}
	return exists, nil
}

// SetUserOnline marks the user online and stamps last_seen
func (db *DB) SetUserOnline(ctx context.Context, userID int64) error {
	return db.setPresence(ctx, userID, true)
}

// SetUserOffline marks the user offline and stamps last_seen
func (db *DB) SetUserOffline(ctx context.Context, userID int64) error {
	return db.setPresence(ctx, userID, false)
}

func (db *DB) setPresence(ctx context.Context, userID int64, online bool) error {
	result, err := db.writeConn.ExecContext(ctx, `
		UPDATE User SET is_online = ?, last_seen = ? WHERE id = ?
	`, online, nowMillis(), userID)
	if err != nil {
		return fmt.Errorf("failed to update presence for user %d: %w", userID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}
