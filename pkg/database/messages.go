package database

import (
	"context"
	"fmt"
	"strings"
)

// CreateMessage stores a new unread message and returns its id. Ids grow
// monotonically.
func (db *DB) CreateMessage(ctx context.Context, senderID, receiverID int64, body string) (int64, error) {
	if senderID == receiverID {
		return 0, ErrSelfMessage
	}

	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Message (sender_id, receiver_id, body, created_at, is_read)
		VALUES (?, ?, ?, ?, 0)
	`, senderID, receiverID, body, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to create message: %w", err)
	}

	messageID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return messageID, nil
}

// MarkMessagesRead flips the read flag on every listed message that was sent
// to receiverID and is still unread. Messages addressed to anyone else are
// left alone. Returns the number of messages changed.
func (db *DB) MarkMessagesRead(ctx context.Context, messageIDs []int64, receiverID int64) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, receiverID)
	for _, id := range messageIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		UPDATE Message SET is_read = 1
		WHERE receiver_id = ? AND is_read = 0 AND id IN (%s)
	`, placeholders(len(messageIDs)))

	result, err := db.writeConn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// DeleteMessageIfOwned removes the message only when senderID wrote it.
// Returns false when the message does not exist or belongs to someone else.
func (db *DB) DeleteMessageIfOwned(ctx context.Context, messageID, senderID int64) (bool, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		DELETE FROM Message WHERE id = ? AND sender_id = ?
	`, messageID, senderID)
	if err != nil {
		return false, fmt.Errorf("failed to delete message %d: %w", messageID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ConversationHistory returns every message exchanged between two users,
// oldest first
func (db *DB) ConversationHistory(ctx context.Context, userA, userB int64) ([]*Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, body, created_at, is_read
		FROM Message
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC
	`, userA, userB, userB, userA)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Body, &msg.CreatedAt, &msg.IsRead); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// GetMessage retrieves a single message by id
func (db *DB) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	var msg Message
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, body, created_at, is_read
		FROM Message
		WHERE id = ?
	`, messageID).Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Body, &msg.CreatedAt, &msg.IsRead)
	if err != nil {
		return nil, err // sql.ErrNoRows if not found
	}
	return &msg, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
