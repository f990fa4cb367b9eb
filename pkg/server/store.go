package server

import (
	"context"

	"github.com/aeolun/pairchat/pkg/database"
)

// MessageStore is the durable record of direct messages
type MessageStore interface {
	CreateMessage(ctx context.Context, senderID, receiverID int64, body string) (int64, error)
	MarkMessagesRead(ctx context.Context, messageIDs []int64, receiverID int64) (int64, error)
	DeleteMessageIfOwned(ctx context.Context, messageID, senderID int64) (bool, error)
	ConversationHistory(ctx context.Context, userA, userB int64) ([]*database.Message, error)
}

// IdentityStore resolves users and records their presence
type IdentityStore interface {
	GetUserByID(ctx context.Context, userID int64) (*database.User, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
	SetUserOnline(ctx context.Context, userID int64) error
	SetUserOffline(ctx context.Context, userID int64) error
}

// Store is everything the gateway needs from the database
type Store interface {
	MessageStore
	IdentityStore
}

var _ Store = (*database.DB)(nil)
