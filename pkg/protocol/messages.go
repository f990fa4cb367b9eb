package protocol

import "time"

// Message type constants (Client → Server)
const (
	TypeMessage       = "message"
	TypeReadReceipt   = "read_receipt"
	TypeDeleteMessage = "delete_message"
)

// Message type constants (Server → Client)
const (
	TypeChatMessage    = "chat_message"
	TypeMessagesRead   = "messages_read"
	TypeMessageDeleted = "message_deleted"
	TypeError          = "error"
)

const (
	// MaxMessageLength is the maximum chat body length in characters. Longer
	// bodies are truncated, not rejected.
	MaxMessageLength = 4000

	// MaxReadIDs caps a read receipt's id list before coercion
	MaxReadIDs = 500
)

// ErrTemporarilyUnavailable is the text of the error frame sent when the store fails
const ErrTemporarilyUnavailable = "temporarily unable to process request"

// ChatMessageEvent is broadcast after a chat message has been stored
type ChatMessageEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	SenderID  int64  `json:"sender_id"`
	MessageID int64  `json:"message_id"`
}

// MessagesReadEvent is broadcast after a receiver marked messages as read
type MessagesReadEvent struct {
	Type     string  `json:"type"`
	ReadIDs  []int64 `json:"read_ids"`
	ReaderID int64   `json:"reader_id"`
}

// MessageDeletedEvent is broadcast after a sender deleted one of their messages
type MessageDeletedEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	DeletedBy int64  `json:"deleted_by"`
}

// ErrorEvent is sent only to the connection whose request failed
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HistoryMessage is one entry of the conversation history endpoint
type HistoryMessage struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"read"`
}

func NewChatMessageEvent(messageID, senderID int64, sender, body string) ChatMessageEvent {
	return ChatMessageEvent{
		Type:      TypeChatMessage,
		Message:   body,
		Sender:    sender,
		SenderID:  senderID,
		MessageID: messageID,
	}
}

func NewMessagesReadEvent(readerID int64, ids []int64) MessagesReadEvent {
	if ids == nil {
		ids = []int64{}
	}
	return MessagesReadEvent{Type: TypeMessagesRead, ReadIDs: ids, ReaderID: readerID}
}

func NewMessageDeletedEvent(messageID, deletedBy int64) MessageDeletedEvent {
	return MessageDeletedEvent{Type: TypeMessageDeleted, MessageID: messageID, DeletedBy: deletedBy}
}

func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}
