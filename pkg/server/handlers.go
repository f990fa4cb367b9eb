package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// Outcome is how a single inbound frame was resolved
type Outcome int

const (
	// OutcomeIgnored is a frame that failed validation or was rate limited
	OutcomeIgnored Outcome = iota
	// OutcomeNoop is a valid request that changed nothing, such as deleting
	// a message the caller did not write
	OutcomeNoop
	// OutcomeBroadcast is a persisted change that was broadcast to the room
	OutcomeBroadcast
	// OutcomeFailed is a store failure reported back to the caller
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeNoop:
		return "noop"
	case OutcomeBroadcast:
		return "broadcast"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProtocolHandler applies inbound frames from admitted connections
type ProtocolHandler struct {
	messages     MessageStore
	broadcaster  Broadcaster
	storeTimeout time.Duration
	metrics      *Metrics
}

// NewProtocolHandler creates a handler that persists through messages and
// fans events out through broadcaster
func NewProtocolHandler(messages MessageStore, broadcaster Broadcaster, storeTimeout time.Duration, metrics *Metrics) *ProtocolHandler {
	return &ProtocolHandler{
		messages:     messages,
		broadcaster:  broadcaster,
		storeTimeout: storeTimeout,
		metrics:      metrics,
	}
}

// HandleFrame decodes and applies one frame. Frames from one connection must
// be handled sequentially.
func (h *ProtocolHandler) HandleFrame(ctx context.Context, c *Connection, data []byte) Outcome {
	frame := protocol.DecodeInbound(data)
	frameType := inboundType(frame)
	h.metrics.RecordFrameReceived(frameType)

	// A frame that was accepted is carried through even if its own
	// connection goes away meanwhile
	ctx = context.WithoutCancel(ctx)

	var outcome Outcome
	switch f := frame.(type) {
	case protocol.ChatMessage:
		outcome = h.handleChatMessage(ctx, c, f)
	case protocol.ReadReceipt:
		outcome = h.handleReadReceipt(ctx, c, f)
	case protocol.DeleteMessage:
		outcome = h.handleDeleteMessage(ctx, c, f)
	case protocol.Ignored:
		debugLog.Printf("Connection %s: ignored frame: %s", c.ID(), f.Reason)
		outcome = OutcomeIgnored
	}

	h.metrics.RecordFrameOutcome(frameType, outcome)
	return outcome
}

func (h *ProtocolHandler) handleChatMessage(ctx context.Context, c *Connection, f protocol.ChatMessage) Outcome {
	self := c.Self()

	start := time.Now()
	storeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	messageID, err := h.messages.CreateMessage(storeCtx, self.UserID, c.PeerID(), f.Text)
	cancel()
	h.metrics.RecordStoreOperation("create_message", start)

	if err != nil {
		errorLog.Printf("Connection %s: failed to store message from %d to %d: %v", c.ID(), self.UserID, c.PeerID(), err)
		h.replyError(c)
		return OutcomeFailed
	}

	h.broadcast(ctx, c, protocol.NewChatMessageEvent(messageID, self.UserID, self.DisplayName, f.Text))
	return OutcomeBroadcast
}

func (h *ProtocolHandler) handleReadReceipt(ctx context.Context, c *Connection, f protocol.ReadReceipt) Outcome {
	self := c.Self()

	start := time.Now()
	storeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	count, err := h.messages.MarkMessagesRead(storeCtx, f.IDs, self.UserID)
	cancel()
	h.metrics.RecordStoreOperation("mark_read", start)

	if err != nil {
		errorLog.Printf("Connection %s: failed to mark %d messages read for %d: %v", c.ID(), len(f.IDs), self.UserID, err)
		h.replyError(c)
		return OutcomeFailed
	}

	if count == 0 {
		log.Printf("Read receipt from user %d in %s matched none of their unread messages (%d ids)", self.UserID, c.RoomKey(), len(f.IDs))
		return OutcomeNoop
	}

	h.broadcast(ctx, c, protocol.NewMessagesReadEvent(self.UserID, f.IDs))
	return OutcomeBroadcast
}

func (h *ProtocolHandler) handleDeleteMessage(ctx context.Context, c *Connection, f protocol.DeleteMessage) Outcome {
	self := c.Self()

	start := time.Now()
	storeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	deleted, err := h.messages.DeleteMessageIfOwned(storeCtx, f.MessageID, self.UserID)
	cancel()
	h.metrics.RecordStoreOperation("delete_message", start)

	if err != nil {
		errorLog.Printf("Connection %s: failed to delete message %d for %d: %v", c.ID(), f.MessageID, self.UserID, err)
		h.replyError(c)
		return OutcomeFailed
	}

	if !deleted {
		log.Printf("Delete of message %d by user %d in %s matched nothing (missing or not theirs)", f.MessageID, self.UserID, c.RoomKey())
		return OutcomeNoop
	}

	h.broadcast(ctx, c, protocol.NewMessageDeletedEvent(f.MessageID, self.UserID))
	return OutcomeBroadcast
}

func (h *ProtocolHandler) broadcast(ctx context.Context, c *Connection, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		errorLog.Printf("Connection %s: failed to encode event: %v", c.ID(), err)
		return
	}
	if err := h.broadcaster.Broadcast(ctx, c.RoomKey(), payload); err != nil {
		errorLog.Printf("Connection %s: broadcast to %s failed: %v", c.ID(), c.RoomKey(), err)
	}
}

// replyError tells only the originating connection that its request failed
func (h *ProtocolHandler) replyError(c *Connection) {
	payload, err := json.Marshal(protocol.NewErrorEvent(protocol.ErrTemporarilyUnavailable))
	if err != nil {
		errorLog.Printf("Connection %s: failed to encode error frame: %v", c.ID(), err)
		return
	}
	c.Deliver(payload)
}

func inboundType(frame protocol.Inbound) string {
	switch frame.(type) {
	case protocol.ChatMessage:
		return protocol.TypeMessage
	case protocol.ReadReceipt:
		return protocol.TypeReadReceipt
	case protocol.DeleteMessage:
		return protocol.TypeDeleteMessage
	default:
		return "ignored"
	}
}
