package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/samber/lo"
)

// HandleHistory serves GET /api/conversations/{id}/messages: every message
// between the caller and user {id}, oldest first
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r.Context(), r)
	if errors.Is(err, ErrUnauthenticated) {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if err != nil {
		errorLog.Printf("History request: %v", err)
		writeJSONError(w, http.StatusInternalServerError, protocol.ErrTemporarilyUnavailable)
		return
	}

	peerID, ok := parseUserID(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, protocol.CloseReason(protocol.CloseMalformedTarget))
		return
	}
	if peerID == identity.UserID {
		writeJSONError(w, http.StatusBadRequest, protocol.CloseReason(protocol.CloseSelfChat))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.StoreTimeout)
	defer cancel()

	exists, err := s.store.UserExists(ctx, peerID)
	if err != nil {
		errorLog.Printf("History request: failed to look up user %d: %v", peerID, err)
		writeJSONError(w, http.StatusInternalServerError, protocol.ErrTemporarilyUnavailable)
		return
	}
	if !exists {
		writeJSONError(w, http.StatusNotFound, protocol.CloseReason(protocol.CloseTargetNotFound))
		return
	}

	start := time.Now()
	messages, err := s.store.ConversationHistory(ctx, identity.UserID, peerID)
	s.metrics.RecordStoreOperation("history", start)
	if err != nil {
		errorLog.Printf("History request: failed to load %d<->%d: %v", identity.UserID, peerID, err)
		writeJSONError(w, http.StatusInternalServerError, protocol.ErrTemporarilyUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(messages, func(m *database.Message, _ int) protocol.HistoryMessage {
		return protocol.HistoryMessage{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Message:    m.Body,
			CreatedAt:  time.UnixMilli(m.CreatedAt).UTC(),
			Read:       m.IsRead,
		}
	}))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		debugLog.Printf("Failed to write response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.NewErrorEvent(message))
}
