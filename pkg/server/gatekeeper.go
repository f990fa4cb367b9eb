package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/aeolun/pairchat/pkg/room"
)

// Admission is the result of a successful admission
type Admission struct {
	Key    room.Key
	Self   Identity
	PeerID int64
}

// AdmissionError rejects a connection attempt. Code is the WebSocket close
// code the transport must send.
type AdmissionError struct {
	Reason string
	Code   int
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admission rejected (%d %s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("admission rejected (%d %s)", e.Code, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func reject(code int) *AdmissionError {
	return &AdmissionError{Reason: protocol.CloseReason(code), Code: code}
}

// Gatekeeper decides whether a connection may join the room it asks for
type Gatekeeper struct {
	users        IdentityStore
	registry     *Registry
	storeTimeout time.Duration
	metrics      *Metrics
}

// NewGatekeeper creates a gatekeeper that joins admitted connections to registry
func NewGatekeeper(users IdentityStore, registry *Registry, storeTimeout time.Duration, metrics *Metrics) *Gatekeeper {
	return &Gatekeeper{
		users:        users,
		registry:     registry,
		storeTimeout: storeTimeout,
		metrics:      metrics,
	}
}

// Admit runs the admission checks in order and stops at the first failure.
// On success the member is joined to the room before its user is marked
// online, so anyone who sees the user online can already reach them.
func (g *Gatekeeper) Admit(ctx context.Context, member Member, claimed *Identity, rawTarget string) (*Admission, error) {
	admission, err := g.admit(ctx, member, claimed, rawTarget)
	if err != nil {
		var ae *AdmissionError
		if errors.As(err, &ae) {
			g.metrics.RecordAdmission(ae.Reason)
		}
		return nil, err
	}
	g.metrics.RecordAdmission("admitted")
	return admission, nil
}

func (g *Gatekeeper) admit(ctx context.Context, member Member, claimed *Identity, rawTarget string) (*Admission, error) {
	if claimed == nil {
		return nil, reject(protocol.CloseUnauthenticated)
	}

	peerID, ok := parseUserID(rawTarget)
	if !ok {
		return nil, reject(protocol.CloseMalformedTarget)
	}

	if peerID == claimed.UserID {
		return nil, reject(protocol.CloseSelfChat)
	}

	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	exists, err := g.users.UserExists(storeCtx, peerID)
	cancel()
	if err != nil {
		ae := reject(protocol.CloseInternalFailure)
		ae.Err = err
		return nil, ae
	}
	if !exists {
		return nil, reject(protocol.CloseTargetNotFound)
	}

	key := room.Resolve(claimed.UserID, peerID)

	// Unreachable through the checks above; kept so a change to them cannot
	// silently admit a user into someone else's room
	if !key.Includes(claimed.UserID) {
		errorLog.Printf("Room %s does not include connecting user %d", key, claimed.UserID)
		return nil, reject(protocol.CloseNotAParticipant)
	}

	g.registry.Join(key, member)

	storeCtx, cancel = context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	if err := g.users.SetUserOnline(storeCtx, claimed.UserID); err != nil {
		errorLog.Printf("Failed to mark user %d online: %v", claimed.UserID, err)
	}

	return &Admission{Key: key, Self: *claimed, PeerID: peerID}, nil
}

// parseUserID accepts only a plain run of decimal digits
func parseUserID(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
