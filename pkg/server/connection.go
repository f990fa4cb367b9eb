package server

import (
	"sync"
	"time"

	"github.com/aeolun/pairchat/pkg/room"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Connection is one admitted WebSocket client. It is a registry Member:
// room events are queued on send and written by writeLoop, so a slow
// client never blocks the room that is broadcasting to it.
type Connection struct {
	id         string
	conn       *SafeConn // nil when driven directly by tests
	remoteAddr string
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	limiter    *rate.Limiter // nil means unlimited

	releaseOnce sync.Once

	// Set once on admission, read-only afterwards
	self   Identity
	peerID int64
	key    room.Key
}

// NewConnection creates a connection handle with an outbound queue of
// sendBuffer frames
func NewConnection(conn *SafeConn, sendBuffer int, limiter *rate.Limiter) *Connection {
	c := &Connection{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, max(sendBuffer, 1)),
		done:    make(chan struct{}),
		limiter: limiter,
	}
	if conn != nil {
		c.remoteAddr = conn.RemoteAddr().String()
	}
	return c
}

// newRateLimiter converts a frames-per-minute allowance into a token bucket.
// Returns nil when frames are unlimited.
func newRateLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), max(burst, 1))
}

// ID returns the connection's unique handle
func (c *Connection) ID() string {
	return c.id
}

// Self returns the authenticated identity of the connected user
func (c *Connection) Self() Identity {
	return c.self
}

// PeerID returns the other participant of the room
func (c *Connection) PeerID() int64 {
	return c.peerID
}

// RoomKey returns the room the connection was admitted to
func (c *Connection) RoomKey() room.Key {
	return c.key
}

func (c *Connection) admitted(a *Admission) {
	c.self = a.Self
	c.peerID = a.PeerID
	c.key = a.Key
}

// Deliver queues payload for the writer. A full queue means the client is
// not keeping up, so the connection is closed instead of blocking the sender.
func (c *Connection) Deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		debugLog.Printf("Connection %s: outbound queue full, dropping slow client", c.id)
		c.Close()
		return false
	}
}

// Allow reports whether the rate limiter admits another inbound frame
func (c *Connection) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Done is closed once the connection starts shutting down
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the writer and closes the socket. Safe to call many times
// from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// CloseWithCode sends a close frame before closing the socket
func (c *Connection) CloseWithCode(code int, reason string) {
	if c.conn != nil {
		if err := c.conn.WriteClose(code, reason); err != nil {
			debugLog.Printf("Connection %s: close frame failed: %v", c.id, err)
		}
	}
	c.Close()
}

// writeLoop drains the outbound queue and keeps the connection alive with
// pings until the connection is closed
func (c *Connection) writeLoop(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.WriteText(payload); err != nil {
				debugLog.Printf("Connection %s: write failed: %v", c.id, err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WritePing(); err != nil {
				debugLog.Printf("Connection %s: ping failed: %v", c.id, err)
				c.Close()
				return
			}
		}
	}
}
