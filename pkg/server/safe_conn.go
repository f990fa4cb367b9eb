package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// SafeConn wraps a WebSocket connection with write synchronization.
//
// gorilla/websocket allows one concurrent writer. Room events are written by
// the connection's writer goroutine, but pings, error replies and close frames
// can come from elsewhere, so every write goes through the mutex.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a WebSocket connection with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteText sends one text frame
func (sc *SafeConn) WriteText(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a keepalive ping
func (sc *SafeConn) WritePing() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WriteClose sends a close frame carrying code and reason
func (sc *SafeConn) WriteClose(code int, reason string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	return sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// ReadMessage reads the next data frame.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadMessage() (int, []byte, error) {
	return sc.conn.ReadMessage()
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// SetupKeepalive applies the frame size limit and the pong deadline
func (sc *SafeConn) SetupKeepalive(maxFrameBytes int64, pongWait time.Duration) {
	sc.conn.SetReadLimit(maxFrameBytes)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}
