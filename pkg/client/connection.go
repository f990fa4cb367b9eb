package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// ErrClosed is returned by Next once the connection has ended
var ErrClosed = errors.New("connection closed")

// Event is a room event received from the server. Fields that do not apply
// to Type are zero.
type Event struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	Sender    string  `json:"sender"`
	SenderID  int64   `json:"sender_id"`
	MessageID int64   `json:"message_id"`
	ReadIDs   []int64 `json:"read_ids"`
	ReaderID  int64   `json:"reader_id"`
	DeletedBy int64   `json:"deleted_by"`

	Raw []byte `json:"-"`
}

// Options configures Dial
type Options struct {
	Token  string      // sent as the token query parameter
	Header http.Header // extra handshake headers, e.g. Origin
	Logger *log.Logger // frame-level debug logging; nil discards
}

// Connection is a client connection to one conversation
type Connection struct {
	addr   string
	conn   *websocket.Conn
	logger *log.Logger

	writeMu  sync.Mutex
	incoming chan Event

	closeOnce sync.Once
	closeCode atomic.Int64
	readErr   error // set before incoming is closed

	// Traffic counters (payload bytes)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// URL returns the chat endpoint on serverAddr (host:port) for the
// conversation with peerID
func URL(serverAddr string, peerID string, token string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   serverAddr,
		Path:   "/ws/chat/" + peerID,
	}
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

// Dial opens the conversation with peerID on serverAddr
func Dial(ctx context.Context, serverAddr string, peerID int64, opts Options) (*Connection, error) {
	return DialRaw(ctx, serverAddr, strconv.FormatInt(peerID, 10), opts)
}

// DialRaw is Dial with the target path segment passed through unchanged
func DialRaw(ctx context.Context, serverAddr string, target string, opts Options) (*Connection, error) {
	addr := URL(serverAddr, target, opts.Token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, addr, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", serverAddr, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	c := &Connection{
		addr:     serverAddr,
		conn:     conn,
		logger:   logger,
		incoming: make(chan Event, 100),
	}
	c.closeCode.Store(-1)

	go c.readLoop()
	return c, nil
}

// HandshakeError is an upgrade the server refused with an HTTP status
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// SendMessage sends a chat message
func (c *Connection) SendMessage(text string) error {
	return c.writeJSON(map[string]string{"message": text})
}

// SendReadReceipt marks the given messages as read
func (c *Connection) SendReadReceipt(ids ...int64) error {
	return c.writeJSON(map[string]any{"type": protocol.TypeReadReceipt, "read_ids": ids})
}

// DeleteMessage deletes one of our own messages
func (c *Connection) DeleteMessage(id int64) error {
	return c.writeJSON(map[string]any{"type": protocol.TypeDeleteMessage, "message_id": id})
}

// SendRaw sends data as a text frame without validation
func (c *Connection) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	c.bytesSent.Add(uint64(len(data)))
	c.logger.Printf("-> %s", data)
	return nil
}

func (c *Connection) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return c.SendRaw(data)
}

// Incoming returns received events. It is closed when the connection ends.
func (c *Connection) Incoming() <-chan Event {
	return c.incoming
}

// Next waits for the next event
func (c *Connection) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.incoming:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// CloseCode returns the close code the server sent, or -1 if the
// connection is open or ended without a close frame
func (c *Connection) CloseCode() int {
	return int(c.closeCode.Load())
}

// Err returns the error that ended the read loop. Only valid once Incoming
// is closed.
func (c *Connection) Err() error {
	return c.readErr
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the payload bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the payload bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Close sends a normal close frame and closes the socket
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *Connection) readLoop() {
	defer close(c.incoming)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.closeCode.Store(int64(ce.Code))
				c.logger.Printf("<- close %d %q", ce.Code, ce.Text)
			}
			c.readErr = err
			return
		}
		c.bytesReceived.Add(uint64(len(data)))
		c.logger.Printf("<- %s", data)

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Printf("Undecodable event: %v", err)
			continue
		}
		ev.Raw = data
		c.incoming <- ev
	}
}
