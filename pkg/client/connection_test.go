package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every chat message with a chat_message event and closes
// with 4005 when asked to
func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			json.Unmarshal(data, &frame)
			if frame["message"] == "close-me" {
				msg := websocket.FormatCloseMessage(protocol.CloseNotAParticipant, "not a participant")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if frame["type"] == protocol.TypeReadReceipt {
				conn.WriteJSON(protocol.NewMessagesReadEvent(1, []int64{5}))
				continue
			}
			conn.WriteJSON(protocol.NewChatMessageEvent(7, 1, "alice", frame["message"].(string)))
		}
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func nextEvent(t *testing.T, c *Connection) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := c.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws/chat/42?token=abc", URL("localhost:8080", "42", "abc"))
	assert.Equal(t, "ws://localhost:8080/ws/chat/42", URL("localhost:8080", "42", ""))
}

func TestConnectionRoundTrip(t *testing.T) {
	addr := echoServer(t)
	c, err := Dial(context.Background(), addr, 2, Options{Token: "secret"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendMessage("hello"))
	ev := nextEvent(t, c)
	assert.Equal(t, protocol.TypeChatMessage, ev.Type)
	assert.Equal(t, "hello", ev.Message)
	assert.Equal(t, "alice", ev.Sender)
	assert.Equal(t, int64(7), ev.MessageID)
	assert.NotEmpty(t, ev.Raw)

	require.NoError(t, c.SendReadReceipt(5))
	ev = nextEvent(t, c)
	assert.Equal(t, protocol.TypeMessagesRead, ev.Type)
	assert.Equal(t, []int64{5}, ev.ReadIDs)
	assert.Equal(t, int64(1), ev.ReaderID)

	assert.NotZero(t, c.GetBytesSent())
	assert.NotZero(t, c.GetBytesReceived())
	assert.Equal(t, -1, c.CloseCode())
}

func TestConnectionCloseCode(t *testing.T) {
	addr := echoServer(t)
	c, err := Dial(context.Background(), addr, 2, Options{Token: "secret"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendMessage("close-me"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Next(ctx)
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, protocol.CloseNotAParticipant, c.CloseCode())
	assert.True(t, websocket.IsCloseError(c.Err(), protocol.CloseNotAParticipant))
}

func TestDialHandshakeRejected(t *testing.T) {
	addr := echoServer(t)
	_, err := Dial(context.Background(), addr, 2, Options{Token: "wrong"})
	require.Error(t, err)

	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusForbidden, he.StatusCode)
}
