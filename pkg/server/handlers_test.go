package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/aeolun/pairchat/pkg/room"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBroadcaster delivers through a registry and remembers every room
// it was asked to broadcast to
type recordingBroadcaster struct {
	registry *Registry
	mu       sync.Mutex
	keys     []room.Key
	err      error
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, key room.Key, payload []byte) error {
	b.mu.Lock()
	b.keys = append(b.keys, key)
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.registry.Broadcast(ctx, key, payload)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

type handlerFixture struct {
	store       *fakeStore
	registry    *Registry
	broadcaster *recordingBroadcaster
	handler     *ProtocolHandler
	metrics     *Metrics
	alice       *Connection // user 7
	bob         *Connection // user 3
	key         room.Key
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store := newFakeStore(3, 7)
	metrics := NewMetrics(nil)
	registry := NewRegistry(metrics)
	broadcaster := &recordingBroadcaster{registry: registry}

	f := &handlerFixture{
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		handler:     NewProtocolHandler(store, broadcaster, time.Second, metrics),
		metrics:     metrics,
		key:         room.Resolve(7, 3),
	}
	f.alice = f.admit(t, Identity{UserID: 7, DisplayName: "alice"}, 3)
	f.bob = f.admit(t, Identity{UserID: 3, DisplayName: "bob"}, 7)
	return f
}

func (f *handlerFixture) admit(t *testing.T, self Identity, peerID int64) *Connection {
	t.Helper()
	c := NewConnection(nil, 16, nil)
	c.admitted(&Admission{Key: room.Resolve(self.UserID, peerID), Self: self, PeerID: peerID})
	f.registry.Join(c.RoomKey(), c)
	return c
}

func (f *handlerFixture) send(t *testing.T, c *Connection, frame string) Outcome {
	t.Helper()
	return f.handler.HandleFrame(context.Background(), c, []byte(frame))
}

// drain returns every payload queued for c
func drain(c *Connection) []map[string]any {
	var out []map[string]any
	for {
		select {
		case payload := <-c.send:
			var event map[string]any
			if err := json.Unmarshal(payload, &event); err != nil {
				panic(err)
			}
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestHandleChatMessage(t *testing.T) {
	f := newHandlerFixture(t)

	outcome := f.send(t, f.alice, `{"message":"hello"}`)
	assert.Equal(t, OutcomeBroadcast, outcome)

	stored, ok := f.store.message(1)
	require.True(t, ok)
	assert.Equal(t, int64(7), stored.SenderID)
	assert.Equal(t, int64(3), stored.ReceiverID)
	assert.Equal(t, "hello", stored.Body)
	assert.False(t, stored.IsRead)

	want := map[string]any{
		"type":       "chat_message",
		"message":    "hello",
		"sender":     "alice",
		"sender_id":  float64(7),
		"message_id": float64(1),
	}
	assert.Equal(t, []map[string]any{want}, drain(f.alice))
	assert.Equal(t, []map[string]any{want}, drain(f.bob))
	assert.Equal(t, []room.Key{"chat_3_7"}, f.broadcaster.keys)
}

func TestHandleChatMessageTrimsAndTruncates(t *testing.T) {
	f := newHandlerFixture(t)

	f.send(t, f.alice, `{"message":"  padded  "}`)
	stored, _ := f.store.message(1)
	assert.Equal(t, "padded", stored.Body)

	long := strings.Repeat("é", 5000)
	f.send(t, f.alice, fmt.Sprintf(`{"message":%q}`, long))
	stored, _ = f.store.message(2)
	assert.Equal(t, protocol.MaxMessageLength, len([]rune(stored.Body)))
}

func TestHandleIgnoredFrames(t *testing.T) {
	frames := []string{
		`{"message":""}`,
		`{"message":"   "}`,
		`{"message":42}`,
		`{}`,
		`not json`,
		`[1,2,3]`,
		`{"type":"read_receipt","read_ids":"5"}`,
		`{"type":"read_receipt","read_ids":[]}`,
		`{"type":"read_receipt","read_ids":[0,-1,"x",null]}`,
		`{"type":"delete_message"}`,
		`{"type":"delete_message","message_id":"abc"}`,
		`{"type":"delete_message","message_id":0}`,
	}

	for _, frame := range frames {
		t.Run(frame, func(t *testing.T) {
			f := newHandlerFixture(t)
			assert.Equal(t, OutcomeIgnored, f.send(t, f.alice, frame))
			assert.Empty(t, f.store.callLog())
			assert.Empty(t, drain(f.alice))
			assert.Empty(t, drain(f.bob))
		})
	}
}

func TestHandleReadReceipt(t *testing.T) {
	f := newHandlerFixture(t)
	f.send(t, f.alice, `{"message":"one"}`)
	f.send(t, f.alice, `{"message":"two"}`)
	f.send(t, f.bob, `{"message":"from bob"}`)
	drain(f.alice)
	drain(f.bob)

	// Bob reads alice's messages; id 3 is bob's own and is not counted
	outcome := f.send(t, f.bob, `{"type":"read_receipt","read_ids":[1,"2",3]}`)
	assert.Equal(t, OutcomeBroadcast, outcome)

	for _, id := range []int64{1, 2} {
		m, _ := f.store.message(id)
		assert.True(t, m.IsRead, "message %d", id)
	}
	m, _ := f.store.message(3)
	assert.False(t, m.IsRead)

	want := map[string]any{
		"type":      "messages_read",
		"read_ids":  []any{float64(1), float64(2), float64(3)},
		"reader_id": float64(3),
	}
	assert.Equal(t, []map[string]any{want}, drain(f.alice))
	assert.Equal(t, []map[string]any{want}, drain(f.bob))
}

func TestHandleReadReceiptNothingChanged(t *testing.T) {
	f := newHandlerFixture(t)
	f.send(t, f.alice, `{"message":"one"}`)
	drain(f.alice)
	drain(f.bob)
	broadcasts := f.broadcaster.count()

	// Alice cannot mark her own message read
	assert.Equal(t, OutcomeNoop, f.send(t, f.alice, `{"type":"read_receipt","read_ids":[1]}`))

	// Already read
	assert.Equal(t, OutcomeBroadcast, f.send(t, f.bob, `{"type":"read_receipt","read_ids":[1]}`))
	drain(f.alice)
	drain(f.bob)
	assert.Equal(t, OutcomeNoop, f.send(t, f.bob, `{"type":"read_receipt","read_ids":[1]}`))

	assert.Equal(t, broadcasts+1, f.broadcaster.count())
	assert.Empty(t, drain(f.alice))
	assert.Empty(t, drain(f.bob))
}

func TestHandleReadReceiptCapsIDs(t *testing.T) {
	f := newHandlerFixture(t)

	ids := make([]int64, 1000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	data, err := json.Marshal(map[string]any{"type": "read_receipt", "read_ids": ids})
	require.NoError(t, err)

	var got []int64
	capture := &capturingStore{fakeStore: f.store, onMarkRead: func(ids []int64) { got = ids }}
	f.handler.messages = capture

	f.handler.HandleFrame(context.Background(), f.bob, data)
	assert.Len(t, got, protocol.MaxReadIDs)
	assert.Equal(t, int64(1), got[0])
	assert.Equal(t, int64(protocol.MaxReadIDs), got[len(got)-1])
}

type capturingStore struct {
	*fakeStore
	onMarkRead func(ids []int64)
}

func (s *capturingStore) MarkMessagesRead(ctx context.Context, ids []int64, receiverID int64) (int64, error) {
	s.onMarkRead(ids)
	return s.fakeStore.MarkMessagesRead(ctx, ids, receiverID)
}

func TestHandleDeleteMessage(t *testing.T) {
	f := newHandlerFixture(t)
	f.send(t, f.alice, `{"message":"oops"}`)
	drain(f.alice)
	drain(f.bob)

	// Bob may not delete alice's message
	assert.Equal(t, OutcomeNoop, f.send(t, f.bob, `{"type":"delete_message","message_id":1}`))
	_, ok := f.store.message(1)
	assert.True(t, ok)
	assert.Empty(t, drain(f.alice))
	assert.Empty(t, drain(f.bob))

	assert.Equal(t, OutcomeBroadcast, f.send(t, f.alice, `{"type":"delete_message","message_id":"1"}`))
	_, ok = f.store.message(1)
	assert.False(t, ok)

	want := map[string]any{
		"type":       "message_deleted",
		"message_id": float64(1),
		"deleted_by": float64(7),
	}
	assert.Equal(t, []map[string]any{want}, drain(f.alice))
	assert.Equal(t, []map[string]any{want}, drain(f.bob))

	// Already gone
	assert.Equal(t, OutcomeNoop, f.send(t, f.alice, `{"type":"delete_message","message_id":1}`))
}

func TestHandleStoreFailure(t *testing.T) {
	tests := []struct {
		op    string
		frame string
	}{
		{"CreateMessage", `{"message":"hello"}`},
		{"MarkMessagesRead", `{"type":"read_receipt","read_ids":[1]}`},
		{"DeleteMessageIfOwned", `{"type":"delete_message","message_id":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			f := newHandlerFixture(t)
			f.store.failOn(tt.op, errStoreDown)

			assert.Equal(t, OutcomeFailed, f.send(t, f.alice, tt.frame))

			assert.Equal(t, []map[string]any{{
				"type":    "error",
				"message": protocol.ErrTemporarilyUnavailable,
			}}, drain(f.alice))
			assert.Empty(t, drain(f.bob))
			assert.Equal(t, 0, f.broadcaster.count())
		})
	}
}

func TestHandleFrameAfterOriginatorClosed(t *testing.T) {
	f := newHandlerFixture(t)
	f.alice.Close()

	assert.Equal(t, OutcomeBroadcast, f.send(t, f.alice, `{"message":"last words"}`))

	_, ok := f.store.message(1)
	assert.True(t, ok)
	assert.Len(t, drain(f.bob), 1)
}

func TestHandleBroadcastErrorStillCountsAsBroadcast(t *testing.T) {
	f := newHandlerFixture(t)
	f.broadcaster.err = errStoreDown

	assert.Equal(t, OutcomeBroadcast, f.send(t, f.alice, `{"message":"hello"}`))
	_, ok := f.store.message(1)
	assert.True(t, ok)
}

func TestHandleFrameMetrics(t *testing.T) {
	f := newHandlerFixture(t)
	f.send(t, f.alice, `{"message":"hello"}`)
	f.send(t, f.alice, `garbage`)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.frameOutcomes.WithLabelValues(protocol.TypeMessage, "broadcast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.frameOutcomes.WithLabelValues("ignored", "ignored")))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ignored", OutcomeIgnored.String())
	assert.Equal(t, "noop", OutcomeNoop.String())
	assert.Equal(t, "broadcast", OutcomeBroadcast.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
