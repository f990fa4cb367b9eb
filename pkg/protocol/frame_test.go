package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInboundChatMessage(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{name: "type omitted", frame: `{"message":"hi"}`, want: ChatMessage{Text: "hi"}},
		{name: "explicit type", frame: `{"type":"message","message":"hi"}`, want: ChatMessage{Text: "hi"}},
		{name: "unknown type", frame: `{"type":"typing","message":"hi"}`, want: ChatMessage{Text: "hi"}},
		{name: "non-string type", frame: `{"type":12,"message":"hi"}`, want: ChatMessage{Text: "hi"}},
		{name: "trimmed", frame: `{"message":"  hello there \n"}`, want: ChatMessage{Text: "hello there"}},
		{name: "whitespace only", frame: `{"message":"   \t"}`, want: Ignored{Reason: "empty message"}},
		{name: "empty", frame: `{"message":""}`, want: Ignored{Reason: "empty message"}},
		{name: "missing body", frame: `{"type":"message"}`, want: Ignored{Reason: "message is not a string"}},
		{name: "numeric body", frame: `{"message":42}`, want: Ignored{Reason: "message is not a string"}},
		{name: "null body", frame: `{"message":null}`, want: Ignored{Reason: "message is not a string"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeInbound([]byte(tt.frame)))
		})
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	for _, frame := range []string{"", "   ", "not json", `["message","hi"]`, `"hi"`, `42`, `{"message":"hi"`, `{"message":"hi"} trailing`, `null`} {
		got := DecodeInbound([]byte(frame))
		assert.IsType(t, Ignored{}, got, "frame %q", frame)
	}
}

func TestDecodeInboundMatchesKeysExactly(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{
			name:  "upper case keys are unknown",
			frame: `{"TYPE":"delete_message","Message_ID":5}`,
			want:  Ignored{Reason: "message is not a string"},
		},
		{
			name:  "mixed case message key",
			frame: `{"MESSAGE":"hi"}`,
			want:  Ignored{Reason: "message is not a string"},
		},
		{
			name:  "mixed case read_ids key",
			frame: `{"type":"read_receipt","Read_IDs":[1]}`,
			want:  Ignored{Reason: "read_ids is not a list"},
		},
		{
			name:  "differently cased type does not override",
			frame: `{"type":"read_receipt","read_ids":[1],"Type":"message","MESSAGE":"x"}`,
			want:  ReadReceipt{IDs: []int64{1}},
		},
		{
			name:  "differently cased message_id is ignored",
			frame: `{"type":"delete_message","message_id":4,"MESSAGE_ID":9}`,
			want:  DeleteMessage{MessageID: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeInbound([]byte(tt.frame)))
		})
	}
}

func TestDecodeInboundTruncatesLongMessages(t *testing.T) {
	body := strings.Repeat("a", 5000)
	frame, err := json.Marshal(map[string]string{"message": body})
	require.NoError(t, err)

	got := DecodeInbound(frame)
	require.IsType(t, ChatMessage{}, got)
	assert.Len(t, got.(ChatMessage).Text, MaxMessageLength)
}

func TestDecodeInboundTruncatesByCharacter(t *testing.T) {
	body := strings.Repeat("é", MaxMessageLength+10)
	frame, err := json.Marshal(map[string]string{"message": body})
	require.NoError(t, err)

	got := DecodeInbound(frame)
	require.IsType(t, ChatMessage{}, got)
	assert.Equal(t, MaxMessageLength, len([]rune(got.(ChatMessage).Text)))
}

func TestDecodeInboundTruncationThenTrim(t *testing.T) {
	// Everything past the cut is dropped, so only the padding remains
	body := strings.Repeat(" ", MaxMessageLength) + "tail"
	frame, err := json.Marshal(map[string]string{"message": body})
	require.NoError(t, err)

	assert.Equal(t, Ignored{Reason: "empty message"}, DecodeInbound(frame))
}

func TestDecodeInboundReadReceipt(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{name: "integers", frame: `{"type":"read_receipt","read_ids":[1,2,3]}`, want: ReadReceipt{IDs: []int64{1, 2, 3}}},
		{name: "numeric strings", frame: `{"type":"read_receipt","read_ids":["4"," 5 "]}`, want: ReadReceipt{IDs: []int64{4, 5}}},
		{name: "drops bad entries", frame: `{"type":"read_receipt","read_ids":[1,"x",null,true,2.5,{},[],-3,0,7]}`, want: ReadReceipt{IDs: []int64{1, 7}}},
		{name: "integral float", frame: `{"type":"read_receipt","read_ids":[9.0]}`, want: ReadReceipt{IDs: []int64{9}}},
		{name: "duplicates collapse", frame: `{"type":"read_receipt","read_ids":[3,3,"3"]}`, want: ReadReceipt{IDs: []int64{3}}},
		{name: "empty list", frame: `{"type":"read_receipt","read_ids":[]}`, want: Ignored{Reason: "no valid read ids"}},
		{name: "nothing coerces", frame: `{"type":"read_receipt","read_ids":["a","b"]}`, want: Ignored{Reason: "no valid read ids"}},
		{name: "missing list", frame: `{"type":"read_receipt"}`, want: Ignored{Reason: "read_ids is not a list"}},
		{name: "null list", frame: `{"type":"read_receipt","read_ids":null}`, want: Ignored{Reason: "read_ids is not a list"}},
		{name: "scalar", frame: `{"type":"read_receipt","read_ids":5}`, want: Ignored{Reason: "read_ids is not a list"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeInbound([]byte(tt.frame)))
		})
	}
}

func TestDecodeInboundReadReceiptCap(t *testing.T) {
	ids := make([]int64, 1000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	frame, err := json.Marshal(map[string]any{"type": TypeReadReceipt, "read_ids": ids})
	require.NoError(t, err)

	got := DecodeInbound(frame)
	require.IsType(t, ReadReceipt{}, got)
	receipt := got.(ReadReceipt)
	assert.Len(t, receipt.IDs, MaxReadIDs)
	assert.Equal(t, int64(1), receipt.IDs[0])
	assert.Equal(t, int64(MaxReadIDs), receipt.IDs[MaxReadIDs-1])
}

func TestDecodeInboundReadReceiptCapAppliesBeforeCoercion(t *testing.T) {
	entries := make([]any, 0, MaxReadIDs+1)
	for range MaxReadIDs {
		entries = append(entries, "junk")
	}
	entries = append(entries, 77)
	frame, err := json.Marshal(map[string]any{"type": TypeReadReceipt, "read_ids": entries})
	require.NoError(t, err)

	assert.Equal(t, Ignored{Reason: "no valid read ids"}, DecodeInbound(frame))
}

func TestDecodeInboundDeleteMessage(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{name: "integer", frame: `{"type":"delete_message","message_id":12}`, want: DeleteMessage{MessageID: 12}},
		{name: "string", frame: `{"type":"delete_message","message_id":"12"}`, want: DeleteMessage{MessageID: 12}},
		{name: "zero", frame: `{"type":"delete_message","message_id":0}`, want: Ignored{Reason: "invalid message_id"}},
		{name: "negative", frame: `{"type":"delete_message","message_id":-4}`, want: Ignored{Reason: "invalid message_id"}},
		{name: "missing", frame: `{"type":"delete_message"}`, want: Ignored{Reason: "invalid message_id"}},
		{name: "garbage", frame: `{"type":"delete_message","message_id":"abc"}`, want: Ignored{Reason: "invalid message_id"}},
		{name: "list", frame: `{"type":"delete_message","message_id":[1]}`, want: Ignored{Reason: "invalid message_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeInbound([]byte(tt.frame)))
		})
	}
}

func TestCoerceID(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{raw: `1`, want: 1, ok: true},
		{raw: `"42"`, want: 42, ok: true},
		{raw: `1e2`, want: 100, ok: true},
		{raw: `9223372036854775807`, want: 9223372036854775807, ok: true},
		{raw: `9223372036854775808`},
		{raw: `1.5`},
		{raw: `"1.5x"`},
		{raw: `false`},
		{raw: `null`},
		{raw: ``},
		{raw: `0`},
		{raw: `"-1"`},
	}

	for _, tt := range tests {
		got, ok := CoerceID(json.RawMessage(tt.raw))
		assert.Equal(t, tt.ok, ok, "raw %q", tt.raw)
		assert.Equal(t, tt.want, got, "raw %q", tt.raw)
	}
}

func TestOutboundEvents(t *testing.T) {
	data, err := json.Marshal(NewChatMessageEvent(10, 7, "alice", "hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat_message","message":"hi","sender":"alice","sender_id":7,"message_id":10}`, string(data))

	data, err = json.Marshal(NewMessagesReadEvent(3, []int64{10, 11}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"messages_read","read_ids":[10,11],"reader_id":3}`, string(data))

	data, err = json.Marshal(NewMessagesReadEvent(3, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"messages_read","read_ids":[],"reader_id":3}`, string(data))

	data, err = json.Marshal(NewMessageDeletedEvent(10, 7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message_deleted","message_id":10,"deleted_by":7}`, string(data))

	data, err = json.Marshal(NewErrorEvent(ErrTemporarilyUnavailable))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"temporarily unable to process request"}`, string(data))
}

func TestCloseReason(t *testing.T) {
	assert.Equal(t, "self chat", CloseReason(CloseSelfChat))
	assert.Equal(t, "not a participant", CloseReason(CloseNotAParticipant))
	assert.Empty(t, CloseReason(1000))
}
