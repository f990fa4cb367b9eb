package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Inbound is a decoded client frame. It is one of ChatMessage, ReadReceipt,
// DeleteMessage or Ignored.
type Inbound interface {
	inbound()
}

// ChatMessage carries a body that is already truncated and trimmed
type ChatMessage struct {
	Text string
}

// ReadReceipt carries the de-duplicated ids that survived coercion. It is
// never empty.
type ReadReceipt struct {
	IDs []int64
}

// DeleteMessage carries a positive message id
type DeleteMessage struct {
	MessageID int64
}

// Ignored is a frame that fails validation. It has no effect on the store
// or the room.
type Ignored struct {
	Reason string
}

func (ChatMessage) inbound()   {}
func (ReadReceipt) inbound()   {}
func (DeleteMessage) inbound() {}
func (Ignored) inbound()       {}

// DecodeInbound turns one text frame into a tagged variant. It never fails:
// anything it cannot make sense of comes back as Ignored.
func DecodeInbound(data []byte) Inbound {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Ignored{Reason: "frame is not an object"}
	}

	// Keys match exactly, case included
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return Ignored{Reason: "invalid json"}
	}

	switch frameType(fields["type"]) {
	case TypeReadReceipt:
		return decodeReadReceipt(fields["read_ids"])
	case TypeDeleteMessage:
		return decodeDeleteMessage(fields["message_id"])
	default:
		// Absent or unrecognized types fall through to chat
		return decodeChatMessage(fields["message"])
	}
}

func frameType(raw json.RawMessage) string {
	var t string
	if len(raw) == 0 || json.Unmarshal(raw, &t) != nil {
		return TypeMessage
	}
	return t
}

func decodeChatMessage(raw json.RawMessage) Inbound {
	var text *string
	if len(raw) == 0 || json.Unmarshal(raw, &text) != nil || text == nil {
		return Ignored{Reason: "message is not a string"}
	}

	body := strings.TrimSpace(TruncateText(*text, MaxMessageLength))
	if body == "" {
		return Ignored{Reason: "empty message"}
	}
	return ChatMessage{Text: body}
}

func decodeReadReceipt(raw json.RawMessage) Inbound {
	var entries []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &entries) != nil || entries == nil {
		return Ignored{Reason: "read_ids is not a list"}
	}

	if len(entries) > MaxReadIDs {
		entries = entries[:MaxReadIDs]
	}

	ids := lo.Uniq(lo.FilterMap(entries, func(entry json.RawMessage, _ int) (int64, bool) {
		return CoerceID(entry)
	}))
	if len(ids) == 0 {
		return Ignored{Reason: "no valid read ids"}
	}
	return ReadReceipt{IDs: ids}
}

func decodeDeleteMessage(raw json.RawMessage) Inbound {
	id, ok := CoerceID(raw)
	if !ok {
		return Ignored{Reason: "invalid message_id"}
	}
	return DeleteMessage{MessageID: id}
}

// TruncateText cuts s to at most limit characters
func TruncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// CoerceID converts a JSON value into a positive message id. Integers,
// integral floats and strings holding an integer are accepted.
func CoerceID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}

	var literal string
	switch {
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &literal); err != nil {
			return 0, false
		}
		literal = strings.TrimSpace(literal)
	case raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'):
		literal = string(raw)
	default:
		return 0, false
	}

	id, err := strconv.ParseInt(literal, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(literal, 64)
		if ferr != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f <= 0 {
			return 0, false
		}
		id = int64(f)
	}
	if id <= 0 {
		return 0, false
	}
	return id, true
}
