package chat

import (
	"encoding/json"
	"time"

	"ChatGateway/tools/errs"
)

// Inbound and outbound event types. The set is closed; an unmatched inbound
// tag is a protocol error, never a silent drop.
const (
	TypePing        = "ping"
	TypeJoin        = "join_conversation"
	TypeLeave       = "leave_conversation"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypeMessage     = "message"

	TypePong         = "pong"
	TypeError        = "error"
	TypeGroupJoined  = "group_joined"
	TypeGroupLeft    = "group_left"
	TypeUserStatus   = "user_status"
	TypeNotification = "notification"
)

// Frame is the wire envelope. Unknown fields are ignored on parse for forward
// compatibility; Payload stays generic until a handler decodes it.
type Frame struct {
	Type    string         `json:"type"`
	Group   string         `json:"group,omitempty"`
	TS      int64          `json:"ts,omitempty"`
	Echo    bool           `json:"echo,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrMalformedFrame.WithDetail(err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrMalformedFrame.WithDetail("missing type")
	}
	return f, nil
}

func (f *Frame) Encode() []byte {
	raw, err := json.Marshal(f)
	if err != nil {
		// frames are built from plain maps/scalars; this cannot fail in practice
		return []byte(`{"type":"error","payload":{"reason":"encode_failed"}}`)
	}
	return raw
}

// GroupName returns the target group: envelope field first, payload fallback.
func (f *Frame) GroupName() string {
	if f.Group != "" {
		return f.Group
	}
	if g, ok := f.Payload["group"].(string); ok {
		return g
	}
	return ""
}

// ---- typed inbound payloads ----

type TypingPayload struct {
	IsTyping *bool `json:"is_typing"`
}

type ReadReceiptPayload struct {
	MessageID string `json:"message_id"`
}

type MessagePayload struct {
	Content    string `json:"content"`
	Attachment string `json:"attachment"`
}

// ---- server-built frames ----

func nowMillis() int64 { return time.Now().UnixMilli() }

func BuildPong(echoTS int64) *Frame {
	return &Frame{
		Type: TypePong,
		TS:   nowMillis(),
		Payload: map[string]any{
			"echo_ts": echoTS,
		},
	}
}

func BuildError(ce *errs.CodeError) *Frame {
	p := map[string]any{
		"reason": ce.Reason,
		"code":   ce.Code,
	}
	if ce.Detail != "" {
		p["detail"] = ce.Detail
	}
	return &Frame{Type: TypeError, TS: nowMillis(), Payload: p}
}

func BuildGroupJoined(group string) *Frame {
	return &Frame{Type: TypeGroupJoined, Group: group, TS: nowMillis(),
		Payload: map[string]any{"group": group}}
}

func BuildGroupLeft(group string) *Frame {
	return &Frame{Type: TypeGroupLeft, Group: group, TS: nowMillis(),
		Payload: map[string]any{"group": group}}
}

func BuildTyping(group, userID string, isTyping bool) *Frame {
	return &Frame{Type: TypeTyping, Group: group, TS: nowMillis(),
		Payload: map[string]any{
			"user_id":   userID,
			"is_typing": isTyping,
		}}
}

func BuildReadReceipt(group, messageID, userID string) *Frame {
	return &Frame{Type: TypeReadReceipt, Group: group, TS: nowMillis(),
		Payload: map[string]any{
			"message_id": messageID,
			"user_id":    userID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		}}
}

func BuildUserStatus(group, userID, status string) *Frame {
	return &Frame{Type: TypeUserStatus, Group: group, TS: nowMillis(),
		Payload: map[string]any{
			"user_id":   userID,
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}}
}

func BuildMessage(group, messageID, senderID, content, attachment string, createdAt time.Time) *Frame {
	p := map[string]any{
		"id":         messageID,
		"sender_id":  senderID,
		"content":    content,
		"created_at": createdAt.UTC().Format(time.RFC3339),
		"is_read":    false,
	}
	if attachment != "" {
		p["attachment"] = attachment
	}
	return &Frame{Type: TypeMessage, Group: group, TS: nowMillis(), Payload: p}
}

func BuildNotification(userID, title, body string, data map[string]any) *Frame {
	p := map[string]any{
		"user_id": userID,
		"title":   title,
		"body":    body,
	}
	if len(data) > 0 {
		p["data"] = data
	}
	return &Frame{Type: TypeNotification, Group: UserGroup(userID), TS: nowMillis(), Payload: p}
}

// groupEvent is what actually travels over the Broadcast Bus: the encoded
// frame plus the publishing connection, so delivery can exclude the sender's
// own copy unless it asked for the echo.
type groupEvent struct {
	Sender string          `json:"sender"`
	Echo   bool            `json:"echo,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}
