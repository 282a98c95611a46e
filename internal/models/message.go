package models

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

// MessageType tags the origin of a conversation entry.
type MessageType string

const (
	TypeUser      MessageType = "user_message"
	TypeAI        MessageType = "ai_response"
	TypeSystem    MessageType = "system"
	TypeNarration MessageType = "narration"
)

// Mode distinguishes spoken chat from in-world actions.
type Mode string

const (
	ModeChat   Mode = "chat"
	ModeAction Mode = "action"
)

// Message is one entry in an instance's conversation. Server-assigned ids
// are positive; optimistic local messages carry a negative id until the
// authoritative copy arrives and replaces them.
type Message struct {
	ID         int64       `json:"id"`
	InstanceID int64       `json:"instance_id"`
	Sender     string      `json:"sender_name"`
	Body       string      `json:"message"`
	Type       MessageType `json:"message_type"`
	Turn       int         `json:"turn_number"`
	// Sequence is the per-instance strictly-increasing sort key. Zero
	// means the server has not assigned one.
	Sequence  int64     `json:"sequence_number,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
	Mode      Mode      `json:"mode,omitempty"`
}

// Pending reports whether the message is a local optimistic echo that has
// not been confirmed by the server yet.
func (m *Message) Pending() bool {
	return m.ID < 0
}

// Streamable reports whether the message type participates in character
// reveal. User and system messages always render instantly.
func (m *Message) Streamable() bool {
	return m.Type == TypeAI || m.Type == TypeNarration
}

var pendingSeq int64

// NextPendingID returns a fresh negative id for an optimistic message.
func NextPendingID() int64 {
	return -atomic.AddInt64(&pendingSeq, 1)
}

// InferMode derives the mode of a user message from its body when no
// explicit mode was recorded. "ACTION " prefixed bodies are actions,
// everything else is chat.
func InferMode(body string) Mode {
	if strings.HasPrefix(body, "ACTION ") {
		return ModeAction
	}
	return ModeChat
}

// legacy structured-response envelope; some persisted rows wrap the text as
// {"content": "..."}.
type bodyEnvelope struct {
	Content *string `json:"content"`
}

// DecodeBody unwraps the legacy JSON envelope if present and returns the
// display text. Plain bodies pass through unchanged.
func DecodeBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return body
	}
	var env bodyEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil || env.Content == nil {
		return body
	}
	return *env.Content
}
