package chat

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type MessageType string

const (
	TypeUser      MessageType = "user"
	TypeAssistant MessageType = "assistant"
	TypeTool      MessageType = "tool"
	TypeStatus    MessageType = "status"
)

// TempIDPrefix marks identifiers assigned locally before the server confirms a message
const TempIDPrefix = "temp-"

// Stream status values carried in assistant and tool message metadata
const (
	StreamStatusChunk    = "chunk"
	StreamStatusComplete = "complete"
)

var ErrInvalidMessage = errors.New("invalid message payload")

type Message struct {
	ID        string         `json:"message_id"`
	ThreadID  string         `json:"thread_id"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Sequence  int64          `json:"sequence"`
}

// NewUserMessage builds an optimistic user message with a temporary id
func NewUserMessage(threadID, content string) Message {
	now := time.Now()
	return Message{
		ID:        NewTempID(),
		ThreadID:  threadID,
		Type:      TypeUser,
		Content:   strings.TrimSpace(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// DecodeMessage parses a streamed or listed message. The server encodes
// content and metadata either as nested JSON or as JSON strings; both are accepted.
func DecodeMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, ErrInvalidMessage
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Message{}, ErrInvalidMessage
	}

	id := doc.Get("message_id")
	if !id.Exists() {
		id = doc.Get("id")
	}
	msgType := doc.Get("type").String()
	if id.String() == "" || msgType == "" {
		return Message{}, ErrInvalidMessage
	}

	msg := Message{
		ID:        id.String(),
		ThreadID:  doc.Get("thread_id").String(),
		Type:      MessageType(msgType),
		Content:   rawOrString(doc.Get("content")),
		CreatedAt: doc.Get("created_at").Time(),
		UpdatedAt: doc.Get("updated_at").Time(),
		Sequence:  doc.Get("sequence").Int(),
	}

	meta := doc.Get("metadata")
	if meta.Type == gjson.String {
		meta = gjson.Parse(meta.String())
	}
	if meta.IsObject() {
		if m, ok := meta.Value().(map[string]any); ok {
			msg.Metadata = m
		}
	}
	return msg, nil
}

func rawOrString(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return r.String()
	default:
		return r.Raw
	}
}

// Text returns the human readable body. Content holding a JSON object with a
// "content" field yields that field; anything else is returned as is.
func (m Message) Text() string {
	if gjson.Valid(m.Content) {
		r := gjson.Parse(m.Content)
		if r.IsObject() {
			return r.Get("content").String()
		}
	}
	return m.Content
}

// StreamStatus returns metadata.stream_status, or ""
func (m Message) StreamStatus() string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata["stream_status"].(string)
	return s
}

func (m Message) IsUser() bool {
	return m.Type == TypeUser
}

func (m Message) IsAssistant() bool {
	return m.Type == TypeAssistant
}

func (m Message) IsTool() bool {
	return m.Type == TypeTool
}

func (m Message) IsStatus() bool {
	return m.Type == TypeStatus
}

func (m Message) IsTemp() bool {
	return IsTempID(m.ID)
}

func (m Message) IsChunk() bool {
	return m.StreamStatus() == StreamStatusChunk
}

func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text()) == ""
}
