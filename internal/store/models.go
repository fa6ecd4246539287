package store

import "time"

const (
	DocTypeThread  = "thread"
	DocTypeMessage = "message"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Thread is the conversation container. ID and ThreadID are always equal; the
// thread id is also the partition key of every message in the conversation.
type Thread struct {
	ID                 string         `json:"id"`
	ThreadID           string         `json:"thread_id"`
	Type               string         `json:"type"`
	UserID             string         `json:"user_id"`
	Title              *string        `json:"title"`
	Status             Status         `json:"status"`
	MessageCount       int            `json:"message_count"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	LastMessagePreview *string        `json:"last_message_preview"`
	Metadata           map[string]any `json:"metadata"`
}

type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result"`
	Error     string         `json:"error,omitempty"`
}

type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type Message struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	ThreadID  string         `json:"thread_id"`
	Type      string         `json:"type"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Sources   []Source       `json:"sources,omitempty"`
	Metadata  map[string]any `json:"metadata"`
}

// NewMessage carries the caller-provided fields of AddMessage.
type NewMessage struct {
	ThreadID  string
	MessageID string
	Role      Role
	Content   string
	ToolCalls []ToolCall
	Sources   []Source
	Metadata  map[string]any
}

// ThreadUpdate is a partial update; nil fields are left untouched.
type ThreadUpdate struct {
	Title              *string
	Status             *Status
	MessageCount       *int
	LastMessagePreview *string
}
