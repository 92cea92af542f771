package llm

import (
	"encoding/json"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Request represents a complete chat completion request.
// Messages must already be normalized (see NormalizeMessages) before the
// request is handed to a Client.
type Request struct {
	Model            string
	Messages         []Message
	MaxTokens        int
	Temperature      *float32
	TopP             *float32
	PresencePenalty  *float32
	FrequencyPenalty *float32
}

// Response represents a complete, non-streamed response.
type Response struct {
	Content    string
	Model      string
	Usage      *Usage
	StopReason string
}

// Usage represents token usage information from an LLM response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// NewTextMessage creates a new message with text content.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role:    role,
		Content: text,
	}
}

// Float32 returns a pointer to v, for optional sampling fields.
func Float32(v float32) *float32 {
	return &v
}

// Clone returns a copy of the request that shares no slices with r.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	return &c
}

// ToJSON marshals a message to JSON for debugging/logging purposes.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
