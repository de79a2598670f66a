package models

// EventType tags a StreamEvent.
type EventType string

const (
	EventContent    EventType = "content"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Terminal reports whether the event type ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Known reports whether the event type is part of the wire protocol.
func (t EventType) Known() bool {
	switch t {
	case EventContent, EventToolStart, EventToolResult, EventDone, EventError:
		return true
	}
	return false
}

// StreamEvent is one decoded frame of the chat stream.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Sources   []Source  `json:"sources,omitempty"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ExchangeStatus is the lifecycle state of the current exchange.
type ExchangeStatus string

const (
	StatusIdle          ExchangeStatus = "idle"
	StatusConnecting    ExchangeStatus = "connecting"
	StatusStreaming     ExchangeStatus = "streaming"
	StatusToolExecuting ExchangeStatus = "tool_executing"
)

// Active reports whether a stream is open in this status.
func (s ExchangeStatus) Active() bool {
	return s != StatusIdle && s != ""
}

// ChatRequest is the body of the streaming chat call.
type ChatRequest struct {
	Messages       []ChatMessage `json:"messages"`
	Model          string        `json:"model,omitempty"`
	UserID         string        `json:"user_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

// ChatMessage is the wire form of a message in a ChatRequest.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
