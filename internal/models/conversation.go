// Package models defines the data structures shared by the dave client core.
package models

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is shown for conversations the backend has not titled yet.
const DefaultTitle = "New conversation"

// Source is a retrieval annotation attached to a completed assistant message.
type Source struct {
	Type     string         `json:"type"` // memory, document, uploaded_doc (topic, concept also seen)
	Title    string         `json:"title"`
	Snippet  string         `json:"snippet"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message represents a single chat message.
type Message struct {
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Sources []Source `json:"sources,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Sources != nil {
		out.Sources = make([]Source, len(m.Sources))
		for i, s := range m.Sources {
			out.Sources[i] = s
			if s.Metadata != nil {
				md := make(map[string]any, len(s.Metadata))
				for k, v := range s.Metadata {
					md[k] = v
				}
				out.Sources[i].Metadata = md
			}
		}
	}
	return out
}

// CloneMessages deep-copies a message slice. A nil slice yields an empty one.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Conversation represents a persisted chat session.
type Conversation struct {
	ID        string    `json:"id"`
	Title     *string   `json:"title,omitempty"`
	CreatedAt Timestamp `json:"created_at"`
	UpdatedAt Timestamp `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// DisplayTitle returns the title or DefaultTitle when unset.
func (c Conversation) DisplayTitle() string {
	if c.Title == nil || strings.TrimSpace(*c.Title) == "" {
		return DefaultTitle
	}
	return *c.Title
}

// ConversationListItem is the lightweight projection used for history browsing.
type ConversationListItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt Timestamp `json:"updated_at"`
}

// ConversationGroup is a named recency bucket of list items.
type ConversationGroup struct {
	Name          string                 `json:"name"`
	Conversations []ConversationListItem `json:"conversations"`
}
