// Package chat holds the conversation transcript and the reconciler that
// folds decoded stream events into it.
package chat

import (
	"strings"
	"time"

	"github.com/killallgit/thrive/pkg/events"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageState is the lifecycle position of a message
type MessageState string

const (
	StateStreaming MessageState = "streaming"
	StateFinished  MessageState = "finished"
	StateStopped   MessageState = "stopped"
	StateErrored   MessageState = "errored"
)

// IsTerminal reports whether no further content may be applied
func (s MessageState) IsTerminal() bool {
	return s == StateFinished || s == StateStopped || s == StateErrored
}

type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Role           Role              `json:"role"`
	Text           string            `json:"text"`
	IsStreaming    bool              `json:"is_streaming"`
	State          MessageState      `json:"state"`
	Thinking       *string           `json:"thinking,omitempty"`
	ToolCalls      []events.ToolCall `json:"tool_calls,omitempty"`
	SpecialType    string            `json:"special_type,omitempty"`
	SpecialData    string            `json:"special_data,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func NewUserMessage(id, text string, at time.Time) Message {
	return Message{
		ID:        id,
		Role:      RoleUser,
		Text:      strings.TrimSpace(text),
		State:     StateFinished,
		CreatedAt: at,
	}
}

// NewAssistantMessage returns an empty assistant message that is still streaming
func NewAssistantMessage(id, conversationID string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           RoleAssistant,
		IsStreaming:    true,
		State:          StateStreaming,
		CreatedAt:      at,
	}
}

func (m Message) IsUser() bool {
	return m.Role == RoleUser
}

func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

func (m Message) IsCard() bool {
	return m.SpecialType != ""
}

// IsEmpty reports whether the message has nothing to show
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && !m.HasToolCalls() && !m.IsCard()
}

// Clone returns a deep copy that shares no pointers with m
func (m Message) Clone() Message {
	out := m
	if m.Thinking != nil {
		thinking := *m.Thinking
		out.Thinking = &thinking
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]events.ToolCall, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = cloneToolCall(call)
		}
	}
	return out
}

func cloneToolCall(c events.ToolCall) events.ToolCall {
	out := c
	if c.ArgsJSON != nil {
		args := *c.ArgsJSON
		out.ArgsJSON = &args
	}
	if c.ResultJSON != nil {
		result := *c.ResultJSON
		out.ResultJSON = &result
	}
	return out
}
