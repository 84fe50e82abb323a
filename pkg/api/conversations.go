package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/events"
	"github.com/killallgit/thrive/pkg/logger"
)

var errMissingConversationID = errors.New("conversation id is required")

// Conversation is one entry of the conversation list
type Conversation struct {
	ID        string `json:"conversation_id"`
	CreatedAt string `json:"created_at"`
}

type listConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// HistoryRole is the integer role used by the history endpoint
type HistoryRole int

const (
	HistoryRoleUser      HistoryRole = 1
	HistoryRoleAssistant HistoryRole = 2
)

// MessageData is the stored form of an assistant message. It has the same
// shape as the data object of a stream frame.
type MessageData struct {
	MsgID              string            `json:"msg_id"`
	ConversationID     string            `json:"conversation_id,omitempty"`
	Content            *string           `json:"content,omitempty"`
	ThinkingContent    *string           `json:"thinking_content,omitempty"`
	ToolCalls          []events.ToolCall `json:"tool_calls,omitempty"`
	SpecialMessageType *string           `json:"special_message_type,omitempty"`
	SpecialMessageData *string           `json:"special_message_data,omitempty"`
}

type UserData struct {
	UserInput *string `json:"user_input,omitempty"`
}

// HistoryMessage is one entry returned by the history endpoint
type HistoryMessage struct {
	Role      HistoryRole  `json:"role"`
	Data      *MessageData `json:"data,omitempty"`
	UserData  *UserData    `json:"user_data,omitempty"`
	CreatedAt string       `json:"created_at"`
}

type historyResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

type deleteResponse struct {
	Message string `json:"message"`
}

// ToChatMessage converts a history entry into a finalized transcript message.
// Entries without a message id get a stable id derived from their position.
func (h HistoryMessage) ToChatMessage(conversationID string, position int) chat.Message {
	msg := chat.Message{
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		State:          chat.StateFinished,
		CreatedAt:      ParseTimestamp(h.CreatedAt),
	}

	if h.Data != nil {
		msg.ID = h.Data.MsgID
	}
	if msg.ID == "" {
		seed := conversationID + "/" + strconv.Itoa(position) + "/" + h.CreatedAt
		msg.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
	}

	if h.Role == HistoryRoleUser {
		msg.Role = chat.RoleUser
		if h.UserData != nil && h.UserData.UserInput != nil {
			msg.Text = *h.UserData.UserInput
		}
		return msg
	}

	if h.Data == nil {
		return msg
	}
	if h.Data.Content != nil {
		msg.Text = *h.Data.Content
	}
	if h.Data.ThinkingContent != nil {
		thinking := *h.Data.ThinkingContent
		msg.Thinking = &thinking
	}
	if len(h.Data.ToolCalls) > 0 {
		msg.ToolCalls = append([]events.ToolCall(nil), h.Data.ToolCalls...)
	}
	if h.Data.SpecialMessageType != nil {
		msg.SpecialType = *h.Data.SpecialMessageType
	}
	if h.Data.SpecialMessageData != nil {
		msg.SpecialData = *h.Data.SpecialMessageData
	}
	return msg
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses the backend's ISO8601 timestamps. Unparseable values
// yield the zero time.
func ParseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ListConversations returns one page of conversations, newest first
func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	var resp listConversationsResponse
	if err := c.doJSON(ctx, ListEndpoint(limit, offset), &resp); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return resp.Conversations, nil
}

// GetConversationHistory fetches the full transcript of a conversation
func (c *Client) GetConversationHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if conversationID == "" {
		return nil, errMissingConversationID
	}

	var resp historyResponse
	if err := c.doJSON(ctx, HistoryEndpoint(conversationID), &resp); err != nil {
		return nil, fmt.Errorf("get conversation history: %w", err)
	}

	messages := make([]chat.Message, 0, len(resp.Messages))
	for i, entry := range resp.Messages {
		messages = append(messages, entry.ToChatMessage(conversationID, i))
	}
	logger.Debug("Fetched %d history messages for conversation %s", len(messages), conversationID)
	return messages, nil
}

// DeleteConversation removes a conversation on the server
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errMissingConversationID
	}

	var resp deleteResponse
	if err := c.doJSON(ctx, DeleteEndpoint(conversationID), &resp); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	logger.Debug("Deleted conversation %s: %s", conversationID, resp.Message)
	return nil
}
