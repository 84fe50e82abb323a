package controllers

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/killallgit/thrive/pkg/api"
	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/storage"
	"github.com/killallgit/thrive/pkg/telemetry"
)

// Transport is the conversation backend as seen by the session
type Transport interface {
	SendMessage(ctx context.Context, req api.SendRequest) (io.ReadCloser, error)
	ResumeConversation(ctx context.Context, req api.ResumeRequest) (io.ReadCloser, error)
	ListConversations(ctx context.Context, limit, offset int) ([]api.Conversation, error)
	GetConversationHistory(ctx context.Context, conversationID string) ([]chat.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Store persists the transcript locally
type Store interface {
	SaveMessage(ctx context.Context, msg chat.Message) error
	SaveMessages(ctx context.Context, msgs []chat.Message) error
	ReplaceMessages(ctx context.Context, msgs []chat.Message) error
	FetchAllMessages(ctx context.Context) ([]chat.Message, error)
	DeleteAllMessages(ctx context.Context) error
	SaveSession(ctx context.Context, state storage.SessionState) error
	LoadSession(ctx context.Context) (storage.SessionState, error)
}

var (
	_ Transport = (*api.Client)(nil)
	_ Store     = (*storage.Store)(nil)
)

// SessionOption configures a SessionController
type SessionOption func(*SessionController)

// WithStore enables local persistence
func WithStore(store Store) SessionOption {
	return func(c *SessionController) {
		c.store = store
	}
}

func WithCardRegistry(cards *chat.CardRegistry) SessionOption {
	return func(c *SessionController) {
		c.cards = cards
	}
}

func WithTelemetry(recorder *telemetry.Recorder) SessionOption {
	return func(c *SessionController) {
		c.recorder = recorder
	}
}

// WithClock sets the time source for new messages
func WithClock(now func() time.Time) SessionOption {
	return func(c *SessionController) {
		c.now = now
	}
}

// WithIDGenerator sets how local message ids are made
func WithIDGenerator(newID func() string) SessionOption {
	return func(c *SessionController) {
		c.newID = newID
	}
}

func defaultID() string {
	return uuid.NewString()
}
