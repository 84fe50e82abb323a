package controllers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/killallgit/thrive/pkg/api"
	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/events"
	"github.com/killallgit/thrive/pkg/logger"
	"github.com/killallgit/thrive/pkg/sse"
	"github.com/killallgit/thrive/pkg/storage"
	"github.com/killallgit/thrive/pkg/telemetry"
)

const (
	turnKindSend   = "send"
	turnKindResume = "resume"
)

// SessionController drives one conversation: it opens streams, feeds every
// frame through the decoder into the reconciler and notifies subscribers.
// Only one turn runs at a time.
type SessionController struct {
	transport Transport
	store     Store
	cards     *chat.CardRegistry
	recorder  *telemetry.Recorder
	now       func() time.Time
	newID     func() string

	mu             sync.RWMutex
	reconciler     *chat.Reconciler
	conversationID string
	lastDataID     string
	busy           bool
	cancelTurn     context.CancelFunc
	// adopted is set once an event of the current turn fixed the conversation id
	adopted bool

	updates *broadcaster
}

func NewSessionController(transport Transport, opts ...SessionOption) *SessionController {
	c := &SessionController{
		transport: transport,
		now:       time.Now,
		newID:     defaultID,
		updates:   newBroadcaster(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.recorder == nil {
		c.recorder = telemetry.Noop()
	}
	c.reconciler = chat.NewReconciler(chat.WithClock(c.now))
	return c
}

// Subscribe returns a channel of updates and a function that ends the
// subscription and closes the channel.
func (c *SessionController) Subscribe() (<-chan Update, func()) {
	return c.updates.subscribe()
}

func (c *SessionController) CurrentMessages() []chat.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconciler.Messages()
}

func (c *SessionController) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}

// LastDataID is the id of the last frame received, the resume cursor
func (c *SessionController) LastDataID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDataID
}

func (c *SessionController) Busy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.busy
}

func (c *SessionController) Cards() *chat.CardRegistry {
	return c.cards
}

// SendMessage appends the user's message and streams the reply. It returns
// when the turn ends: nil on completion, a *TurnError on failure, or the
// context's error when cancelled.
func (c *SessionController) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	turnCtx := c.beginTurnLocked(ctx)
	conversationID := c.conversationID
	userMsg := c.reconciler.AddUserMessage(c.newID(), text, conversationID)
	snapshot := c.reconciler.Messages()
	c.mu.Unlock()

	logger.Info("Sending message %s (conversation %q, %d chars)", userMsg.ID, conversationID, len(text))
	c.publish(TurnStarted, snapshot, nil)
	c.persistMessage(ctx, userMsg)

	return c.runTurn(turnCtx, turnKindSend, conversationID, func(ctx context.Context) (io.ReadCloser, error) {
		return c.transport.SendMessage(ctx, api.SendRequest{ConversationID: conversationID, UserInput: text})
	})
}

// ResumeConversation continues an interrupted turn from lastDataID. Without a
// cursor there is nothing to resume: dangling messages are finalized locally.
func (c *SessionController) ResumeConversation(ctx context.Context, conversationID, lastDataID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}

	if lastDataID == "" {
		changed := c.reconciler.FinalizeActive(chat.StateFinished, "")
		snapshot := c.reconciler.Messages()
		c.mu.Unlock()

		if changed {
			logger.Info("No resume cursor for conversation %s, finalized dangling messages", conversationID)
			c.publish(MessagesChanged, snapshot, nil)
			c.persistMessages(ctx, snapshot)
		}
		return nil
	}

	conversationChanged := c.conversationID != conversationID
	c.conversationID = conversationID
	c.lastDataID = lastDataID
	turnCtx := c.beginTurnLocked(ctx)
	snapshot := c.reconciler.Messages()
	c.mu.Unlock()

	logger.Info("Resuming conversation %s after %s", conversationID, lastDataID)
	if conversationChanged {
		c.publish(ConversationChanged, snapshot, nil)
	}
	c.publish(TurnStarted, snapshot, nil)

	return c.runTurn(turnCtx, turnKindResume, conversationID, func(ctx context.Context) (io.ReadCloser, error) {
		return c.transport.ResumeConversation(ctx, api.ResumeRequest{ConversationID: conversationID, LastDataID: lastDataID})
	})
}

// ResumeIfNeeded resumes when the transcript ends without a complete reply:
// the last entry is a user message or an assistant message with no content.
func (c *SessionController) ResumeIfNeeded(ctx context.Context) error {
	c.mu.RLock()
	conversationID := c.conversationID
	lastDataID := c.lastDataID
	last, ok := c.reconciler.Last()
	c.mu.RUnlock()

	if conversationID == "" || !ok || !needsResume(last) {
		return nil
	}
	return c.ResumeConversation(ctx, conversationID, lastDataID)
}

func needsResume(last chat.Message) bool {
	if last.IsUser() {
		return true
	}
	if last.State == chat.StateErrored {
		return false
	}
	return last.IsStreaming || (last.IsEmpty() && last.Thinking == nil)
}

func (c *SessionController) beginTurnLocked(ctx context.Context) context.Context {
	turnCtx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.adopted = false
	c.cancelTurn = cancel
	c.reconciler.BeginTurn()
	return turnCtx
}

func (c *SessionController) endTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciler.EndTurn()
	c.busy = false
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
}

type openFunc func(ctx context.Context) (io.ReadCloser, error)

func (c *SessionController) runTurn(ctx context.Context, kind, conversationID string, open openFunc) error {
	defer c.endTurn()

	ctx, turn := c.recorder.StartTurn(ctx, kind, conversationID)

	body, err := open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return c.stopTurn(ctx, turn)
		}
		return c.failTurn(ctx, turn, classifyTransportError(err))
	}
	defer body.Close()

	var (
		decoded   int
		dropped   int
		lastError error
		streamErr error
	)

	for result := range sse.Stream(ctx, body) {
		if result.Err != nil {
			if sse.IsFrameDecodeError(result.Err) {
				dropped++
				lastError = result.Err
				turn.FrameDropped(ctx, "frame")
				logger.Warn("Skipping undecodable frame: %v", result.Err)
				continue
			}
			streamErr = result.Err
			break
		}

		ev, err := events.Decode(result.Frame)
		if err != nil {
			dropped++
			lastError = err
			turn.FrameDropped(ctx, "payload")
			logger.Warn("Skipping malformed event: %v", err)
			continue
		}

		decoded++
		turn.FrameReceived(ctx)
		c.applyEvent(ctx, turn, ev)
	}

	switch {
	case ctx.Err() != nil:
		return c.stopTurn(ctx, turn)
	case streamErr != nil:
		return c.failTurn(ctx, turn, classifyTransportError(streamErr))
	case decoded == 0 && dropped > 0:
		return c.failTurn(ctx, turn, &TurnError{Kind: DecodeFailure, Err: lastError})
	}

	return c.completeTurn(ctx, turn, decoded, dropped)
}

func (c *SessionController) applyEvent(ctx context.Context, turn *telemetry.Turn, ev events.Event) {
	meta := ev.Meta()

	c.mu.Lock()
	conversationChanged := false
	if meta.ConversationID != "" && meta.ConversationID != c.conversationID {
		if c.adopted {
			logger.Warn("Ignoring conversation id %s on message %s, turn belongs to %s",
				meta.ConversationID, meta.MessageID, c.conversationID)
		} else {
			c.conversationID = meta.ConversationID
			conversationChanged = true
		}
	}
	if meta.ConversationID != "" {
		c.adopted = true
	}
	if meta.FrameID != "" {
		c.lastDataID = meta.FrameID
	}

	changed := c.reconciler.Apply(ev)
	conversationID := c.conversationID
	lastDataID := c.lastDataID
	var snapshot []chat.Message
	var touched chat.Message
	var hasTouched bool
	if changed || conversationChanged {
		snapshot = c.reconciler.Messages()
		touched, hasTouched = messageByID(snapshot, meta.MessageID)
	}
	c.mu.Unlock()

	if conversationChanged {
		logger.Info("Conversation is now %s", conversationID)
		turn.ConversationAssigned(conversationID)
		c.publish(ConversationChanged, snapshot, nil)
	}
	if changed {
		c.publish(MessagesChanged, snapshot, nil)
		if hasTouched {
			c.persistMessage(ctx, touched)
		}
	}
	c.persistSession(ctx, conversationID, lastDataID)
}

func (c *SessionController) completeTurn(ctx context.Context, turn *telemetry.Turn, decoded, dropped int) error {
	c.mu.Lock()
	changed := c.reconciler.FinalizeActive(chat.StateFinished, "")
	snapshot := c.reconciler.Messages()
	conversationID := c.conversationID
	c.mu.Unlock()

	logger.Info("Turn completed: %d events applied, %d dropped", decoded, dropped)
	if changed {
		c.publish(MessagesChanged, snapshot, nil)
	}
	c.persistMessages(ctx, snapshot)
	c.publish(TurnCompleted, snapshot, nil)
	turn.End(ctx, "completed", nil, "")

	if conversationID == "" {
		logger.Warn("Turn completed without a conversation id")
	}
	return nil
}

// stopTurn finalizes the turn after cancellation. Nothing is reported as a
// failure; the caller gets the context error.
func (c *SessionController) stopTurn(ctx context.Context, turn *telemetry.Turn) error {
	cause := ctx.Err()

	c.mu.Lock()
	changed := c.reconciler.FinalizeActive(chat.StateStopped, "")
	snapshot := c.reconciler.Messages()
	c.mu.Unlock()

	logger.Info("Turn cancelled: %v", cause)
	if changed {
		c.publish(MessagesChanged, snapshot, nil)
	}
	// The turn context is done; persist on a fresh one
	c.persistMessages(context.WithoutCancel(ctx), snapshot)
	c.publish(TurnCompleted, snapshot, nil)
	turn.End(context.WithoutCancel(ctx), "stopped", nil, "")
	return cause
}

func (c *SessionController) failTurn(ctx context.Context, turn *telemetry.Turn, turnErr *TurnError) error {
	c.mu.Lock()
	c.reconciler.MarkErrored(c.newID(), turnErr.Error())
	snapshot := c.reconciler.Messages()
	c.mu.Unlock()

	logger.Error("Turn failed: %v", turnErr)
	c.publish(MessagesChanged, snapshot, nil)
	c.persistMessages(ctx, snapshot)
	c.publish(TurnFailed, snapshot, turnErr)
	turn.End(ctx, "failed", turnErr, turnErr.Kind.String())
	return turnErr
}

// Initialize restores the local transcript, syncs it with the server's
// latest conversation and resumes an interrupted reply.
func (c *SessionController) Initialize(ctx context.Context) error {
	if err := c.loadLocal(ctx); err != nil {
		return err
	}
	c.syncWithServer(ctx)

	if err := c.ResumeIfNeeded(ctx); err != nil {
		// An interrupted reply that cannot be resumed is not fatal
		logger.Warn("Resume after initialize failed: %v", err)
	}
	return nil
}

func (c *SessionController) loadLocal(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	msgs, err := c.store.FetchAllMessages(ctx)
	if err != nil {
		return fmt.Errorf("load local history: %w", err)
	}
	state, err := c.store.LoadSession(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.reconciler.Replace(msgs)
	c.conversationID = state.ConversationID
	if c.conversationID == "" && len(msgs) > 0 {
		c.conversationID = msgs[len(msgs)-1].ConversationID
	}
	c.lastDataID = state.LastDataID
	snapshot := c.reconciler.Messages()
	c.mu.Unlock()

	logger.Info("Loaded %d local messages", len(msgs))
	c.publish(MessagesChanged, snapshot, nil)
	return nil
}

// syncWithServer switches to the newest server conversation and merges in
// messages the local copy is missing. Failures are logged, not returned.
func (c *SessionController) syncWithServer(ctx context.Context) {
	latest, err := c.transport.ListConversations(ctx, 1, 0)
	if err != nil {
		logger.Warn("Failed to fetch latest conversation: %v", err)
	}

	c.mu.Lock()
	conversationChanged := false
	if len(latest) > 0 && latest[0].ID != c.conversationID {
		logger.Info("Switching to latest conversation %s", latest[0].ID)
		c.conversationID = latest[0].ID
		c.lastDataID = ""
		conversationChanged = true
	}
	conversationID := c.conversationID
	snapshot := c.reconciler.Messages()
	c.mu.Unlock()

	if conversationChanged {
		c.publish(ConversationChanged, snapshot, nil)
		c.persistSession(ctx, conversationID, "")
	}
	if conversationID == "" {
		return
	}

	remote, err := c.transport.GetConversationHistory(ctx, conversationID)
	if err != nil {
		logger.Warn("Failed to sync conversation %s: %v", conversationID, err)
		return
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return
	}
	merged, missing := mergeHistory(c.reconciler.Messages(), remote)
	if len(missing) > 0 {
		c.reconciler.Replace(merged)
	}
	snapshot = c.reconciler.Messages()
	c.mu.Unlock()

	if len(missing) == 0 {
		return
	}
	logger.Info("Synced %d missing messages from conversation %s", len(missing), conversationID)
	c.publish(MessagesChanged, snapshot, nil)
	c.rewriteMessages(ctx, snapshot)
}

// mergeHistory inserts remote messages the local transcript lacks in time
// order. Local user messages carry client ids, so they also match a remote
// user message with the same text.
func mergeHistory(local, remote []chat.Message) (merged, missing []chat.Message) {
	ids := make(map[string]bool, len(local))
	unmatchedUser := make(map[string]int)
	for _, msg := range local {
		ids[msg.ID] = true
		if msg.IsUser() {
			unmatchedUser[msg.Text]++
		}
	}

	merged = append([]chat.Message(nil), local...)
	for _, msg := range remote {
		if ids[msg.ID] {
			if msg.IsUser() && unmatchedUser[msg.Text] > 0 {
				unmatchedUser[msg.Text]--
			}
			continue
		}
		if msg.IsUser() && unmatchedUser[msg.Text] > 0 {
			unmatchedUser[msg.Text]--
			continue
		}

		missing = append(missing, msg)
		at := len(merged)
		for i, existing := range merged {
			if existing.CreatedAt.After(msg.CreatedAt) {
				at = i
				break
			}
		}
		merged = append(merged, chat.Message{})
		copy(merged[at+1:], merged[at:])
		merged[at] = msg
	}
	return merged, missing
}

// GetConversationHistory replaces the transcript with the server's copy of
// a conversation and makes it current.
func (c *SessionController) GetConversationHistory(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	if c.Busy() {
		return ErrBusy
	}

	msgs, err := c.transport.GetConversationHistory(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.reconciler.Replace(msgs)
	c.conversationID = conversationID
	c.lastDataID = ""
	snapshot := c.reconciler.Messages()
	c.mu.Unlock()

	c.publish(ConversationChanged, snapshot, nil)
	c.publish(MessagesChanged, snapshot, nil)

	if c.store != nil {
		if err := c.store.DeleteAllMessages(ctx); err != nil {
			logger.Error("Failed to reset local history: %v", err)
		}
		c.persistMessages(ctx, snapshot)
		c.persistSession(ctx, conversationID, "")
	}
	return nil
}

// ListConversations returns a page of the user's conversations
func (c *SessionController) ListConversations(ctx context.Context, limit, offset int) ([]api.Conversation, error) {
	return c.transport.ListConversations(ctx, limit, offset)
}

// DeleteConversation deletes a conversation on the server. Deleting the
// current conversation also clears the transcript and local history.
func (c *SessionController) DeleteConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}

	c.mu.RLock()
	current := conversationID == c.conversationID
	busy := c.busy
	c.mu.RUnlock()
	if current && busy {
		return ErrBusy
	}

	if err := c.transport.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	if !current {
		return nil
	}
	return c.clear(ctx)
}

// ClearHistory wipes the local transcript and forgets the conversation
func (c *SessionController) ClearHistory(ctx context.Context) error {
	if c.Busy() {
		return ErrBusy
	}
	return c.clear(ctx)
}

func (c *SessionController) clear(ctx context.Context) error {
	if c.store != nil {
		if err := c.store.DeleteAllMessages(ctx); err != nil {
			return fmt.Errorf("clear local history: %w", err)
		}
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.reconciler.Reset()
	c.conversationID = ""
	c.lastDataID = ""
	c.mu.Unlock()

	c.publish(ConversationChanged, []chat.Message{}, nil)
	c.publish(MessagesChanged, []chat.Message{}, nil)
	return nil
}

// Close cancels the turn in flight and ends every subscription
func (c *SessionController) Close() {
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
	c.mu.Unlock()
	c.updates.closeAll()
}

func (c *SessionController) publish(kind UpdateType, snapshot []chat.Message, err error) {
	c.updates.publish(Update{
		Type:           kind,
		Messages:       snapshot,
		ConversationID: c.ConversationID(),
		Err:            err,
	})
}

func (c *SessionController) persistMessage(ctx context.Context, msg chat.Message) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveMessage(ctx, msg); err != nil {
		logger.Error("Failed to save message %s: %v", msg.ID, err)
	}
}

func (c *SessionController) persistMessages(ctx context.Context, msgs []chat.Message) {
	if c.store == nil || len(msgs) == 0 {
		return
	}
	if err := c.store.SaveMessages(ctx, msgs); err != nil {
		logger.Error("Failed to save %d messages: %v", len(msgs), err)
	}
}

// rewriteMessages stores msgs as the whole transcript so stored order follows
// the transcript after messages were inserted in the middle
func (c *SessionController) rewriteMessages(ctx context.Context, msgs []chat.Message) {
	if c.store == nil {
		return
	}
	if err := c.store.ReplaceMessages(ctx, msgs); err != nil {
		logger.Error("Failed to rewrite %d messages: %v", len(msgs), err)
	}
}

func (c *SessionController) persistSession(ctx context.Context, conversationID, lastDataID string) {
	if c.store == nil {
		return
	}
	state := storage.SessionState{ConversationID: conversationID, LastDataID: lastDataID}
	if err := c.store.SaveSession(ctx, state); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Failed to save session: %v", err)
	}
}

func messageByID(msgs []chat.Message, id string) (chat.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return msgs[i], true
		}
	}
	return chat.Message{}, false
}
