package chat

import (
	"strings"
	"time"

	"github.com/killallgit/thrive/pkg/events"
	"github.com/killallgit/thrive/pkg/logger"
)

const errorStatusReason = "the assistant reported an error"

// Reconciler folds decoded events into a Transcript. It is not safe for
// concurrent use; callers serialize access.
type Reconciler struct {
	transcript *Transcript

	// activeID is the assistant message currently streaming, if any
	activeID string
	turnOpen bool

	applied   map[string]map[string]struct{}
	lastIndex map[string]int
	lastChunk map[string]string
	sealed    map[string]bool

	now func() time.Time
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithClock sets the time source used for message creation times
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		transcript: NewTranscript(),
		now:        time.Now,
	}
	r.resetTracking()

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BeginTurn allows events to create messages that have not been seen yet
func (r *Reconciler) BeginTurn() {
	r.turnOpen = true
}

// EndTurn closes the turn; late events for unknown ids are ignored afterwards
func (r *Reconciler) EndTurn() {
	r.turnOpen = false
}

func (r *Reconciler) TurnOpen() bool {
	return r.turnOpen
}

// Apply folds one event into the transcript and reports whether anything
// visible changed.
func (r *Reconciler) Apply(ev events.Event) bool {
	meta := ev.Meta()
	if meta.MessageID == "" {
		return false
	}

	if r.seen(meta) {
		logger.Debug("Dropping replayed event %s for message %s", meta.Key, meta.MessageID)
		return false
	}
	r.markApplied(meta)

	switch e := ev.(type) {
	case *events.StatusEvent:
		return r.applyStatus(e)
	case *events.DeltaEvent:
		return r.applyDelta(e)
	case *events.ToolCallEvent:
		return r.applyToolCalls(e)
	case *events.CardEvent:
		return r.applyCard(e)
	case *events.IgnoredEvent:
		logger.Debug("Ignoring event with data type %d for message %s", e.DataType, e.MessageID)
		return false
	default:
		return false
	}
}

func (r *Reconciler) applyStatus(e *events.StatusEvent) bool {
	msg, exists := r.transcript.get(e.MessageID)

	if e.Status == events.StatusGenerating {
		if exists {
			return r.adoptConversation(msg, e.ConversationID)
		}
		if !r.turnOpen {
			logger.Debug("Ignoring late generating status for unknown message %s", e.MessageID)
			return false
		}
		r.create(e.Envelope)
		return true
	}

	if !e.Status.IsTerminal() {
		return false
	}

	// Within a turn, a terminal status for an id we never saw closes whatever
	// is streaming
	if !exists {
		if !r.turnOpen {
			logger.Debug("Ignoring late %s status for unknown message %s", e.Status, e.MessageID)
			return false
		}
		active, ok := r.transcript.get(r.activeID)
		if !ok {
			return false
		}
		msg = active
	}
	if msg.State.IsTerminal() {
		return false
	}

	switch e.Status {
	case events.StatusFinished:
		r.finalize(msg, StateFinished, "")
	case events.StatusStopped:
		r.finalize(msg, StateStopped, "")
	case events.StatusError:
		r.finalize(msg, StateErrored, errorStatusReason)
	}
	return true
}

func (r *Reconciler) applyDelta(e *events.DeltaEvent) bool {
	msg, ok := r.target(e.Envelope)
	if !ok {
		return false
	}

	if e.Index != nil {
		last, seen := r.lastIndex[msg.ID]
		if seen && *e.Index < last {
			logger.Debug("Dropping out of order chunk %d < %d for message %s", *e.Index, last, msg.ID)
			return false
		}
		if seen && *e.Index == last && e.Kind == events.ChunkPartial && e.Content != nil && r.lastChunk[msg.ID] == *e.Content {
			logger.Debug("Dropping replayed chunk %d for message %s", *e.Index, msg.ID)
			return false
		}
		r.lastIndex[msg.ID] = *e.Index
		if e.Content != nil {
			r.lastChunk[msg.ID] = *e.Content
		}
	}

	changed := r.adoptConversation(msg, e.ConversationID)

	if e.Content != nil {
		switch e.Kind {
		case events.ChunkWhole:
			if msg.Text != *e.Content {
				msg.Text = *e.Content
				changed = true
			}
			r.sealed[msg.ID] = true
		default:
			if r.sealed[msg.ID] {
				logger.Debug("Dropping chunk after whole content for message %s", msg.ID)
			} else if text := accumulate(msg.Text, *e.Content); text != msg.Text {
				msg.Text = text
				changed = true
			}
		}
	}

	if e.Thinking != nil && (msg.Thinking == nil || *msg.Thinking != *e.Thinking) {
		thinking := *e.Thinking
		msg.Thinking = &thinking
		changed = true
	}

	if mergeToolCalls(msg, e.ToolCalls) {
		changed = true
	}
	return changed
}

// accumulate folds a chunk into the text so far. The backend may send either
// the fragment since the last chunk or the whole text so far; a chunk that
// extends the current text replaces it, anything else is appended.
func accumulate(current, chunk string) string {
	if strings.HasPrefix(chunk, current) {
		return chunk
	}
	return current + chunk
}

func (r *Reconciler) applyToolCalls(e *events.ToolCallEvent) bool {
	msg, ok := r.target(e.Envelope)
	if !ok {
		return false
	}
	changed := r.adoptConversation(msg, e.ConversationID)
	return mergeToolCalls(msg, e.Calls) || changed
}

func (r *Reconciler) applyCard(e *events.CardEvent) bool {
	msg, ok := r.target(e.Envelope)
	if !ok {
		return false
	}
	changed := r.adoptConversation(msg, e.ConversationID)
	if msg.SpecialType == e.CardType && msg.SpecialData == e.CardData {
		return changed
	}
	msg.SpecialType = e.CardType
	msg.SpecialData = e.CardData
	return true
}

// target resolves the message a content event applies to, creating it while
// a turn is open. Finalized messages accept no more content.
func (r *Reconciler) target(env events.Envelope) (*Message, bool) {
	msg, exists := r.transcript.get(env.MessageID)
	if !exists {
		if !r.turnOpen {
			logger.Debug("Ignoring late event for unknown message %s", env.MessageID)
			return nil, false
		}
		return r.create(env), true
	}
	if msg.State.IsTerminal() {
		logger.Debug("Dropping event for finalized message %s (%s)", msg.ID, msg.State)
		return nil, false
	}
	return msg, true
}

func (r *Reconciler) create(env events.Envelope) *Message {
	if active, ok := r.transcript.get(r.activeID); ok && active.IsStreaming && active.ID != env.MessageID {
		logger.Warn("ReconciliationInvariantViolation: message %s still streaming when %s started, finalizing it", active.ID, env.MessageID)
		r.finalize(active, StateFinished, "")
	}

	msg := r.transcript.append(NewAssistantMessage(env.MessageID, env.ConversationID, r.now()))
	r.activeID = msg.ID
	return msg
}

func (r *Reconciler) finalize(msg *Message, state MessageState, reason string) {
	msg.IsStreaming = false
	msg.State = state
	if state == StateErrored {
		msg.ErrorMessage = reason
	}
	if r.activeID == msg.ID {
		r.activeID = ""
	}
}

func (r *Reconciler) adoptConversation(msg *Message, conversationID string) bool {
	if conversationID == "" || msg.ConversationID == conversationID {
		return false
	}
	msg.ConversationID = conversationID
	return true
}

func (r *Reconciler) seen(meta events.Envelope) bool {
	if meta.Key == "" {
		return false
	}
	_, ok := r.applied[meta.MessageID][meta.Key]
	return ok
}

func (r *Reconciler) markApplied(meta events.Envelope) {
	if meta.Key == "" {
		return
	}
	keys, ok := r.applied[meta.MessageID]
	if !ok {
		keys = make(map[string]struct{})
		r.applied[meta.MessageID] = keys
	}
	keys[meta.Key] = struct{}{}
}

// mergeToolCalls appends new calls and updates existing ones by CallID.
// Calls are never removed.
func mergeToolCalls(msg *Message, calls []events.ToolCall) bool {
	changed := false
	for _, call := range calls {
		if call.CallID == "" {
			logger.Debug("Skipping tool call without id on message %s", msg.ID)
			continue
		}

		i := indexOfToolCall(msg.ToolCalls, call.CallID)
		if i < 0 {
			msg.ToolCalls = append(msg.ToolCalls, cloneToolCall(call))
			changed = true
			continue
		}

		existing := &msg.ToolCalls[i]
		if call.Name != "" && existing.Name != call.Name {
			existing.Name = call.Name
			changed = true
		}
		if call.Status != events.ToolCallUnknown && existing.Status != call.Status {
			existing.Status = call.Status
			changed = true
		}
		if call.ArgsJSON != nil && (existing.ArgsJSON == nil || *existing.ArgsJSON != *call.ArgsJSON) {
			args := *call.ArgsJSON
			existing.ArgsJSON = &args
			changed = true
		}
		if call.ResultJSON != nil && (existing.ResultJSON == nil || *existing.ResultJSON != *call.ResultJSON) {
			result := *call.ResultJSON
			existing.ResultJSON = &result
			changed = true
		}
	}
	return changed
}

func indexOfToolCall(calls []events.ToolCall, id string) int {
	for i, call := range calls {
		if call.CallID == id {
			return i
		}
	}
	return -1
}

// AddUserMessage appends an optimistic user message
func (r *Reconciler) AddUserMessage(id, text, conversationID string) Message {
	msg := NewUserMessage(id, text, r.now())
	msg.ConversationID = conversationID
	return r.transcript.append(msg).Clone()
}

// FinalizeActive closes every message still streaming with the given state.
// It reports whether any message changed.
func (r *Reconciler) FinalizeActive(state MessageState, reason string) bool {
	streaming := r.transcript.streaming()
	for _, msg := range streaming {
		r.finalize(msg, state, reason)
	}
	r.activeID = ""
	return len(streaming) > 0
}

// MarkErrored turns the active message into an errored one. When nothing is
// streaming an errored placeholder is appended so the failure stays visible.
func (r *Reconciler) MarkErrored(placeholderID, reason string) Message {
	if active, ok := r.transcript.get(r.activeID); ok && active.IsStreaming {
		r.finalize(active, StateErrored, reason)
		return active.Clone()
	}

	msg := NewAssistantMessage(placeholderID, "", r.now())
	msg.IsStreaming = false
	msg.State = StateErrored
	msg.ErrorMessage = reason
	return r.transcript.append(msg).Clone()
}

// Active returns the message currently streaming
func (r *Reconciler) Active() (Message, bool) {
	msg, ok := r.transcript.get(r.activeID)
	if !ok {
		return Message{}, false
	}
	return msg.Clone(), true
}

func (r *Reconciler) Messages() []Message {
	return r.transcript.Snapshot()
}

func (r *Reconciler) Last() (Message, bool) {
	return r.transcript.Last()
}

// Replace swaps the transcript wholesale, e.g. after loading history
func (r *Reconciler) Replace(msgs []Message) {
	r.transcript.replace(msgs)
	r.resetTracking()
	for _, msg := range r.transcript.streaming() {
		r.activeID = msg.ID
	}
}

func (r *Reconciler) Reset() {
	r.transcript.reset()
	r.resetTracking()
	r.turnOpen = false
}

func (r *Reconciler) resetTracking() {
	r.activeID = ""
	r.applied = make(map[string]map[string]struct{})
	r.lastIndex = make(map[string]int)
	r.lastChunk = make(map[string]string)
	r.sealed = make(map[string]bool)
}
