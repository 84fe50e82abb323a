// Package events decodes conversation stream payloads into typed events.
package events

// DataType selects which event variant a payload carries
type DataType int

const (
	DataTypeStatus   DataType = 1
	DataTypeMessage  DataType = 2
	DataTypeToolCall DataType = 3
)

// AgentStatus is the generation state reported by the backend
type AgentStatus int

const (
	StatusGenerating AgentStatus = 1
	StatusFinished   AgentStatus = 2
	StatusError      AgentStatus = 3
	StatusStopped    AgentStatus = 4
)

func (s AgentStatus) String() string {
	switch s {
	case StatusGenerating:
		return "generating"
	case StatusFinished:
		return "finished"
	case StatusError:
		return "error"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status closes a message
func (s AgentStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusStopped
}

// ChunkKind tells whether message content is a fragment or the full text
type ChunkKind int

const (
	ChunkPartial ChunkKind = 1
	ChunkWhole   ChunkKind = 2
)

func (k ChunkKind) String() string {
	if k == ChunkWhole {
		return "whole"
	}
	return "chunk"
}

// ToolCallStatus is the lifecycle state of a tool invocation
type ToolCallStatus int

const (
	ToolCallUnknown ToolCallStatus = 0
	ToolCallStarted ToolCallStatus = 1
	ToolCallSuccess ToolCallStatus = 2
	ToolCallFailed  ToolCallStatus = 3
)

func (s ToolCallStatus) String() string {
	switch s {
	case ToolCallStarted:
		return "started"
	case ToolCallSuccess:
		return "success"
	case ToolCallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ToolCall is one tool invocation reported inside a message
type ToolCall struct {
	CallID     string         `json:"tool_call_id"`
	Name       string         `json:"tool_call_name"`
	ArgsJSON   *string        `json:"tool_call_args,omitempty"`
	Status     ToolCallStatus `json:"tool_call_status,omitempty"`
	ResultJSON *string        `json:"tool_call_result,omitempty"`
}

// Envelope carries the fields common to every event
type Envelope struct {
	// FrameID is the outer "id", used as the resume cursor
	FrameID        string
	ConversationID string
	MessageID      string
	// Key identifies this payload for replay detection: the frame id when
	// present, a content hash otherwise
	Key string
}

// Event is one decoded stream payload. The concrete type is one of
// *StatusEvent, *DeltaEvent, *ToolCallEvent, *CardEvent or *IgnoredEvent.
type Event interface {
	Meta() Envelope
	event()
}

// StatusEvent reports a change of generation status for a message
type StatusEvent struct {
	Envelope
	Status AgentStatus
}

// DeltaEvent carries message content, thinking text or tool calls
type DeltaEvent struct {
	Envelope
	Index     *int
	Kind      ChunkKind
	Thinking  *string
	Content   *string
	ToolCalls []ToolCall
}

// ToolCallEvent reports tool invocation progress for a message
type ToolCallEvent struct {
	Envelope
	Calls []ToolCall
}

// CardEvent carries a custom card; its meaning lives in CardType and CardData
type CardEvent struct {
	Envelope
	CardType string
	CardData string
}

// IgnoredEvent is a payload with a data type this client does not know
type IgnoredEvent struct {
	Envelope
	DataType DataType
}

func (e Envelope) Meta() Envelope { return e }

func (*StatusEvent) event()   {}
func (*DeltaEvent) event()    {}
func (*ToolCallEvent) event() {}
func (*CardEvent) event()     {}
func (*IgnoredEvent) event()  {}
