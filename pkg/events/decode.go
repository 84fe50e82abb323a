package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/killallgit/thrive/pkg/sse"
	"github.com/tidwall/gjson"
)

// ErrDecode is matched by every *DecodeError
var ErrDecode = errors.New("event decode failed")

var (
	errMalformed    = errors.New("malformed json")
	errMissingField = errors.New("missing mandatory field")
	errInvalidField = errors.New("invalid field type")
)

// DecodeError reports a payload that could not be turned into an event. The
// frame is dropped; the stream continues.
type DecodeError struct {
	FrameID string
	Field   string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode event %q: %v", e.FrameID, e.Err)
	}
	return fmt.Sprintf("decode event %q: %s: %v", e.FrameID, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

type statusPayload struct {
	AgentStatus *AgentStatus `json:"agent_status"`
}

type messagePayload struct {
	MsgIdx             *int       `json:"msg_idx"`
	MessageType        *ChunkKind `json:"message_type"`
	Content            *string    `json:"content"`
	ThinkingContent    *string    `json:"thinking_content"`
	ToolCalls          []ToolCall `json:"tool_calls"`
	SpecialMessageType *string    `json:"special_message_type"`
	SpecialMessageData *string    `json:"special_message_data"`
}

type toolCallPayload struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// Decode turns a frame payload into an Event. The envelope and discriminant
// are read first; only the payload of the selected variant is unmarshalled.
func Decode(frame sse.Frame) (Event, error) {
	payload := frame.Data
	if !gjson.Valid(payload) {
		return nil, &DecodeError{FrameID: frame.ID, Err: errMalformed}
	}

	root := gjson.Parse(payload)
	frameID := root.Get("id").String()
	if frameID == "" {
		frameID = frame.ID
	}

	data := root.Get("data")
	if !data.IsObject() {
		return nil, &DecodeError{FrameID: frameID, Field: "data", Err: errMissingField}
	}

	msgID := data.Get("msg_id")
	if !msgID.Exists() || msgID.String() == "" {
		return nil, &DecodeError{FrameID: frameID, Field: "msg_id", Err: errMissingField}
	}

	dataType := data.Get("data_type")
	if !dataType.Exists() {
		return nil, &DecodeError{FrameID: frameID, Field: "data_type", Err: errMissingField}
	}
	if dataType.Type != gjson.Number {
		return nil, &DecodeError{FrameID: frameID, Field: "data_type", Err: errInvalidField}
	}

	env := Envelope{
		FrameID:        frameID,
		ConversationID: data.Get("conversation_id").String(),
		MessageID:      msgID.String(),
		Key:            replayKey(frameID, payload),
	}

	raw := []byte(data.Raw)

	switch DataType(dataType.Int()) {
	case DataTypeStatus:
		var p statusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &DecodeError{FrameID: frameID, Field: "agent_status", Err: err}
		}
		if p.AgentStatus == nil {
			return &IgnoredEvent{Envelope: env, DataType: DataTypeStatus}, nil
		}
		return &StatusEvent{Envelope: env, Status: *p.AgentStatus}, nil

	case DataTypeMessage:
		var p messagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &DecodeError{FrameID: frameID, Field: "data", Err: err}
		}
		if p.SpecialMessageType != nil && *p.SpecialMessageType != "" {
			card := &CardEvent{Envelope: env, CardType: *p.SpecialMessageType}
			if p.SpecialMessageData != nil {
				card.CardData = *p.SpecialMessageData
			}
			return card, nil
		}

		kind := ChunkPartial
		if p.MessageType != nil {
			kind = *p.MessageType
		}
		return &DeltaEvent{
			Envelope:  env,
			Index:     p.MsgIdx,
			Kind:      kind,
			Thinking:  p.ThinkingContent,
			Content:   p.Content,
			ToolCalls: p.ToolCalls,
		}, nil

	case DataTypeToolCall:
		var p toolCallPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &DecodeError{FrameID: frameID, Field: "tool_calls", Err: err}
		}
		return &ToolCallEvent{Envelope: env, Calls: p.ToolCalls}, nil

	default:
		return &IgnoredEvent{Envelope: env, DataType: DataType(dataType.Int())}, nil
	}
}

// replayKey identifies a payload for deduplication
func replayKey(frameID, payload string) string {
	if frameID != "" {
		return frameID
	}
	h := fnv.New64a()
	h.Write([]byte(payload))
	return fmt.Sprintf("h:%x", h.Sum64())
}
