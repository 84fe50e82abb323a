package testutil

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Wire values used by the frame builders
const (
	dataTypeStatus   = 1
	dataTypeMessage  = 2
	dataTypeToolCall = 3

	StatusGenerating = 1
	StatusFinished   = 2
	StatusError      = 3
	StatusStopped    = 4

	chunkPartial = 1
	chunkWhole   = 2
)

// NewFrameID returns a random frame id
func NewFrameID() string {
	return uuid.NewString()
}

// ToolCallSpec describes one tool call entry of a frame
type ToolCallSpec struct {
	ID     string
	Name   string
	Args   string
	Status int
	Result string
}

// FrameBuilder produces SSE frames for a single conversation
type FrameBuilder struct {
	ConversationID string
}

func NewFrameBuilder(conversationID string) FrameBuilder {
	return FrameBuilder{ConversationID: conversationID}
}

func (b FrameBuilder) data(msgID string, dataType int) map[string]interface{} {
	data := map[string]interface{}{
		"msg_id":    msgID,
		"data_type": dataType,
	}
	if b.ConversationID != "" {
		data["conversation_id"] = b.ConversationID
	}
	return data
}

func (b FrameBuilder) Status(frameID, msgID string, status int) string {
	data := b.data(msgID, dataTypeStatus)
	data["agent_status"] = status
	return Frame(frameID, data)
}

func (b FrameBuilder) Chunk(frameID, msgID string, idx int, content string) string {
	data := b.data(msgID, dataTypeMessage)
	data["msg_idx"] = idx
	data["message_type"] = chunkPartial
	data["content"] = content
	return Frame(frameID, data)
}

func (b FrameBuilder) Whole(frameID, msgID, content string) string {
	data := b.data(msgID, dataTypeMessage)
	data["message_type"] = chunkWhole
	data["content"] = content
	return Frame(frameID, data)
}

func (b FrameBuilder) Thinking(frameID, msgID, thinking string) string {
	data := b.data(msgID, dataTypeMessage)
	data["message_type"] = chunkPartial
	data["thinking_content"] = thinking
	return Frame(frameID, data)
}

func (b FrameBuilder) ToolCalls(frameID, msgID string, calls ...ToolCallSpec) string {
	entries := make([]map[string]interface{}, 0, len(calls))
	for _, call := range calls {
		entry := map[string]interface{}{
			"tool_call_id":     call.ID,
			"tool_call_name":   call.Name,
			"tool_call_status": call.Status,
		}
		if call.Args != "" {
			entry["tool_call_args"] = call.Args
		}
		if call.Result != "" {
			entry["tool_call_result"] = call.Result
		}
		entries = append(entries, entry)
	}

	data := b.data(msgID, dataTypeToolCall)
	data["tool_calls"] = entries
	return Frame(frameID, data)
}

func (b FrameBuilder) Card(frameID, msgID, cardType, cardData string) string {
	data := b.data(msgID, dataTypeMessage)
	data["special_message_type"] = cardType
	data["special_message_data"] = cardData
	return Frame(frameID, data)
}

// Frame encodes an envelope as one SSE frame. An empty frameID leaves the
// id out of the payload.
func Frame(frameID string, data map[string]interface{}) string {
	envelope := map[string]interface{}{"data": data}
	if frameID != "" {
		envelope["id"] = frameID
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		panic(err)
	}
	return RawFrame(string(payload))
}

// RawFrame wraps an arbitrary payload, valid or not, in SSE framing
func RawFrame(payload string) string {
	var sb strings.Builder
	sb.WriteString("event: message\n")
	for _, line := range strings.Split(payload, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// Reply scripts a complete assistant reply: generating, one chunk per
// fragment, then finished. Frame ids are "<msgID>-<n>".
func (b FrameBuilder) Reply(msgID string, fragments ...string) []string {
	frames := []string{b.Status(frameIDFor(msgID, 0), msgID, StatusGenerating)}
	for i, fragment := range fragments {
		frames = append(frames, b.Chunk(frameIDFor(msgID, i+1), msgID, i, fragment))
	}
	frames = append(frames, b.Status(frameIDFor(msgID, len(fragments)+1), msgID, StatusFinished))
	return frames
}

func frameIDFor(msgID string, n int) string {
	return msgID + "-" + strconv.Itoa(n)
}
