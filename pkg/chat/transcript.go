package chat

// Transcript is the ordered list of messages in a conversation. Order is the
// position at which an id was first seen; lookups by id are constant time.
type Transcript struct {
	messages []*Message
	index    map[string]int
}

func NewTranscript() *Transcript {
	return &Transcript{
		messages: make([]*Message, 0),
		index:    make(map[string]int),
	}
}

func (t *Transcript) Len() int {
	return len(t.messages)
}

func (t *Transcript) get(id string) (*Message, bool) {
	i, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return t.messages[i], true
}

// append adds msg at the end; an existing id is overwritten in place
func (t *Transcript) append(msg Message) *Message {
	if i, ok := t.index[msg.ID]; ok {
		*t.messages[i] = msg
		return t.messages[i]
	}

	stored := msg
	t.index[msg.ID] = len(t.messages)
	t.messages = append(t.messages, &stored)
	return &stored
}

// Get returns a copy of the message with the given id
func (t *Transcript) Get(id string) (Message, bool) {
	msg, ok := t.get(id)
	if !ok {
		return Message{}, false
	}
	return msg.Clone(), true
}

func (t *Transcript) Last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1].Clone(), true
}

// Snapshot returns deep copies of every message in order
func (t *Transcript) Snapshot() []Message {
	result := make([]Message, len(t.messages))
	for i, msg := range t.messages {
		result[i] = msg.Clone()
	}
	return result
}

// streaming returns every message that has not been finalized
func (t *Transcript) streaming() []*Message {
	var result []*Message
	for _, msg := range t.messages {
		if msg.IsStreaming {
			result = append(result, msg)
		}
	}
	return result
}

func (t *Transcript) replace(msgs []Message) {
	t.reset()
	for _, msg := range msgs {
		t.append(msg.Clone())
	}
}

func (t *Transcript) reset() {
	t.messages = make([]*Message, 0)
	t.index = make(map[string]int)
}
