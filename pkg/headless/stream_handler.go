package headless

import (
	"strings"

	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/controllers"
	"github.com/killallgit/thrive/pkg/events"
)

// streamPrinter turns transcript snapshots into incremental terminal output.
// Only messages that appear after it was created are printed.
type streamPrinter struct {
	out          *Output
	showThinking bool

	skip     map[string]bool
	printed  map[string]string
	newline  map[string]bool
	thinking map[string]bool
	tools    map[string]events.ToolCallStatus
	done     map[string]bool
	open     string
}

func newStreamPrinter(out *Output, showThinking bool, existing []chat.Message) *streamPrinter {
	p := &streamPrinter{
		out:          out,
		showThinking: showThinking,
		skip:         make(map[string]bool, len(existing)),
		printed:      make(map[string]string),
		newline:      make(map[string]bool),
		thinking:     make(map[string]bool),
		tools:        make(map[string]events.ToolCallStatus),
		done:         make(map[string]bool),
	}
	for _, msg := range existing {
		if !msg.IsStreaming {
			p.skip[msg.ID] = true
			continue
		}
		// A resumed message continues from what was already shown
		p.printed[msg.ID] = msg.Text
	}
	return p
}

// handle prints whatever changed in the update's snapshot
func (p *streamPrinter) handle(u controllers.Update) {
	if u.Type != controllers.MessagesChanged && u.Type != controllers.TurnCompleted && u.Type != controllers.TurnFailed {
		return
	}
	for _, msg := range u.Messages {
		if msg.IsUser() || p.skip[msg.ID] || p.done[msg.ID] {
			continue
		}
		p.message(msg)
	}
}

func (p *streamPrinter) message(msg chat.Message) {
	if p.open != msg.ID {
		p.closeLine()
		p.out.AssistantHeader()
		p.out.println("")
		p.open = msg.ID
	}

	if p.showThinking && !p.thinking[msg.ID] && msg.Thinking != nil && *msg.Thinking != "" && (msg.Text != "" || !msg.IsStreaming) {
		p.thinking[msg.ID] = true
		p.out.Thinking(*msg.Thinking)
	}

	for _, call := range msg.ToolCalls {
		key := msg.ID + "/" + call.CallID
		if status, ok := p.tools[key]; ok && status == call.Status {
			continue
		}
		p.tools[key] = call.Status
		p.closeText(msg.ID)
		p.out.ToolCall(call)
	}

	p.text(msg)

	if msg.IsStreaming {
		return
	}

	p.done[msg.ID] = true
	p.closeText(msg.ID)
	if msg.IsCard() {
		p.out.Card(msg)
	}
	p.out.Terminal(msg)
	p.open = ""
}

// text prints the new tail of msg.Text. A whole-message replacement that
// does not extend what was printed is written out again in full.
func (p *streamPrinter) text(msg chat.Message) {
	shown := p.printed[msg.ID]
	if msg.Text == shown {
		return
	}
	if strings.HasPrefix(msg.Text, shown) {
		p.out.print(msg.Text[len(shown):])
	} else {
		if shown != "" {
			p.out.println("")
		}
		p.out.print(msg.Text)
	}
	p.printed[msg.ID] = msg.Text
	p.newline[msg.ID] = strings.HasSuffix(msg.Text, "\n")
}

func (p *streamPrinter) closeText(id string) {
	if p.printed[id] != "" && !p.newline[id] {
		p.out.println("")
		p.newline[id] = true
	}
}

func (p *streamPrinter) closeLine() {
	if p.open != "" {
		p.closeText(p.open)
	}
}
