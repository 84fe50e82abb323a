package headless

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/events"
	"github.com/killallgit/thrive/pkg/logger"
)

var (
	userStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	assistantTag  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	thinkingStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("243"))
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	cardStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// Output writes styled transcript pieces to a terminal or plain writer
type Output struct {
	w     io.Writer
	cards *chat.CardRegistry
}

// NewOutput creates a new output handler
func NewOutput(w io.Writer, cards *chat.CardRegistry) *Output {
	return &Output{w: w, cards: cards}
}

func (o *Output) print(s string) {
	fmt.Fprint(o.w, s)
}

func (o *Output) println(s string) {
	fmt.Fprintln(o.w, s)
}

// Error prints an error message and logs it
func (o *Output) Error(msg string) {
	logger.Error("%s", msg)
	o.println(errorStyle.Render("error: " + msg))
}

func (o *Output) UserPrompt(text string) {
	o.println(userStyle.Render("you") + " " + text)
}

func (o *Output) AssistantHeader() {
	o.print(assistantTag.Render("assistant") + " ")
}

func (o *Output) Thinking(text string) {
	o.println(thinkingStyle.Render(strings.TrimSpace(text)))
}

func (o *Output) ToolCall(call events.ToolCall) {
	line := fmt.Sprintf("[tool %s: %s]", call.Name, call.Status)
	if call.ResultJSON != nil && call.Status != events.ToolCallStarted {
		line = fmt.Sprintf("%s %s", line, *call.ResultJSON)
	}
	o.println(toolStyle.Render(line))
}

// Card renders a special message through the registry, falling back to
// the raw payload for unregistered types.
func (o *Output) Card(msg chat.Message) {
	rendered, ok, err := o.cards.Render(msg)
	switch {
	case err != nil:
		logger.Warn("Failed to render card %s: %v", msg.SpecialType, err)
		rendered = msg.SpecialData
	case !ok:
		rendered = fmt.Sprintf("%s: %s", msg.SpecialType, msg.SpecialData)
	}
	o.println(cardStyle.Render(rendered))
}

// Message renders a complete message, used for history listings
func (o *Output) Message(msg chat.Message, showThinking bool) {
	if msg.IsUser() {
		o.UserPrompt(msg.Text)
		return
	}

	o.AssistantHeader()
	o.println("")
	if showThinking && msg.Thinking != nil && *msg.Thinking != "" {
		o.Thinking(*msg.Thinking)
	}
	for _, call := range msg.ToolCalls {
		o.ToolCall(call)
	}
	if msg.IsCard() {
		o.Card(msg)
	}
	if msg.Text != "" {
		o.println(msg.Text)
	}
	o.Terminal(msg)
}

// Terminal prints the closing line for a stopped or errored message
func (o *Output) Terminal(msg chat.Message) {
	switch msg.State {
	case chat.StateStopped:
		o.println(toolStyle.Render("[stopped]"))
	case chat.StateErrored:
		reason := msg.ErrorMessage
		if reason == "" {
			reason = "reply failed"
		}
		o.println(errorStyle.Render("[error] " + reason))
	}
}
