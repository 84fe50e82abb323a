package headless

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/controllers"
	"github.com/killallgit/thrive/pkg/logger"
)

// Session is the part of the session controller the runner drives
type Session interface {
	SendMessage(ctx context.Context, text string) error
	ResumeIfNeeded(ctx context.Context) error
	Subscribe() (<-chan controllers.Update, func())
	CurrentMessages() []chat.Message
	Cards() *chat.CardRegistry
}

var _ Session = (*controllers.SessionController)(nil)

// Runner prints turns of a session as they stream
type Runner struct {
	session      Session
	output       *Output
	showThinking bool
}

func NewRunner(session Session, w io.Writer, showThinking bool) *Runner {
	return &Runner{
		session:      session,
		output:       NewOutput(w, session.Cards()),
		showThinking: showThinking,
	}
}

// Run sends prompt and prints the reply until the turn ends
func (r *Runner) Run(ctx context.Context, prompt string) error {
	logger.Debug("User prompt: %s", prompt)
	r.output.UserPrompt(prompt)

	return r.stream(func() error {
		return r.session.SendMessage(ctx, prompt)
	})
}

// Resume prints the continuation of an interrupted reply, if there is one
func (r *Runner) Resume(ctx context.Context) error {
	return r.stream(func() error {
		return r.session.ResumeIfNeeded(ctx)
	})
}

// PrintHistory renders a finished transcript
func (r *Runner) PrintHistory(msgs []chat.Message) {
	if len(msgs) == 0 {
		r.output.println("(no messages)")
		return
	}
	for _, msg := range msgs {
		r.output.Message(msg, r.showThinking)
	}
}

func (r *Runner) stream(turn func() error) error {
	printer := newStreamPrinter(r.output, r.showThinking, r.session.CurrentMessages())
	updates, unsubscribe := r.session.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range updates {
			printer.handle(u)
		}
	}()

	err := turn()
	unsubscribe()
	<-done

	var turnErr *controllers.TurnError
	if errors.As(err, &turnErr) {
		return fmt.Errorf("reply failed (%s): %w", turnErr.Kind, err)
	}
	return err
}
