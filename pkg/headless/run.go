package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// RunHeadless executes a single prompt in headless mode
// This is the main entry point for headless/CLI execution
func RunHeadless(ctx context.Context, session Session, w io.Writer, prompt string, showThinking bool) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt cannot be empty in headless mode")
	}

	runner := NewRunner(session, w, showThinking)

	// Finish an interrupted reply before asking something new
	if err := runner.Resume(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		runner.output.Error(fmt.Sprintf("resume failed: %v", err))
	}

	if err := runner.Run(ctx, prompt); err != nil {
		return fmt.Errorf("failed to execute prompt: %w", err)
	}
	return nil
}
