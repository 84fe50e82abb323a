package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/config"
	"github.com/killallgit/thrive/pkg/controllers"
	"github.com/killallgit/thrive/pkg/headless"
	"github.com/killallgit/thrive/pkg/logger"
	"github.com/tidwall/gjson"
)

// AppConfig contains all configuration needed to run the application
type AppConfig struct {
	Config         *config.Config
	DirectPrompt   string
	ConversationID string

	// Transport overrides the HTTP client
	Transport controllers.Transport

	In  io.Reader
	Out io.Writer
}

// RunApplication is the main entry point for the application logic
func RunApplication(ctx context.Context, appCfg *AppConfig) error {
	logger.Info("Application starting")

	controller, cleanup, err := newSession(ctx, appCfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if appCfg.DirectPrompt != "" {
		return headless.RunHeadless(ctx, controller, appCfg.Out, appCfg.DirectPrompt, appCfg.Config.ShowThinking)
	}
	return runInteractive(ctx, controller, appCfg)
}

// transportOverride replaces the HTTP client when set, for tests
var transportOverride controllers.Transport

// openController builds a controller from the loaded settings
func openController() (*controllers.SessionController, func(), error) {
	return buildController(settings, transportOverride)
}

func buildController(cfg *config.Config, transport controllers.Transport) (*controllers.SessionController, func(), error) {
	controller, cleanup, err := controllers.InitializeSessionController(&controllers.InitConfig{
		Config:    cfg,
		Cards:     builtinCards(),
		Transport: transport,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	return controller, cleanup, nil
}

// newSession builds the controller and brings it up to date with the backend
func newSession(ctx context.Context, appCfg *AppConfig) (*controllers.SessionController, func(), error) {
	controller, cleanup, err := buildController(appCfg.Config, appCfg.Transport)
	if err != nil {
		return nil, nil, err
	}

	if appCfg.ConversationID != "" {
		err = controller.GetConversationHistory(ctx, appCfg.ConversationID)
	} else {
		err = controller.Initialize(ctx)
	}
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return controller, cleanup, nil
}

// runInteractive reads prompts line by line until EOF or "/exit"
func runInteractive(ctx context.Context, controller *controllers.SessionController, appCfg *AppConfig) error {
	runner := headless.NewRunner(controller, appCfg.Out, appCfg.Config.ShowThinking)
	runner.PrintHistory(controller.CurrentMessages())

	if err := runner.Resume(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(appCfg.Out, "resume failed: %v\n", err)
	}

	scanner := bufio.NewScanner(appCfg.In)
	for {
		fmt.Fprint(appCfg.Out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(appCfg.Out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			if err := controller.ClearHistory(ctx); err != nil {
				fmt.Fprintf(appCfg.Out, "clear failed: %v\n", err)
			}
			continue
		}

		if err := runner.Run(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Turn failed: %v", err)
			fmt.Fprintf(appCfg.Out, "%v\n", err)
		}
	}
}

// builtinCards renders the card types the backend is known to send
func builtinCards() map[string]chat.CardRenderer {
	summary := chat.CardRendererFunc(summarizeCard)
	return map[string]chat.CardRenderer{
		"user_health_profile": summary,
		"digest_report":       summary,
		"agenda_task_card":    summary,
	}
}

// summarizeCard prints a card's JSON payload as "key: value" lines, title first
func summarizeCard(data string) (string, error) {
	if !gjson.Valid(data) {
		return "", fmt.Errorf("card payload is not JSON")
	}

	root := gjson.Parse(data)
	if !root.IsObject() {
		return root.String(), nil
	}

	var lines []string
	if title := root.Get("title"); title.Exists() {
		lines = append(lines, title.String())
	}
	root.ForEach(func(key, value gjson.Result) bool {
		if key.String() == "title" {
			return true
		}
		if value.IsArray() {
			lines = append(lines, fmt.Sprintf("%s: %d item(s)", key.String(), len(value.Array())))
			return true
		}
		lines = append(lines, fmt.Sprintf("%s: %s", key.String(), value.String()))
		return true
	})
	return strings.Join(lines, "\n"), nil
}
