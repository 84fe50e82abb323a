package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/killallgit/thrive/pkg/api"
	"github.com/killallgit/thrive/pkg/chat"
	"github.com/killallgit/thrive/pkg/config"
	"github.com/killallgit/thrive/pkg/logger"
	"github.com/killallgit/thrive/pkg/storage"
	"github.com/killallgit/thrive/pkg/telemetry"
	"golang.org/x/time/rate"
)

const telemetryShutdownTimeout = 5 * time.Second

// InitConfig contains configuration for controller initialization
type InitConfig struct {
	Config *config.Config

	// Cards are registered on the session's card registry
	Cards map[string]chat.CardRenderer

	// Transport overrides the HTTP client, mostly for tests
	Transport Transport
}

// InitializeSessionController wires the HTTP client, local store and
// telemetry from config. The returned cleanup closes what was opened.
func InitializeSessionController(cfg *InitConfig) (*SessionController, func(), error) {
	if cfg == nil || cfg.Config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	settings := cfg.Config

	transport := cfg.Transport
	if transport == nil {
		transport = newAPIClient(settings.API)
	}

	opts := []SessionOption{WithCardRegistry(newCardRegistry(cfg.Cards))}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if settings.Storage.Enabled {
		store, err := openStore(settings.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, WithStore(store))
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close message store: %v", err)
			}
		})
	}

	if settings.Telemetry.Enabled {
		provider, err := telemetry.Setup(settings.Telemetry)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
		}
		logger.Debug("Telemetry enabled for service %s", settings.Telemetry.ServiceName)
		opts = append(opts, WithTelemetry(provider.Recorder()))
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				logger.Error("Failed to flush telemetry: %v", err)
			}
		})
	} else {
		opts = append(opts, WithTelemetry(telemetry.Noop()))
	}

	controller := NewSessionController(transport, opts...)
	return controller, func() {
		controller.Close()
		cleanup()
	}, nil
}

func newAPIClient(settings config.APIConfig) *api.Client {
	clientOpts := []api.ClientOption{
		api.WithAuthToken(settings.AuthToken),
		api.WithSecret(settings.Secret),
		api.WithRequestTimeout(settings.RequestTimeout),
	}
	if settings.ResumeRate > 0 {
		burst := settings.ResumeBurst
		if burst < 1 {
			burst = 1
		}
		clientOpts = append(clientOpts, api.WithResumeLimiter(rate.NewLimiter(rate.Limit(settings.ResumeRate), burst)))
	}

	logger.Debug("Using conversation backend %s", settings.BaseURL)
	return api.NewClient(settings.BaseURL, clientOpts...)
}

func openStore(path string) (*storage.Store, error) {
	store, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	logger.Debug("Opened message store at %s", path)
	return store, nil
}

func newCardRegistry(cards map[string]chat.CardRenderer) *chat.CardRegistry {
	registry := chat.NewCardRegistry()
	for cardType, renderer := range cards {
		registry.Register(cardType, renderer)
	}
	return registry
}
