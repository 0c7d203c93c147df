// -----------------------------------------------------------------------
// App - Application wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/talon/internal/common"
	"github.com/ternarybob/talon/internal/handlers"
	"github.com/ternarybob/talon/internal/services/agent"
	"github.com/ternarybob/talon/internal/services/scans"
	"github.com/ternarybob/talon/internal/services/validation"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Scan lifecycle
	Store       *scans.Store
	Registry    *scans.Registry
	Broadcaster *scans.Broadcaster
	Manager     *scans.Manager

	// Input validation
	ValidationService *validation.Service

	// HTTP handlers
	ScanHandler   *handlers.ScanHandler
	WSHandler     *handlers.WebSocketHandler
	StatusHandler *handlers.StatusHandler

	shutdownTimeout time.Duration
}

// New wires the application together from configuration.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	throttle, err := parseOptionalDuration(config.WebSocket.ProgressThrottle)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket.progress_throttle: %w", err)
	}

	scanTimeout, err := parseOptionalDuration(config.Agent.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid agent.timeout: %w", err)
	}

	shutdownTimeout, err := parseOptionalDuration(config.Scans.ShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid scans.shutdown_timeout: %w", err)
	}
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	executor, err := agent.NewExecutor(&config.Agent, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize agent executor: %w", err)
	}

	store := scans.NewStore(logger)
	registry := scans.NewRegistry(logger)
	broadcaster := scans.NewBroadcaster(registry, config.Scans.EventQueueSize, throttle, logger)
	manager := scans.NewManager(store, registry, broadcaster, executor, scanTimeout, logger)

	validationService := validation.NewService(config, logger)

	app := &App{
		Config:            config,
		Logger:            logger,
		Store:             store,
		Registry:          registry,
		Broadcaster:       broadcaster,
		Manager:           manager,
		ValidationService: validationService,
		ScanHandler:       handlers.NewScanHandler(manager, validationService, logger),
		WSHandler:         handlers.NewWebSocketHandler(manager, config.WebSocket.SendBuffer, logger),
		StatusHandler:     handlers.NewStatusHandler(manager, logger),
		shutdownTimeout:   shutdownTimeout,
	}

	logger.Info().
		Str("environment", config.Environment).
		Str("model", config.Agent.Model).
		Msg("Application initialized")

	return app, nil
}

// Close stops running scans and drains event delivery.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	if err := a.Manager.Shutdown(ctx, a.shutdownTimeout); err != nil {
		a.Logger.Warn().Err(err).Msg("Scan manager shutdown incomplete")
		return err
	}

	a.Logger.Info().Msg("Application stopped")
	return nil
}

// parseOptionalDuration parses a duration string, treating empty as zero.
func parseOptionalDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}
