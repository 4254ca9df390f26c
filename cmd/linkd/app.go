// cmd/linkd/app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"device-link/internal/config"
	"device-link/internal/discovery"
	serialdiscovery "device-link/internal/discovery/serial"
	"device-link/internal/handler"
	"device-link/internal/protocol"
	"device-link/internal/routes"
	"device-link/internal/supervisor"
	"device-link/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	router *routes.Router

	discovery  *discovery.Manager
	eventBus   *handler.EventBus
	supervisor *supervisor.Supervisor

	// cancels the background initialize
	cancel context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Create service logger
	serviceLogger := utils.NewServiceLogger(logger, cfg.App.Name)
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	// Initialize components
	app.initializeDiscovery()
	app.eventBus = handler.NewEventBus(logger)

	if err := app.initializeSupervisor(); err != nil {
		return nil, fmt.Errorf("failed to initialize supervisor: %w", err)
	}

	if cfg.Server.Enabled {
		app.initializeServer()
	}

	return app, nil
}

// initializeDiscovery registers the endpoint resolvers. The configured
// endpoint is registered statically so a serial number with a fixed port
// still resolves on hosts without USB enumeration.
func (app *Application) initializeDiscovery() {
	app.discovery = discovery.NewManager(app.logger)
	app.discovery.Register(serialdiscovery.NewScanner(app.logger))

	identity := app.config.Identity()
	endpoint := app.config.Endpoint()
	if !identity.IsZero() && endpoint != "" {
		static := discovery.NewStaticResolver()
		static.Set(identity, endpoint)
		app.discovery.Register(static)
	}

	app.logger.Info("Discovery initialized",
		zap.Strings("resolvers", app.discovery.AvailableResolvers()),
	)
}

// initializeSupervisor builds the connection supervisor from configuration
func (app *Application) initializeSupervisor() error {
	link := app.config.Link
	transport := app.config.TransportConfig()

	sup, err := supervisor.New(supervisor.Options{
		Identity:          app.config.Identity(),
		Endpoint:          app.config.Endpoint(),
		Transport:         transport,
		NewTransport:      protocol.NewFactory(transport, app.logger),
		Resolver:          app.discovery,
		Prober:            protocol.NewLineProber(link.ProbeQuery, app.logger),
		Clock:             supervisor.NewClock(),
		Logger:            app.logger,
		Events:            app.eventBus,
		FastPolicy:        app.config.FastPolicy(),
		ReconnectPolicy:   app.config.ReconnectPolicy(),
		InitProbeTimeout:  link.InitProbeTimeout,
		ReadyProbeTimeout: link.ReadyProbeTimeout,
		PollInterval:      link.PollInterval,
		ResolveTimeout:    link.ResolveTimeout,
	})
	if err != nil {
		return err
	}

	app.supervisor = sup
	return nil
}

// initializeServer sets up HTTP server
func (app *Application) initializeServer() {
	app.router = routes.NewRouter(app.config, app.logger, app.supervisor, app.discovery, app.eventBus)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}
}

// startLink brings the device up in the background
func (app *Application) startLink() {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	go func() {
		start := time.Now()
		ok, err := app.supervisor.Initialize(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, supervisor.ErrDisposed) {
				return
			}
			app.logger.Error("Device initialization failed",
				zap.Error(err),
				zap.Duration("elapsed", time.Since(start)),
			)
			return
		}

		app.logger.Info("Device initialized",
			zap.Bool("ready", ok),
			zap.String("identity", app.supervisor.Identity().String()),
			zap.String("endpoint", app.supervisor.Endpoint().String()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()
}

// Start runs the application until a shutdown signal arrives
func (app *Application) Start() error {
	go app.eventBus.Start()

	if app.server != nil {
		// Start server in goroutine
		go func() {
			app.logger.Info("Starting HTTP server",
				zap.String("address", app.server.Addr),
			)

			if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
			}
		}()
	}

	app.startLink()

	// Wait for interrupt signal
	app.waitForShutdown()

	return nil
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	// Create channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for signal
	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Perform graceful shutdown
	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, app.config.App.Name)
	serviceLogger.LogServiceStop("shutdown signal received")

	if app.cancel != nil {
		app.cancel()
	}

	// Shutdown HTTP server
	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		app.router.Close()
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
	}

	// Release the device
	app.supervisor.Dispose()
	app.eventBus.Stop()
	app.logger.Info("Device link disposed")

	app.logger.Info("Application shutdown completed")

	// Flush logger
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}
