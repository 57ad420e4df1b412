package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"notify-relay/internal/app/relay"
	"notify-relay/internal/domain/eventbus"
	"notify-relay/internal/domain/identity"
	"notify-relay/internal/domain/notification"
	"notify-relay/internal/domain/registry"
	"notify-relay/internal/domain/routing"
	"notify-relay/internal/platform/backend"
	platformconfig "notify-relay/internal/platform/config"
	platformerrors "notify-relay/internal/platform/errors"
	platformlogging "notify-relay/internal/platform/logging"
	platformobservability "notify-relay/internal/platform/observability"
	"notify-relay/internal/transport/bus"
	httptransport "notify-relay/internal/transport/http"
	"notify-relay/internal/transport/ws"
)

const (
	eventWorkers   = 2
	eventQueueSize = 1024
	shutdownGrace  = 15 * time.Second
)

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	loader                *platformconfig.Loader
	config                *platformconfig.Config
	configPath            string
	logger                *platformlogging.Logger
	observabilityShutdown platformobservability.ShutdownFunc
	events                *eventbus.Bus
	stats                 *eventbus.Stats
	backend               *backend.Client
	verifier              identity.Verifier
	registry              *registry.Registry
	relay                 *relay.Relay
	subscriber            bus.Subscriber

	// set once the HTTP listener is bound
	httpAddr net.Addr
	ready    chan struct{}
}

// Run loads configuration, wires the relay and serves until ctx is done or
// the process receives SIGINT/SIGTERM.
func Run(ctx context.Context) error {
	return run(ctx, &appState{})
}

func run(ctx context.Context, state *appState) error {
	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		return err
	}

	logger := state.logger
	if state.config == nil || logger == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"bootstrap state validation",
			"config/logger not initialised",
		)
	}
	defer logger.Close()

	logBootstrapGraph(steps, logger)

	if shutdown := state.observabilityShutdown; shutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.WarnTag("Bootstrap", "observability did not shut down cleanly: %v", err)
			}
		}()
	}
	defer state.events.Stop()

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	if err := startServices(state, group, groupCtx); err != nil {
		cancel()
		_ = group.Wait()
		return err
	}

	return waitForShutdown(signalCtx, groupCtx, cancel, logger, group)
}

func logBootstrapGraph(steps []initStep, logger *platformlogging.Logger) {
	if logger == nil {
		return
	}
	logger.InfoTag("Bootstrap", "init graph:")
	for _, step := range steps {
		if len(step.DependsOn) == 0 {
			logger.InfoTag("Bootstrap", "  %s (%s)", step.ID, step.Title)
			continue
		}
		logger.InfoTag("Bootstrap", "  %s (%s) <- %s", step.ID, step.Title, strings.Join(step.DependsOn, ", "))
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}
	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

// InitGraph lists the bootstrap steps in execution order.
func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "eventbus:init",
			Title:     "Start lifecycle event bus",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initEventBusStep,
		},
		{
			ID:        "backend:init-client",
			Title:     "Initialise identity service client",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindConfig,
			Execute:   initBackendStep,
		},
		{
			ID:        "relay:init",
			Title:     "Wire registry, router and notifications",
			DependsOn: []string{"eventbus:init", "backend:init-client"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initRelayStep,
		},
		{
			ID:        "bus:init-subscriber",
			Title:     "Initialise bus subscriber",
			DependsOn: []string{"relay:init"},
			Kind:      platformerrors.KindBus,
			Execute:   initSubscriberStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	loader := state.loader
	if loader == nil {
		loader = platformconfig.NewLoader()
	}
	res, err := loader.Load()
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindConfig, "config:load", "failed to load configuration", err)
	}
	state.config = res.Config
	state.configPath = res.Path
	if !res.FileLoaded {
		state.configPath = "defaults+env"
	}
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init-provider",
			"config not loaded",
		)
	}

	logger, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}
	state.logger = logger
	logger.InfoTag("Bootstrap", "logging ready [%s] %s", state.config.Log.Level, state.configPath)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	if state.logger == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"observability:setup-hooks",
			"config/logger not initialised",
		)
	}

	cfg := platformobservability.Config{
		Enabled: strings.EqualFold(state.config.Log.Level, "debug"),
	}
	shutdown, err := platformobservability.Setup(ctx, cfg, state.logger.Slog())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown
	return nil
}

func initEventBusStep(_ context.Context, state *appState) error {
	events := eventbus.New(eventWorkers, eventQueueSize)
	stats, err := eventbus.NewStats(events)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "eventbus:init", "failed to subscribe stats", err)
	}
	events.Start()
	state.events = events
	state.stats = stats
	return nil
}

func initBackendStep(_ context.Context, state *appState) error {
	state.backend = backend.New(backend.Options{
		BaseURL: state.config.API.BaseURL,
		Timeout: state.config.API.Timeout,
	})
	state.verifier = identity.NewVerifier(state.backend, identity.Options{
		RejectExpiredJWT: state.config.Auth.RejectExpiredJWT,
	})
	return nil
}

func initRelayStep(_ context.Context, state *appState) error {
	scheme := routing.Scheme{
		Namespace: state.config.Bus.Namespace,
		Broadcast: state.config.Bus.Channels,
	}
	if len(scheme.Broadcast) == 0 {
		scheme = routing.DefaultScheme(state.config.Bus.Namespace)
	}

	state.registry = registry.New()
	state.relay = relay.New(relay.Deps{
		Registry:      state.registry,
		Router:        routing.New(scheme, state.registry, state.logger),
		Notifications: notification.NewService(state.backend, state.logger),
		Events:        state.events,
		Logger:        state.logger,
	})
	return nil
}

func initSubscriberStep(_ context.Context, state *appState) error {
	sub, err := bus.New(state.config, state.logger)
	if err != nil {
		return err
	}
	state.subscriber = sub
	return nil
}

func startWebSocketServer(state *appState, g *errgroup.Group, groupCtx context.Context) *ws.Server {
	cfg := state.config
	server := ws.NewServer(ws.ServerConfig{
		Path: cfg.WebSocket.Path,
		Router: ws.RouterOptions{
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
			CheckOrigin:      ws.OriginChecker(cfg.Server.CORS.Origins),
			Connection: ws.ConnectionOptions{
				SendQueue:      cfg.WebSocket.SendQueue,
				WriteWait:      cfg.WebSocket.WriteWait,
				PingInterval:   cfg.WebSocket.PingInterval,
				PongWait:       cfg.WebSocket.PongWait,
				MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			},
			OnReject: func(req *http.Request, err error) {
				state.relay.Reject(req.RemoteAddr, err)
			},
		},
	}, state.verifier, state.logger)
	server.SetHandlerBuilder(state.relay.BuildSession)

	g.Go(func() error {
		return server.Start(groupCtx)
	})
	return server
}

func startBusSubscriber(state *appState, g *errgroup.Group, groupCtx context.Context) {
	logger := state.logger
	g.Go(func() error {
		err := state.subscriber.Run(groupCtx, state.relay.Subscriptions(), state.relay.HandleBusMessage)
		if err != nil && groupCtx.Err() == nil {
			logger.ErrorTag("Bus", "subscriber stopped: %v", err)
			return err
		}
		return nil
	})
}

func startHTTPServer(state *appState, wsServer *ws.Server, g *errgroup.Group, groupCtx context.Context) error {
	cfg := state.config
	logger := state.logger

	router, err := httptransport.Build(httptransport.Options{Config: cfg, Logger: logger})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "http:build-router", "failed to build router", err)
	}
	router.Mount(httptransport.RelayRoutes{
		WebSocketPath: wsServer.Path(),
		WebSocket:     wsServer.Handler(),
		Connections:   state.registry,
		Sessions:      wsServer,
		Bus:           state.subscriber,
		Stats:         state.stats,
	})

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "http:listen", "failed to bind "+cfg.ListenAddr(), err)
	}
	state.httpAddr = listener.Addr()

	httpServer := &http.Server{
		Handler:           router.Engine,
		ReadHeaderTimeout: cfg.WebSocket.HandshakeTimeout,
	}

	g.Go(func() error {
		logger.InfoTag("HTTP", "listening on %s, websocket at %s", listener.Addr(), wsServer.Path())

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag("HTTP", "shutdown failed: %v", err)
			} else {
				logger.InfoTag("HTTP", "server stopped")
			}
		}()

		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag("HTTP", "serve failed: %v", err)
			return err
		}
		return nil
	})
	return nil
}

func startServices(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	wsServer := startWebSocketServer(state, g, groupCtx)

	if err := startHTTPServer(state, wsServer, g, groupCtx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	startBusSubscriber(state, g, groupCtx)

	state.logger.InfoTag("Bootstrap", "relay started, bus driver %s namespace %s",
		state.subscriber.Driver(), state.config.Bus.Namespace)
	if state.ready != nil {
		close(state.ready)
	}
	return nil
}

func waitForShutdown(
	signalCtx context.Context,
	groupCtx context.Context,
	cancel context.CancelFunc,
	logger *platformlogging.Logger,
	g *errgroup.Group,
) error {
	select {
	case <-signalCtx.Done():
		logger.InfoTag("Bootstrap", "shutting down: %v", context.Cause(signalCtx))
	case <-groupCtx.Done():
		logger.WarnTag("Bootstrap", "a service stopped, shutting down: %v", context.Cause(groupCtx))
	}

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag("Bootstrap", "shutdown finished with error: %v", err)
			return err
		}
		logger.InfoTag("Bootstrap", "all services stopped")
	case <-time.After(shutdownGrace):
		logger.ErrorTag("Bootstrap", "shutdown timed out after %s", shutdownGrace)
		return errors.New("shutdown timed out")
	}
	return nil
}
