// Package app composes the service with fx: every component is a provider
// and start/stop ordering lives in lifecycle hooks.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatwire/internal/api"
	"chatwire/internal/auth"
	"chatwire/internal/blocking"
	"chatwire/internal/config"
	"chatwire/internal/conversation"
	"chatwire/internal/database"
	"chatwire/internal/hub"
	"chatwire/internal/keylock"
	"chatwire/internal/logging"
	"chatwire/internal/messaging"
	"chatwire/internal/metrics"
	"chatwire/internal/pin"
	"chatwire/internal/presence"
	"chatwire/internal/pubsub"
	"chatwire/internal/router"
	"chatwire/internal/websocket"
	dbconfig "chatwire/pkg/database"
	"chatwire/pkg/interfaces"
)

// Params carries what the command line resolved.
type Params struct {
	Config *config.Config

	// Loader, when set, enables hot reload of the log level.
	Loader *config.Loader
}

// Module returns every provider and hook of the service.
func Module(p Params) fx.Option {
	return fx.Module("chatwire",
		fx.Supply(p, p.Config),
		fx.Provide(
			provideLogger,
			provideZap,
			metrics.New,
			provideStore,
			provideBus,
			keylock.New,
			provideSigner,
			websocket.NewRegistry,
			provideRooms,
			provideConversations,
			provideBlocks,
			provideTracker,
			provideEngine,
			providePins,
			provideHub,
			provideWebSocket,
			provideAPI,
			provideHTTPServer,
		),
		fx.Invoke(
			wireObservers,
			exportEvents,
			watchConfig,
			registerLifecycle,
		),
	)
}

// New builds the application. extra options are appended, tests use them to
// populate components.
func New(p Params, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		Module(p),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	}
	return fx.New(append(opts, extra...)...)
}

func provideLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.New(cfg.Logging)
}

func provideZap(l *logging.Logger) *zap.Logger {
	return l.Logger
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*database.Manager, error) {
	opts := database.DefaultOptions()
	opts.WriteTimeout = cfg.Storage.WriteTimeout
	opts.RetryDelay = cfg.Storage.RetryDelay
	opts.BreakerFailures = cfg.Storage.BreakerFailures
	opts.BreakerTimeout = cfg.Storage.BreakerTimeout
	opts.OnBreakerChange = m.SetBreakerState

	store, err := database.NewManager(&cfg.Database, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	res, err := dbconfig.NewMigrationManager(store.DB()).ApplyMigrations()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger.Info("store ready",
		zap.String("path", cfg.Database.DatabasePath),
		zap.Uint("schema_version", res.Version),
		zap.Bool("migrated", res.Changed))

	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func provideBus(cfg *config.Config, logger *zap.Logger) (*pubsub.Bus, error) {
	return pubsub.NewBus(pubsub.Config{
		Buffer:        cfg.Bus.Buffer,
		MaxRetries:    cfg.Bus.MaxRetries,
		RetryInterval: cfg.Bus.RetryInterval,
		CloseTimeout:  cfg.Bus.CloseTimeout,
	}, logger)
}

func provideSigner(cfg *config.Config) (*auth.Signer, error) {
	return auth.NewSigner(cfg.Auth.Keys)
}

func provideRooms(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *router.Router {
	return router.NewRouter(cfg.Rooms.SweepInterval, m, logger)
}

func provideConversations(cfg *config.Config, store *database.Manager, logger *zap.Logger) *conversation.Directory {
	return conversation.NewDirectory(store, conversation.Options{
		CacheSize: cfg.Cache.ConversationSize,
		CacheTTL:  cfg.Cache.ConversationTTL,
	}, logger)
}

func provideBlocks(store *database.Manager, logger *zap.Logger) *blocking.Directory {
	return blocking.NewDirectory(store, logger)
}

func provideTracker(registry *websocket.Registry, store *database.Manager, bus *pubsub.Bus, m *metrics.Metrics, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(registry, store, bus, m, logger)
}

// exporting reports whether committed domain events leave the process.
func exporting(cfg *config.Config) bool {
	return cfg.AMQP.URL != ""
}

func provideEngine(cfg *config.Config, store *database.Manager, convs *conversation.Directory, blocks *blocking.Directory, rooms *router.Router, bus *pubsub.Bus, locks *keylock.Table, m *metrics.Metrics, logger *zap.Logger) *messaging.Engine {
	var events messaging.EventPublisher
	if exporting(cfg) {
		events = bus
	}
	return messaging.NewEngine(store, convs, blocks, rooms, events, locks, m, logger)
}

func providePins(cfg *config.Config, store *database.Manager, convs *conversation.Directory, rooms *router.Router, bus *pubsub.Bus, locks *keylock.Table, logger *zap.Logger) *pin.Coordinator {
	var events pin.EventPublisher
	if exporting(cfg) {
		events = bus
	}
	return pin.NewCoordinator(store, convs, rooms, events, locks, logger)
}

func provideHub(rooms *router.Router, convs *conversation.Directory, engine *messaging.Engine, pins *pin.Coordinator, m *metrics.Metrics, logger *zap.Logger) *hub.Hub {
	return hub.NewHub(rooms, convs, engine, pins, m, logger)
}

func provideWebSocket(cfg *config.Config, registry *websocket.Registry, signer *auth.Signer, h *hub.Hub, m *metrics.Metrics, logger *zap.Logger) *websocket.Handler {
	ws := cfg.WebSocket
	return websocket.NewHandler(websocket.HandlerConfig{
		PingInterval:    ws.PingInterval,
		ReadTimeout:     ws.ReadTimeout,
		WriteTimeout:    ws.WriteTimeout,
		AuthTimeout:     ws.AuthTimeout,
		QueueSize:       ws.QueueSize,
		MaxMessageBytes: ws.MaxMessageBytes,
		RateLimit:       ws.RateLimit,
		RateBurst:       ws.RateBurst,
	}, registry, signer, h, m, logger)
}

type apiDeps struct {
	fx.In

	Signer   *auth.Signer
	Store    *database.Manager
	Registry *websocket.Registry
	Rooms    *router.Router
	Convs    *conversation.Directory
	Engine   *messaging.Engine
	Pins     *pin.Coordinator
	Tracker  *presence.Tracker
	Blocks   *blocking.Directory
	Socket   *websocket.Handler
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func provideAPI(d apiDeps) *api.Server {
	return api.NewServer(api.Deps{
		Auth:   d.Signer,
		Health: d.Store,
		Stats: map[string]api.StatsProvider{
			"registry":      d.Registry,
			"rooms":         d.Rooms,
			"conversations": d.Convs,
			"presence":      d.Tracker,
		},
		Conversations: d.Convs,
		Messages:      d.Engine,
		Pins:          d.Pins,
		Presence:      d.Tracker,
		Blocks:        d.Blocks,
		WebSocket:     d.Socket,
		Metrics:       d.Metrics.Handler(),
	}, d.Logger)
}

func provideHTTPServer(cfg *config.Config, s *api.Server) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// wireObservers subscribes rooms and presence to connection lifecycle.
// Rooms come first so a departing device leaves its rooms before presence
// announces the user offline.
func wireObservers(registry *websocket.Registry, rooms *router.Router, tracker *presence.Tracker) {
	registry.AddObserver(rooms)
	registry.AddObserver(tracker)
}

func exportEvents(lc fx.Lifecycle, cfg *config.Config, bus *pubsub.Bus, logger *zap.Logger) error {
	if !exporting(cfg) {
		return nil
	}
	pub, err := pubsub.NewAMQPPublisher(cfg.AMQP.URL, logger)
	if err != nil {
		return err
	}
	bus.Forward("amqp-export", pubsub.TopicDomainEvents, pub, cfg.AMQP.Topic)
	lc.Append(fx.StopHook(pub.Close))
	logger.Info("exporting domain events", zap.String("topic", cfg.AMQP.Topic))
	return nil
}

func watchConfig(p Params, l *logging.Logger) {
	if p.Loader == nil {
		return
	}
	p.Loader.Watch(l.Logger, func(cfg *config.Config) {
		if err := logging.SetLevel(l.Level, cfg.Logging.Level); err != nil {
			l.Warn("failed to apply log level", zap.Error(err))
		}
	})
}

type lifecycleDeps struct {
	fx.In

	LC       fx.Lifecycle
	Bus      *pubsub.Bus
	Rooms    *router.Router
	Registry *websocket.Registry
	Server   *http.Server
	Logger   *zap.Logger
}

func registerLifecycle(d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	d.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			group.Go(func() error { return d.Bus.Run(groupCtx) })
			select {
			case <-d.Bus.Running():
			case <-ctx.Done():
				cancel()
				return ctx.Err()
			}

			if err := d.Rooms.Start(groupCtx); err != nil {
				cancel()
				return err
			}

			ln, err := net.Listen("tcp", d.Server.Addr)
			if err != nil {
				cancel()
				return fmt.Errorf("failed to listen on %s: %w", d.Server.Addr, err)
			}
			// resolves port 0
			d.Server.Addr = ln.Addr().String()
			group.Go(func() error {
				if err := d.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			d.Logger.Info("chatwire started", zap.String("addr", d.Server.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Logger.Info("shutting down")
			err := d.Server.Shutdown(ctx)

			// hijacked sockets are not covered by Shutdown
			d.Registry.ForEach(func(c interfaces.Connection) { _ = c.Close() })

			err = errors.Join(err, d.Rooms.Stop(), d.Bus.Close())
			cancel()
			return errors.Join(err, group.Wait())
		},
	})
}
