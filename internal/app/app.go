// Package app wires the auth core for one application: storage, tokens, the
// cross-app channel, the provider and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/sandeepkv93/unified-auth-sync/internal/auth"
	"github.com/sandeepkv93/unified-auth-sync/internal/config"
	"github.com/sandeepkv93/unified-auth-sync/internal/crossapp"
	"github.com/sandeepkv93/unified-auth-sync/internal/http/handler"
	"github.com/sandeepkv93/unified-auth-sync/internal/http/middleware"
	"github.com/sandeepkv93/unified-auth-sync/internal/http/router"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
	"github.com/sandeepkv93/unified-auth-sync/internal/service"
)

const redisKeyPrefix = "auth-sync"

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime

	Sessions repository.SessionStore
	Users    repository.UserRepository
	Tokens   *service.TokenService
	Provider *auth.Provider
	// Auth is the provider wrapped with metrics and audit logging.
	Auth    auth.AuthService
	Channel *crossapp.Channel
	Relay   *crossapp.Relay

	db    *gorm.DB
	redis redis.UniversalClient
	// embedded starts Provider's subscription and background loops.
	embedded bool

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

type Option func(*options)

type options struct {
	bus         *crossapp.MemoryBus
	redisClient redis.UniversalClient
	now         func() time.Time
	embedded    bool
}

// WithMemoryBus attaches the memory transport to a bus shared with other
// in-process applications.
func WithMemoryBus(bus *crossapp.MemoryBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithRedisClient supplies the Redis client instead of dialing REDIS_ADDR.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) { o.redisClient = client }
}

// WithEmbeddedProvider runs Provider as the single-user session of a host
// process: Init subscribes it to sibling announcements and starts its activity
// and reconcile loops. Without it the HTTP server only uses Provider to sign
// in and out; it never adopts or refreshes a session on its own, since it
// fronts many users whose requests carry their own credentials.
func WithEmbeddedProvider() Option {
	return func(o *options) { o.embedded = true }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Observability: runtime, embedded: o.embedded}

	db, err := repository.OpenDatabase(cfg.DatabaseDriver, cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	a.db = db
	a.Users = repository.NewUserRepository(db)

	if o.redisClient != nil {
		a.redis = o.redisClient
	} else if cfg.SessionStore == "redis" || cfg.SyncTransport == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	}

	switch cfg.SessionStore {
	case "redis":
		a.Sessions = repository.NewRedisSessionStore(a.redis, redisKeyPrefix)
	case "memory":
		a.Sessions = repository.NewInMemorySessionStore()
	default:
		a.Sessions = repository.NewSessionRepository(db)
	}

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret, cfg.JWTRefreshSecret)
	if o.now != nil {
		jwtMgr.WithClock(o.now)
	}
	a.Tokens = service.NewTokenService(jwtMgr, a.Sessions, service.TokenConfig{
		AccessTTL:       cfg.JWTAccessTTL,
		RefreshTTL:      cfg.JWTRefreshTTL,
		SessionTimeout:  cfg.SessionTimeout(),
		ActivityTimeout: cfg.ActivityTimeout(),
	})
	if o.now != nil {
		a.Tokens.WithClock(o.now)
	}
	users := service.NewLocalUserDirectory(a.Users, security.NewHasher(cfg.BcryptCost))

	if cfg.EnableSecureCrossAppSync {
		transport, err := a.newTransport(o)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		channel, err := crossapp.NewChannel(transport, crossapp.Options{
			AppID:           cfg.AppID,
			Secret:          []byte(cfg.HMACSecret),
			FreshnessWindow: cfg.FreshnessWindow(),
			Nonces:          a.newNonceStore(),
			Logger:          logger,
			Now:             o.now,
		})
		if err != nil {
			_ = transport.Close()
			a.closeStores()
			return nil, err
		}
		a.Channel = channel
	}
	if cfg.SyncRelayEnabled {
		a.Relay = crossapp.NewRelay(logger)
	}

	var syncChannel auth.SyncChannel
	if a.Channel != nil {
		syncChannel = a.Channel
	}
	a.Provider = auth.NewProvider(a.Tokens, users, syncChannel, auth.Config{
		AppID:            cfg.AppID,
		ActivityTimeout:  cfg.ActivityTimeout(),
		RefreshThreshold: cfg.RefreshThreshold,
		Logger:           logger,
		Now:              o.now,
	})
	a.Auth = auth.NewAuditedAuthService(auth.NewInstrumentedAuthService(a.Provider, cfg.AppID, logger), cfg.AppID, logger)

	var publisher handler.Publisher
	if a.Channel != nil {
		publisher = a.Channel
	}
	authHandler := handler.NewAuthHandler(users, a.Tokens, publisher, handler.AuthHandlerConfig{
		AppID:   cfg.AppID,
		Cookies: security.CookieOptions{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure},
		Logger:  logger,
	})
	deps := router.Dependencies{
		AuthHandler:      authHandler,
		Verifier:         a.Tokens,
		AuthRateLimitRPM: cfg.AuthRateLimitRPM,
		AppID:            cfg.AppID,
		Logger:           logger,
		EnableOTelHTTP:   cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled,
	}
	if a.redis != nil {
		limiter := middleware.NewRateLimiterWithPolicy(
			middleware.NewRedisLimiter(a.redis, redisKeyPrefix+":"+cfg.SyncTrustDomain),
			middleware.RateLimitPolicy{SustainedLimit: cfg.AuthRateLimitRPM, SustainedWindow: time.Minute},
			middleware.FailOpen,
			"signin",
			nil,
		)
		deps.AuthRateLimiter = limiter.Middleware()
	}
	if a.Relay != nil {
		deps.Relay = a.Relay
	}
	a.Server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func (a *App) newTransport(o options) (crossapp.Transport, error) {
	cfg := a.Config
	switch cfg.SyncTransport {
	case "redis":
		return crossapp.NewRedisTransport(a.redis, redisKeyPrefix, cfg.SyncTrustDomain), nil
	case "kafka":
		return crossapp.NewKafkaTransport(crossapp.KafkaConfig{
			Brokers: cfg.KafkaBrokerList(),
			Topic:   cfg.KafkaTopic,
			GroupID: crossapp.ConsumerGroupFor(cfg.SyncTrustDomain, cfg.AppID),
			Logger:  a.Logger,
		})
	case "websocket":
		return crossapp.NewWebSocketTransport(cfg.SyncRelayURL, a.Logger), nil
	default:
		bus := o.bus
		if bus == nil {
			bus = crossapp.NewMemoryBus()
		}
		return bus.Transport(), nil
	}
}

// newNonceStore shares replay state through Redis when available. Keys are
// per application because a channel records its own nonces on publish.
func (a *App) newNonceStore() service.NonceStore {
	if a.redis != nil {
		return service.NewRedisNonceStore(a.redis, "crossapp_nonce:"+a.Config.AppID)
	}
	return service.NewInMemoryNonceStore(a.Config.SyncNonceCapacity)
}

// Init starts the channel, the janitor and, when embedded, the provider. It
// does not start the HTTP server.
func (a *App) Init(ctx context.Context) error {
	if a.Channel != nil {
		if err := a.Channel.Start(ctx); err != nil {
			return fmt.Errorf("start cross-app channel: %w", err)
		}
	}
	if a.embedded {
		if err := a.Provider.Init(ctx); err != nil {
			return err
		}
	}
	janitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopJanitor = cancel
	a.janitorDone = make(chan struct{})
	go a.runJanitor(janitorCtx)
	a.Logger.Info("app initialized",
		"app_id", a.Config.AppID,
		"session_store", a.Config.SessionStore,
		"sync", a.Channel != nil,
		"sync_transport", a.Config.SyncTransport,
		"embedded_provider", a.embedded,
	)
	return nil
}

// WatchConfig applies activity timeout edits in path while the app runs.
func (a *App) WatchConfig(path string) {
	config.Watch(path, a.Logger, a.applyReload)
}

// applyReload updates the token service, which every HTTP verification goes
// through, and the provider's idle limit.
func (a *App) applyReload(cfg *config.Config) {
	timeout := cfg.ActivityTimeout()
	a.Tokens.SetActivityTimeout(timeout)
	a.Provider.SetActivityTimeout(timeout)
	a.Logger.Info("activity timeout updated", "activity_timeout", timeout)
}

// Run serves HTTP until ctx is cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

func (a *App) runJanitor(ctx context.Context) {
	defer close(a.janitorDone)
	interval := a.Config.JanitorInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Sessions.CleanupExpired(ctx)
			if err != nil {
				a.Logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				a.Logger.Info("expired sessions removed", "count", n)
			}
		}
	}
}

// Shutdown stops the HTTP server, the provider and the channel concurrently,
// then closes storage and flushes telemetry. Later calls return the first
// result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdown.Do(func() {
		if a.stopJanitor != nil {
			a.stopJanitor()
			<-a.janitorDone
		}
		g, gctx := errgroup.WithContext(ctx)
		if a.Server != nil {
			g.Go(func() error { return a.Server.Shutdown(gctx) })
		}
		g.Go(func() error { return a.Provider.Shutdown(gctx) })
		if a.Channel != nil {
			g.Go(a.Channel.Close)
		}
		errs := []error{g.Wait()}
		errs = append(errs, a.closeStores())
		if a.Observability != nil {
			errs = append(errs, a.Observability.Shutdown(ctx))
		}
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

func (a *App) closeStores() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, repository.CloseDatabase(a.db))
	}
	return errors.Join(errs...)
}
