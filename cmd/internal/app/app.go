// Package app wires the gabriel server runtime: config, logging, tracing,
// metrics, storage, HTTP routes and the chat WebSocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gabriel/cmd/identity"
	"gabriel/cmd/internal/admin"
	"gabriel/cmd/internal/audit"
	authapi "gabriel/cmd/internal/auth/api"
	"gabriel/cmd/internal/auth/session"
	"gabriel/cmd/internal/conversation"
	"gabriel/cmd/internal/counsel"
	"gabriel/cmd/internal/invite"
	"gabriel/cmd/internal/llm"
	"gabriel/cmd/internal/realtime"
	"gabriel/cmd/internal/scripture"
	"gabriel/cmd/internal/sermon"
	"gabriel/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the gabriel server runtime: it owns the HTTP server wiring and the
// lifecycle of every long-lived dependency.
type App struct {
	cfg Config
	log Logger

	reg  *prometheus.Registry
	pool *pgxpool.Pool

	auth      *authapi.Handler
	relay     *counsel.Relay
	sermons   *sermon.Generator
	scripture *scripture.Client
	redis     *scripture.RedisCache
	admin     *admin.Handler
	invites   *invite.Handler
	hub       *realtime.Hub
	ws        *realtime.WSGateway

	shutdownTracing func(context.Context) error
}

// storage groups the persistence backends chosen at startup.
type storage struct {
	users    identity.Store
	sessions session.Store
	messages conversation.Store
	invites  invite.Store
	audit    audit.Sink
}

// New constructs a fully wired App from config. Postgres backs every store
// when cfg.DatabaseURL is set; otherwise everything lives in memory.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{
		cfg:             cfg,
		log:             log,
		reg:             prometheus.NewRegistry(),
		shutdownTracing: func(context.Context) error { return nil },
	}
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	st, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if sessCfg.EphemeralKey {
		log.Warn("auth.paseto.ephemeral_key", "hint", "set GABRIEL_PASETO_V4_SECRET_KEY_HEX; tokens will not survive a restart")
	}
	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		return nil, err
	}
	hasher, err := token.HasherFromEnv(cfg.RequireTokenHMAC)
	if err != nil {
		return nil, err
	}
	sessions := session.NewService(sessCfg, st.sessions, tokens, hasher)

	authCfg := authapi.LoadConfigFromEnv()
	a.auth, err = authapi.NewHandler(log, authCfg, st.users, sessions, authapi.WithAuditSink(st.audit))
	if err != nil {
		return nil, err
	}
	a.admin = admin.NewHandler(log, st.users, st.audit, admin.WithTrustProxy(authCfg.TrustProxy))

	invites, err := invite.NewService(st.invites, hasher, invite.LoadConfigFromEnv())
	if err != nil {
		return nil, err
	}
	a.invites = invite.NewHandler(log, invites, st.users, st.audit, invite.WithTrustProxy(authCfg.TrustProxy))

	var provider llm.Provider
	client, err := llm.NewClient(llm.LoadConfigFromEnv())
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		log.Warn("llm.disabled", "hint", "set OPENAI_API_KEY to enable chat and sermons")
	case err != nil:
		return nil, err
	default:
		provider = client
	}

	counselCfg := counsel.LoadConfigFromEnv()
	profile, err := counsel.LoadProfile(counselCfg.PersonaFile)
	if err != nil {
		return nil, err
	}
	a.relay, err = counsel.NewRelay(log, counselCfg, profile, provider, st.messages, counsel.NewMetrics(a.reg))
	if err != nil {
		return nil, err
	}
	a.sermons = sermon.NewGenerator(log, provider)

	scriptureCfg := scripture.LoadConfigFromEnv()
	var cache scripture.Cache = scripture.NewMemoryCache(cfg.ScriptureCacheEntries)
	if scriptureCfg.RedisAddr != "" {
		rc, err := scripture.NewRedisCache(ctx, scriptureCfg.RedisAddr, scriptureCfg.RedisPassword, scriptureCfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("scripture cache: %w", err)
		}
		a.redis = rc
		cache = rc
	}
	a.scripture = scripture.NewClient(log, scriptureCfg, cache, scripture.NewMetrics(a.reg))
	if !a.scripture.Configured() {
		log.Warn("scripture.disabled", "hint", "set BIBLE_API_KEY to enable /api/bible")
	}

	a.hub = realtime.NewHub(a.reg)
	a.ws = realtime.NewWSGateway(log, realtime.LoadConfigFromEnv(), a.auth, a.relay, a.hub)

	ok = true
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (storage, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return storage{
			users:    identity.NewMemoryStore(),
			sessions: session.NewMemoryStore(),
			messages: conversation.NewMemoryStore(),
			invites:  invite.NewMemoryStore(),
			audit:    audit.LogSink{Log: a.log},
		}, nil
	}

	pool, err := OpenDB(ctx, a.cfg, a.log)
	if err != nil {
		return storage{}, err
	}
	a.pool = pool
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)

	schema := a.cfg.DBSchema
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(schema))
	if err != nil {
		return storage{}, err
	}
	sessions, err := session.NewPostgresStore(pool, schema)
	if err != nil {
		return storage{}, err
	}
	messages, err := conversation.NewPostgresStore(pool, schema)
	if err != nil {
		return storage{}, err
	}
	invites, err := invite.NewPostgresStore(pool, schema)
	if err != nil {
		return storage{}, err
	}
	sink, err := audit.NewPostgresSink(pool, schema, a.log)
	if err != nil {
		return storage{}, err
	}
	return storage{users: users, sessions: sessions, messages: messages, invites: invites, audit: sink}, nil
}

// Handler returns the fully wrapped root handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until ctx is done or the server
// fails, then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	a.shutdownTracing = InitTracing(ctx, a.log, a.cfg, LoadTracingConfig())

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"llm_enabled", a.relay.Configured(),
		"scripture_enabled", a.scripture.Configured(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 15*time.Second))
	defer cancel()

	if err := a.Shutdown(shutdownCtx, srv); err != nil && runErr == nil {
		runErr = err
	}
	a.log.Info("server.stopped")
	return runErr
}

// Shutdown stops accepting requests, closes WebSocket connections, waits
// for pending conversation writes and releases resources.
func (a *App) Shutdown(ctx context.Context, srv *http.Server) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if srv != nil {
		// Hijacked WebSocket connections are not tracked by Shutdown.
		a.hub.CloseAll()
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			keep(err)
		}
	}
	if err := a.relay.Drain(ctx); err != nil {
		a.log.Error("counsel.drain.fail", "err", err)
		keep(err)
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.log.Warn("otel.shutdown.fail", "err", err)
	}
	a.closeResources()
	return firstErr
}

func (a *App) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("scripture.cache.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

// ready reports the first failing dependency, or "" when all are healthy.
func (a *App) ready(ctx context.Context) (string, error) {
	if a.cfg.ReadinessRequireDB && a.pool == nil {
		return "db", errors.New("db not configured")
	}
	if a.pool != nil {
		if err := PingDB(ctx, a.pool, 2*time.Second); err != nil {
			return "db", err
		}
	}
	if a.redis != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.redis.Ping(pctx); err != nil {
			return "redis", err
		}
	}
	return "", nil
}

// OpenUsers opens the identity store for operator commands. The returned
// close func releases the pool.
func OpenUsers(ctx context.Context, cfg Config, log *slog.Logger) (identity.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("GABRIEL_DATABASE_URL is required for user management")
	}
	pool, err := OpenDB(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return users, pool.Close, nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
