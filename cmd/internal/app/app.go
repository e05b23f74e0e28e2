// Package app wires the whisper server runtime: config, logging, storage
// backends, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"whisper/cmd/internal/auth"
	"whisper/cmd/internal/chat"
	"whisper/cmd/internal/chatstore"
	"whisper/cmd/internal/friends"
	"whisper/cmd/internal/realtime"
	"whisper/cmd/internal/render"
	"whisper/cmd/internal/upload"
	"whisper/cmd/security/password"
)

// App is the whisper server runtime: it owns the HTTP server, the storage
// backends and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	reg      *prometheus.Registry
	backends *backends

	store chatstore.MessageStore
	graph friends.Graph
	bus   realtime.Bus
	redis *realtime.RedisBus

	tokens  *auth.TokenManager
	auth    *auth.Handler
	ws      *realtime.WSGateway
	uploads *upload.Handler
}

// New constructs a fully wired App from config and logger. Everything
// opened before a failure is closed again.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		reg:      prometheus.NewRegistry(),
		backends: &backends{cfg: cfg, log: log},
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.store, err = a.backends.messageStore(ctx, chatstore.NewMetrics(a.reg))
	if err != nil {
		return nil, err
	}
	a.graph, err = a.backends.friendGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("friend graph (%s): %w", cfg.FriendsBackend, err)
	}

	authCfg := auth.LoadConfigFromEnv()
	params, err := a.backends.paramStore(ctx, authCfg.JWTSecretParam)
	if err != nil {
		return nil, err
	}
	secret, err := auth.ResolveSecret(ctx, authCfg, params)
	if err != nil {
		return nil, err
	}
	a.tokens, err = auth.NewTokenManager(secret, authCfg.TokenTTL, authCfg.Issuer)
	if err != nil {
		return nil, err
	}
	passwords, err := password.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("password config: %w", err)
	}

	chatSvc, err := chat.NewService(a.store, a.graph,
		chat.WithLogger(log),
		chat.WithRenderer(render.New()),
		chat.WithPageSize(cfg.PageSize),
	)
	if err != nil {
		return nil, err
	}

	wsCfg := realtime.LoadConfigFromEnv()
	if cfg.RedisAddr != "" {
		a.redis, err = realtime.NewRedisBus(ctx, log, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return nil, err
		}
		a.bus = a.redis
		wsCfg.SharedPresence = true
		log.Info("ws.bus.redis", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	} else {
		a.bus = realtime.NewLocalBus()
	}

	a.ws, err = realtime.NewWSGateway(wsCfg, a.tokens, chatSvc, a.graph,
		realtime.WithLogger(log),
		realtime.WithBus(a.bus),
		realtime.WithMetrics(realtime.NewMetrics(a.reg)),
	)
	if err != nil {
		return nil, err
	}

	a.auth, err = auth.NewHandler(authCfg, a.graph, passwords, a.tokens,
		auth.WithLogger(log),
		auth.WithPresence(a.ws.Hub()),
	)
	if err != nil {
		return nil, err
	}

	a.uploads, err = upload.NewHandler(cfg.UploadsDir,
		upload.WithLogger(log),
		upload.WithMaxBytes(cfg.UploadMaxBytes),
	)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	busCtx, stopBus := context.WithCancel(ctx)
	defer stopBus()
	if err := a.ws.Start(busCtx); err != nil {
		return fmt.Errorf("realtime bus: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 60*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws", wsBaseURL(base)+"/ws",
		"store", a.cfg.StoreBackend,
		"friends", a.cfg.FriendsBackend,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close releases resources in reverse dependency order. The message store
// flushes dirty shards before the database handles go away.
func (a *App) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("ws.bus.close.fail", "err", err)
		}
		a.bus = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.backends != nil {
		if err := a.backends.Close(); err != nil {
			a.log.Error("db.close.fail", "err", err)
		}
	}
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

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
