package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whisper/cmd/internal/upload"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ready(r.Context()); err != nil {
			a.log.Info("readyz.not_ready", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))

	a.auth.Register(mux)

	mux.Handle("/api/upload", a.tokens.RequireUser(a.uploads))
	mux.Handle(upload.URLPrefix, a.uploads.Files())

	mux.Handle("/ws", a.ws)
}

func (a *App) ready(ctx context.Context) error {
	if a.cfg.ReadinessRequireDB && !a.backends.hasDB() {
		return errors.New("db not configured")
	}
	if err := a.backends.ping(ctx); err != nil {
		return err
	}
	if a.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx); err != nil {
			return err
		}
	}
	return nil
}
