package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sleepingf0x/wrabbit/health"
)

func newMux(checks *health.Registry, registry *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()

	r.Method(http.MethodGet, "/healthz", health.NewHandler(checks, 5*time.Second))
	r.Get("/livez", health.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}

// serveHTTP serves handler on addr in the background. The returned function
// shuts the server down.
func serveHTTP(addr string, handler http.Handler, logger *slog.Logger) func() {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving health and metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
