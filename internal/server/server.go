package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcprelay/internal/config"
	"github.com/gaspardpetit/mcprelay/internal/metrics"
	"github.com/gaspardpetit/mcprelay/internal/serverstate"
)

// New constructs the HTTP handler for the relay. ws serves WebSocket
// upgrades; the server id is taken from the {server} path segment.
func New(cfg config.ServerConfig, state StateSource, ws http.Handler) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}))
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !serverstate.Accepting() {
			http.Error(w, serverstate.GetState(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	h := &StateHandler{Source: state}
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/state", h.GetState)
		ar.Get("/state/stream", h.GetStateStream)
	})
	r.Get("/state", StatePageHandler())

	r.Get("/ws", ws.ServeHTTP)
	r.Get("/ws/{server}", ws.ServeHTTP)

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	return r
}
