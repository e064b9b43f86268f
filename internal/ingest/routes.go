package ingest

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicekit/callrelay/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}
	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/twilio/{slug}", cfg.Handler.TwilioWebhook)
		r.Post("/vapi/{slug}", cfg.Handler.VapiWebhook)
	})

	r.Route("/events", func(r chi.Router) {
		r.Get("/{id}", cfg.Handler.GetEvent)
		r.Get("/{id}/deliveries", cfg.Handler.GetEventDeliveries)
	})

	r.Post("/deliveries/{logID}/replay", cfg.Handler.ReplayDelivery)

	return r
}
