package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterOptions struct {
	// CORSAllowedOrigins enables CORS for these origins. Empty disables it.
	CORSAllowedOrigins []string
}

func NewRouter(apiHandler *APIHandler, logger *slog.Logger, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(newRecoveryHandler(logger))
	r.Use(middleware.StripSlashes)

	r.Handle("/metrics", promhttp.Handler())

	// All API routes are under /api
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)
		r.Get("/tools", apiHandler.ListToolsHandler)

		r.Post("/threads", apiHandler.CreateThreadHandler)
		r.Route("/threads/{threadID}", func(r chi.Router) {
			r.Get("/", apiHandler.GetThreadHandler)
			r.Patch("/", apiHandler.UpdateThreadHandler)
			r.Delete("/", apiHandler.DeleteThreadHandler)

			r.Post("/messages", apiHandler.PostMessageHandler)
			r.Get("/messages", apiHandler.GetMessagesHandler)
		})
	})

	var handler http.Handler = r
	if len(opts.CORSAllowedOrigins) > 0 {
		handler = newCORSHandler(opts.CORSAllowedOrigins)(handler)
	}
	return otelhttp.NewHandler(handler, "chat-agent-api")
}
