package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/chat_downloader/internal/telemetry"
)

// NewRouter assembles the HTTP surface: request ids, access logs and metrics
// around every route, with /health and /metrics left unauthenticated.
func NewRouter(api *APIHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	r.Mount("/", api.Routes())

	return r
}
