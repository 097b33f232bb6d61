package agentapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/clinic-offline-sync/internal/http/middleware"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Handler            *Handler
	WebSocket          http.Handler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// NewRouter creates the agent's chi router.
func NewRouter(cfg *Config) http.Handler {
	if cfg == nil || cfg.Handler == nil {
		panic("agentapi: handler required")
	}
	h := cfg.Handler

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", h.Health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/appointments", h.CreateAppointment)
		api.Post("/contacts", h.CreateContact)
		api.Post("/consent", h.CreateConsent)
		api.Get("/stats", h.Stats)
		api.Post("/sync", h.Sync)
		api.Get("/records/stranded", h.Stranded)
		api.Post("/records/{kind}/{id}/requeue", h.Requeue)
		api.Get("/cache/{key}", h.CachedEntry)
		api.Get("/backend/*", h.BackendProxy)
	})

	return r
}
