package intake

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/clinic-offline-sync/internal/http/middleware"
	"github.com/wolfman30/clinic-offline-sync/internal/offline"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds router configuration
type RouterConfig struct {
	Logger         *logging.Logger
	Handler        *Handler
	JWTSecret      string
	JWTIssuer      string
	RatePerSecond  float64
	RateBurst      int
	MetricsHandler http.Handler
	DB             Pinger
}

// NewRouter mounts the replay endpoints under their backend paths.
func NewRouter(cfg *RouterConfig) http.Handler {
	if cfg == nil || cfg.Handler == nil {
		panic("intake: handler required")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if cfg.DB != nil {
			if err := cfg.DB.Ping(r.Context()); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(api chi.Router) {
		if cfg.RatePerSecond > 0 {
			api.Use(httpmiddleware.RateLimit(cfg.RatePerSecond, cfg.RateBurst))
		}
		api.Use(httpmiddleware.ServiceJWT(cfg.JWTSecret, cfg.JWTIssuer))
		for _, kind := range offline.Kinds {
			route, err := offline.RouteFor(kind)
			if err != nil {
				continue
			}
			api.Method(route.Method, route.Endpoint, cfg.Handler.Receive(kind))
		}
	})

	return r
}
