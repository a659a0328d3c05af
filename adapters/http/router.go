package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/swaggo/swag"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/velariq/tokengate/adapters/metrics"
	"github.com/velariq/tokengate/app"
	_ "github.com/velariq/tokengate/docs/swagger" // swagger docs
	"github.com/velariq/tokengate/ports"
)

// RouterConfig holds the request-path guards and optional extras.
type RouterConfig struct {
	Authorizer      *app.Authorizer
	Abuse           *app.AbuseGuard
	KillSwitch      ports.KillSwitch   // optional
	APILimiter      *BurstLimiter      // optional, applied to /api/*
	CheckoutLimiter *BurstLimiter      // optional, applied to checkout
	Metrics         *metrics.Collector // optional
	MetricsHandler  http.Handler       // optional exporter (default: promhttp)
	MetricsPath     string
	EnableOpenAPI   bool
	RequestTimeout  time.Duration
}

// NewRouter creates the main HTTP router.
func NewRouter(h *Handlers, health *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	// Health endpoints (no auth required)
	r.Get("/health", health.Readiness)
	r.Get("/health/live", health.Liveness)

	if cfg.Metrics != nil || cfg.MetricsHandler != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		handler := cfg.MetricsHandler
		if handler == nil {
			handler = promhttp.Handler()
		}
		r.Handle(path, handler)
	}

	// OpenAPI/Swagger endpoints (if enabled)
	if cfg.EnableOpenAPI {
		r.Get("/.well-known/openapi.json", openAPIDocument(logger))
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/.well-known/openapi.json"),
		))
	}

	// Billing provider webhooks are authenticated by signature inside the handler.
	r.Post("/webhook", h.Webhook)

	r.Group(func(r chi.Router) {
		if cfg.CheckoutLimiter != nil {
			r.Use(NewBurstLimitMiddleware(cfg.CheckoutLimiter, "checkout", cfg.Metrics, logger))
		}
		r.Use(guards(cfg, logger)...)
		r.Post("/create-checkout-session", h.CreateCheckoutSession)
	})

	r.Route("/api", func(r chi.Router) {
		if cfg.APILimiter != nil {
			r.Use(NewBurstLimitMiddleware(cfg.APILimiter, "api", cfg.Metrics, logger))
		}
		r.Use(guards(cfg, logger)...)
		r.Use(NewAuthMiddleware(cfg.Authorizer, cfg.Metrics, logger))

		r.Get("/dashboard", h.Dashboard)
		r.Post("/usage", h.RecordUsage)
		r.Post("/create-portal-session", h.CreatePortalSession)
		r.Get("/gdpr/export", h.ExportAccount)
		r.Delete("/gdpr/delete", h.DeleteAccount)
	})

	return r
}

// guards returns the kill switch and abuse window middleware, in that order.
func guards(cfg RouterConfig, logger zerolog.Logger) []func(http.Handler) http.Handler {
	var mw []func(http.Handler) http.Handler
	if cfg.KillSwitch != nil {
		mw = append(mw, NewKillSwitchMiddleware(cfg.KillSwitch, logger))
	}
	if cfg.Abuse != nil {
		mw = append(mw, NewAbuseMiddleware(cfg.Abuse, cfg.Metrics))
	}
	return mw
}

func openAPIDocument(logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := swag.ReadDoc()
		if err != nil {
			logger.Error().Err(err).Msg("render openapi document")
			writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(doc))
	}
}
