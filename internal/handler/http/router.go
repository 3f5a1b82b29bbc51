package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/promotion-engine/internal/service"
	"github.com/utafrali/promotion-engine/pkg/health"
	"github.com/utafrali/promotion-engine/pkg/middleware"
)

const serviceName = "promotion-engine"

// RouterConfig holds the router options that come from configuration.
type RouterConfig struct {
	CORS              middleware.CORSConfig
	PprofCIDRs        []string
	RequestTimeout    time.Duration
	CheckoutRateLimit middleware.RateLimitConfig
}

// NewRouter creates a chi router with all promotion engine routes registered.
func NewRouter(
	promotionService *service.PromotionService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))
	r.Use(middleware.CORS(cfg.CORS))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	if len(cfg.PprofCIDRs) > 0 {
		middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)
	}

	h := NewPromotionHandler(promotionService, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
		r.Use(ContentTypeJSON)

		r.Route("/promotions", func(r chi.Router) {
			r.Get("/", h.ListPromotions)
			r.Post("/", h.CreatePromotion)

			r.Get("/{id}", h.GetPromotion)
			r.Put("/{id}", h.UpdatePromotion)
			r.Delete("/{id}", h.DeletePromotion)
			r.Post("/{id}/toggle", h.TogglePromotion)
			r.Post("/{id}/duplicate", h.DuplicatePromotion)
			r.Get("/{id}/redemptions", h.ListRedemptions)
		})

		r.With(middleware.RateLimit(cfg.CheckoutRateLimit, logger)).Post("/checkout/apply", h.ApplyToCart)
		r.Post("/redemptions/{id}/release", h.ReleaseRedemption)
	})

	return r
}
