/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * authentication and rate limiting middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pola/settlement-service/internal/app"
)

// RouterConfig carries the security knobs the router needs.
type RouterConfig struct {
	JWKSURL             string
	InternalAPIKey      string
	WebhookRateLimiter  *app.RedisRateLimiter
	WebhookRateLimit    int
	WebhookRateInterval time.Duration
}

// SettlementRoutes creates and returns a new router for the settlement service.
func SettlementRoutes(h *SettlementHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public pricing catalog.
	r.Get("/pricing", h.ListPricingRulesHandler)
	r.Get("/pricing/{serviceType}", h.GetPricingRuleHandler)
	r.Get("/credits/bundles", h.ListCreditBundlesHandler)

	// Gateway callback endpoint. Unauthenticated but throttled per source.
	r.Group(func(r chi.Router) {
		r.Use(WebhookRateLimitMiddleware(cfg.WebhookRateLimiter, cfg.WebhookRateLimit, cfg.WebhookRateInterval))
		r.Post("/webhooks/azampay", h.WebhookHandler)
	})

	// Group routes that require end-user authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWKSURL))

		r.Get("/credits/balance", h.GetWalletBalanceHandler)
		r.Post("/credits/purchase", h.PurchaseCreditsHandler)

		r.Post("/bookings", h.CreateBookingHandler)
		r.Get("/bookings/{id}", h.GetBookingHandler)
		r.Post("/bookings/{id}/confirm", h.ConfirmBookingHandler)
		r.Post("/bookings/{id}/cancel", h.CancelBookingHandler)
		r.Post("/bookings/{id}/complete", h.CompleteBookingHandler)

		r.Get("/earnings", h.ListEarningsHandler)
	})

	// Internal endpoints for operations tooling and sibling services.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(cfg.InternalAPIKey))

		r.Put("/pricing/{serviceType}", h.UpsertPricingRuleHandler)
		r.Post("/credits/grants", h.GrantCreditsHandler)
		r.Post("/disbursements", h.InitiateDisbursementHandler)
		r.Get("/disbursements/{id}", h.GetDisbursementHandler)
		r.Post("/disbursements/{id}/retry", h.RetryDisbursementHandler)
		r.Get("/reconciliation/conflicts", h.ListConflictsHandler)
	})

	return r
}
