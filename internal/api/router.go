/**
 * @description
 * HTTP router setup for the settlement service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/coursemarket/settlement-service/pkg/gateway"
)

// NewRouter creates a new Chi router and registers settlement routes. auth authenticates
// end-user requests; internalKey guards server-to-server endpoints.
func NewRouter(h *Handler, auth func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Settlement service is healthy"))
	})

	// Provider callbacks authenticate through their signatures.
	r.Route("/payments/callbacks", func(r chi.Router) {
		r.Get("/alpha/ipn", h.handleCallback(gateway.ProviderAlpha))
		r.Get("/alpha/return", h.handleCallback(gateway.ProviderAlpha))
		r.Post("/beta", h.handleCallback(gateway.ProviderBeta))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/payouts/batch", h.handleBuildPayoutBatch)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/payments/checkout", h.handleCheckout)
		r.Get("/payments/transactions/{id}", h.handleGetTransaction)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))
			r.Post("/payments/transactions/{id}/refund", h.handleRefund)
			r.Get("/admin/transactions/{id}/split", h.handleTransactionSplit)

			r.Route("/admin/revenue-shares", func(r chi.Router) {
				r.Get("/", h.handleListRevenueShares)
				r.Post("/", h.handleCreateRevenueShare)
				r.Get("/resolve", h.handleResolveRevenueShare)
				r.Post("/{id}/clone", h.handleCloneRevenueShare)
				r.Post("/{id}/deactivate", h.handleDeactivateRevenueShare)
			})

			r.Route("/admin/payouts", func(r chi.Router) {
				r.Get("/", h.handleListPayouts)
				r.Post("/batch", h.handleBuildPayoutBatch)
				r.Get("/{id}", h.handleGetPayout)
				r.Post("/{id}/complete", h.handleCompletePayout)
				r.Post("/{id}/fail", h.handleFailPayout)
				r.Post("/{id}/retry", h.handleRetryPayout)
				r.Post("/{id}/deductions", h.handleSetPayoutDeductions)
			})
		})
	})

	return r
}
