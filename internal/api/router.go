/**
 * @description
 * This file sets up the HTTP router for the loyalty-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * internal authentication middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// LoyaltyRoutes creates and returns a new router for the loyalty service.
func LoyaltyRoutes(h *LoyaltyHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", headerInternalAPIKey, headerProjectID},
		MaxAge:         300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require internal authentication.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/events/track", h.TrackEventHandler)

		r.Post("/redemptions/redeem", h.RedeemHandler)
		r.Get("/redemptions/{id}", h.GetRedemptionHandler)
		r.Post("/redemptions/{id}/complete", h.CompleteRedemptionHandler)
		r.Post("/redemptions/{id}/fail", h.FailRedemptionHandler)
	})

	return r
}
