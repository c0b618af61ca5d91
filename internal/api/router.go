/**
 * @description
 * This file sets up the HTTP router for the campaign-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
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
)

// CampaignRoutes creates and returns a new router for the campaign service.
func CampaignRoutes(h *CampaignHandlers, jwksURL string) http.Handler {
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

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		// Apply JWT authentication middleware for production
		r.Use(AuthMiddleware(jwksURL))

		// Campaign lifecycle endpoints
		r.Post("/campaigns", h.CreateCampaignHandler)
		r.Get("/campaigns", h.ListCampaignsHandler)
		r.Get("/campaigns/{campaignID}", h.GetCampaignHandler)
		r.Post("/campaigns/{campaignID}/whitelist", h.AddToWhitelistHandler)
		r.Post("/campaigns/{campaignID}/contributions", h.ContributeHandler)
		r.Post("/campaigns/{campaignID}/close", h.CloseCampaignHandler)

		// Proposal endpoints
		r.Post("/campaigns/{campaignID}/proposals", h.CreateSpendingProposalHandler)
		r.Post("/campaigns/{campaignID}/settlement-proposal", h.CreateSettlementProposalHandler)
		r.Get("/campaigns/{campaignID}/proposals", h.ListProposalsHandler)
		r.Get("/proposals/{proposalID}", h.GetProposalHandler)
		r.Post("/proposals/{proposalID}/votes", h.VoteHandler)
		r.Post("/proposals/{proposalID}/settle", h.SettleProposalHandler)
	})

	return r
}
