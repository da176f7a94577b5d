package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all portfolio routes.
func (h *PortfolioHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/portfolio", func(r chi.Router) {
		r.Post("/link/token", h.HandleStartLink)
		r.Post("/link/exchange", h.HandleCompleteLink)
		r.Get("/accounts", h.HandleListAccounts)
		r.Get("/summary", h.HandleSummary)
	})
	r.Post("/reconcile", h.HandleReconcile)
}
