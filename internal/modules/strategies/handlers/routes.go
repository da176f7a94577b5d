package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all strategy routes.
func (h *StrategyHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/strategies", func(r chi.Router) {
		r.Post("/", h.HandleCreateStrategy)
		r.Get("/", h.HandleListStrategies)
		r.Get("/{id}", h.HandleGetStrategy)
		r.Put("/{id}", h.HandleUpdateStrategy)
		r.Delete("/{id}", h.HandleDeleteStrategy)
		r.Get("/{id}/drift", h.HandleGetDrift)
	})
}
