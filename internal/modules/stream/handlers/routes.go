package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the streaming endpoint. Mounted at the
// server root, not under the API prefix.
func (h *StreamHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/ws/portfolio/{user}", h.HandleStream)
}
