// Package handlers exposes the websocket endpoint of the streaming hub.
package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/httpx"
	"github.com/monetahq/moneta/internal/modules/stream"
)

// StreamHandlers upgrades client connections and hands them to the hub.
type StreamHandlers struct {
	hub      *stream.Hub
	origins  []string
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandlers creates the websocket handlers. allowedOrigins uses
// the same values as the CORS layer; "*" admits every browser origin.
func NewStreamHandlers(hub *stream.Hub, allowedOrigins []string, log zerolog.Logger) *StreamHandlers {
	h := &StreamHandlers{
		hub:     hub,
		origins: allowedOrigins,
		log:     log.With().Str("handler", "stream").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

// HandleStream runs the subscription stream for one user.
// GET /ws/portfolio/{user}
func (h *StreamHandlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	if userID == "" {
		httpx.WriteError(w, r, h.log,
			domain.NewValidationError(domain.CodeInvalidRequest, "user is required"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		h.log.Debug().Err(err).Str("user_id", userID).Msg("websocket upgrade rejected")
		return
	}
	h.hub.ServeSession(r.Context(), conn, userID)
}

// originAllowed admits non-browser clients (no Origin header) and any
// origin on the configured list.
func (h *StreamHandlers) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
