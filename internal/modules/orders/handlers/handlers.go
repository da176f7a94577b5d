// Package handlers provides the HTTP surface of the order engine.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/httpx"
	"github.com/monetahq/moneta/internal/modules/orders"
)

// OrderHandlers contains the HTTP handlers for the order API.
type OrderHandlers struct {
	service *orders.Service
	log     zerolog.Logger
}

// NewOrderHandlers creates the order handlers.
func NewOrderHandlers(service *orders.Service, log zerolog.Logger) *OrderHandlers {
	return &OrderHandlers{
		service: service,
		log:     log.With().Str("handler", "orders").Logger(),
	}
}

// HandleSubmitOrder submits a new order.
// POST /api/orders
func (h *OrderHandlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.SubmitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	// An Idempotency-Key header wins over the body field.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	result, err := h.service.SubmitOrder(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, result)
}

// HandleGetOrder returns one order.
// GET /api/orders/{id}
func (h *OrderHandlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, order)
}

// HandleCancelOrder cancels a working order.
// POST /api/orders/{id}/cancel
func (h *OrderHandlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.CancelOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, order)
}

// HandleReconcileOrder forces a broker poll for one order.
// POST /api/orders/{id}/reconcile
func (h *OrderHandlers) HandleReconcileOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, order)
}

// HandleListOrders lists orders with optional filters.
// GET /api/orders?user_id=&account_id=&symbol=&state=&side=&limit=
func (h *OrderHandlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.OrderFilter{
		UserID:    q.Get("user_id"),
		AccountID: q.Get("account_id"),
		Symbol:    q.Get("symbol"),
		State:     domain.OrderState(q.Get("state")),
		Side:      domain.OrderSide(q.Get("side")),
	}
	if limitParam := q.Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil {
			filter.Limit = parsed
		}
	}

	list, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if list == nil {
		list = []domain.Order{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"orders": list,
		"count":  len(list),
	})
}
