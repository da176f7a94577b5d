// Package handlers provides the HTTP surface of the strategy store and
// drift evaluator.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/httpx"
	"github.com/monetahq/moneta/internal/modules/strategies"
)

// StrategyHandlers contains the HTTP handlers for target allocations.
type StrategyHandlers struct {
	repo  *strategies.Repository
	drift *strategies.DriftService
	log   zerolog.Logger
}

// NewStrategyHandlers creates the strategy handlers.
func NewStrategyHandlers(repo *strategies.Repository, drift *strategies.DriftService, log zerolog.Logger) *StrategyHandlers {
	return &StrategyHandlers{
		repo:  repo,
		drift: drift,
		log:   log.With().Str("handler", "strategies").Logger(),
	}
}

type strategyRequest struct {
	UserID         string            `json:"user_id"`
	Name           string            `json:"name"`
	DriftThreshold *decimal.Decimal  `json:"drift_threshold,omitempty"`
	Holdings       []holdingsRequest `json:"holdings"`
}

type holdingsRequest struct {
	Symbol       string          `json:"symbol"`
	TargetWeight decimal.Decimal `json:"target_weight"`
}

func (req *strategyRequest) toDomain() *domain.Strategy {
	s := &domain.Strategy{
		UserID: req.UserID,
		Name:   req.Name,
	}
	if req.DriftThreshold != nil {
		s.DriftThreshold = *req.DriftThreshold
	}
	for _, h := range req.Holdings {
		s.Holdings = append(s.Holdings, domain.StrategyHolding{
			Symbol:       h.Symbol,
			TargetWeight: h.TargetWeight,
		})
	}
	return s
}

// HandleCreateStrategy stores a new target allocation.
// POST /api/strategies
func (h *StrategyHandlers) HandleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}

	strategy := req.toDomain()
	if err := h.repo.Create(r.Context(), strategy); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, strategy)
}

// HandleListStrategies lists a user's strategies.
// GET /api/strategies?user_id=
func (h *StrategyHandlers) HandleListStrategies(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpx.WriteError(w, r, h.log,
			domain.NewValidationError(domain.CodeInvalidRequest, "user_id query parameter is required"))
		return
	}

	list, err := h.repo.ListByUser(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if list == nil {
		list = []domain.Strategy{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": list,
		"count":      len(list),
	})
}

// HandleGetStrategy returns one strategy with its holdings.
// GET /api/strategies/{id}
func (h *StrategyHandlers) HandleGetStrategy(w http.ResponseWriter, r *http.Request) {
	strategy, err := h.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if strategy == nil {
		httpx.WriteError(w, r, h.log, domain.NewNotFoundError("strategy not found"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, strategy)
}

// HandleUpdateStrategy rewrites a strategy's name, threshold, and targets.
// PUT /api/strategies/{id}
func (h *StrategyHandlers) HandleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}

	strategy := req.toDomain()
	strategy.ID = chi.URLParam(r, "id")
	if err := h.repo.Update(r.Context(), strategy); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}

	updated, err := h.repo.GetByID(r.Context(), strategy.ID)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

// HandleDeleteStrategy removes a strategy.
// DELETE /api/strategies/{id}
func (h *StrategyHandlers) HandleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleGetDrift evaluates one strategy against current positions.
// GET /api/strategies/{id}/drift
func (h *StrategyHandlers) HandleGetDrift(w http.ResponseWriter, r *http.Request) {
	report, err := h.drift.EvaluateStrategy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}
