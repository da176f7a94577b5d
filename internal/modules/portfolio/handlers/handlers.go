// Package handlers provides the HTTP surface of the portfolio engine.
package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/httpx"
	"github.com/monetahq/moneta/internal/modules/portfolio"
)

// SyncLauncher starts an asynchronous sync pass for a user and returns
// the task id to poll. coalesced is set when a pass was already running.
type SyncLauncher interface {
	LaunchUserSync(userID string) (taskID string, coalesced bool, err error)
}

// PortfolioHandlers contains the HTTP handlers for the portfolio API.
type PortfolioHandlers struct {
	links    *portfolio.LinkService
	views    *portfolio.ViewService
	launcher SyncLauncher
	log      zerolog.Logger
}

// NewPortfolioHandlers creates the portfolio handlers.
func NewPortfolioHandlers(links *portfolio.LinkService, views *portfolio.ViewService, launcher SyncLauncher, log zerolog.Logger) *PortfolioHandlers {
	return &PortfolioHandlers{
		links:    links,
		views:    views,
		launcher: launcher,
		log:      log.With().Str("handler", "portfolio").Logger(),
	}
}

type linkTokenRequest struct {
	UserID    string `json:"user_id"`
	Custodian string `json:"custodian"`
}

// HandleStartLink opens a custodian link session.
// POST /api/portfolio/link/token
func (h *PortfolioHandlers) HandleStartLink(w http.ResponseWriter, r *http.Request) {
	var req linkTokenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if req.UserID == "" || req.Custodian == "" {
		httpx.WriteError(w, r, h.log,
			domain.NewValidationError(domain.CodeInvalidRequest, "user_id and custodian are required"))
		return
	}

	session, err := h.links.StartLink(r.Context(), req.UserID, req.Custodian)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, session)
}

type linkExchangeRequest struct {
	UserID      string `json:"user_id"`
	Custodian   string `json:"custodian"`
	PublicToken string `json:"public_token"`
}

// HandleCompleteLink exchanges the public credential and creates the
// linked accounts.
// POST /api/portfolio/link/exchange
func (h *PortfolioHandlers) HandleCompleteLink(w http.ResponseWriter, r *http.Request) {
	var req linkExchangeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if req.UserID == "" || req.Custodian == "" {
		httpx.WriteError(w, r, h.log,
			domain.NewValidationError(domain.CodeInvalidRequest, "user_id and custodian are required"))
		return
	}

	result, err := h.links.CompleteLink(r.Context(), req.UserID, req.Custodian, req.PublicToken)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, result)
}

// HandleListAccounts lists the user's accounts.
// GET /api/portfolio/accounts?user_id=
func (h *PortfolioHandlers) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpx.WriteError(w, r, h.log,
			domain.NewValidationError(domain.CodeInvalidRequest, "user_id is required"))
		return
	}

	accounts, err := h.views.Accounts(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if accounts == nil {
		accounts = []portfolio.AccountView{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// HandleSummary returns the unified cross-custodian portfolio view.
// GET /api/portfolio/summary?user_id=
func (h *PortfolioHandlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpx.WriteError(w, r, h.log,
			domain.NewValidationError(domain.CodeInvalidRequest, "user_id is required"))
		return
	}

	summary, err := h.views.Summary(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, summary)
}

type reconcileRequest struct {
	UserID string `json:"user_id"`
}

// HandleReconcile launches an asynchronous sync pass and returns the task
// id. A pass already in flight for the user is reused.
// POST /api/reconcile
func (h *PortfolioHandlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	if req.UserID == "" {
		httpx.WriteError(w, r, h.log,
			domain.NewValidationError(domain.CodeInvalidRequest, "user_id is required"))
		return
	}

	taskID, coalesced, err := h.launcher.LaunchUserSync(req.UserID)
	if err != nil {
		httpx.WriteError(w, r, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id":   taskID,
		"coalesced": coalesced,
	})
}
