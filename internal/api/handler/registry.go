package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/api/service"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

// RegistryHandler — идентичности, бюджеты и разрешения.
type RegistryHandler struct {
	bank   *service.Bank
	logger *zap.Logger
}

func NewRegistryHandler(b *service.Bank, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{bank: b, logger: logger}
}

// POST /v1/identities
func (h *RegistryHandler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterIdentityRequest
	if !decode(w, r, &req) {
		return
	}
	ident, err := h.bank.RegisterIdentity(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ident)
}

// GET /v1/identities/{id}
func (h *RegistryHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	ident, err := h.bank.GetIdentity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

// POST /v1/budgets
func (h *RegistryHandler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var b domain.Budget
	if !decode(w, r, &b) {
		return
	}
	created, err := h.bank.CreateBudget(r.Context(), &b)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GET /v1/budgets/{id}
func (h *RegistryHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := h.bank.GetBudget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// POST /v1/permits
func (h *RegistryHandler) RegisterPermit(w http.ResponseWriter, r *http.Request) {
	var p domain.Permit
	if !decode(w, r, &p) {
		return
	}
	created, err := h.bank.RegisterPermit(r.Context(), &p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GET /v1/permits/{id}
func (h *RegistryHandler) GetPermit(w http.ResponseWriter, r *http.Request) {
	p, err := h.bank.GetPermit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
