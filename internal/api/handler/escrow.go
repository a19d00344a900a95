package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/api/service"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

type EscrowHandler struct {
	bank   *service.Bank
	logger *zap.Logger
}

func NewEscrowHandler(b *service.Bank, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{bank: b, logger: logger}
}

// POST /v1/escrows
func (h *EscrowHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateEscrowRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.bank.CreateEscrow(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GET /v1/escrows?status=FUNDED,DISPUTED
func (h *EscrowHandler) List(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.EscrowStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.EscrowStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	list, err := h.bank.ListEscrows(r.Context(), statuses...)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /v1/escrows/{id}
func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.bank.GetEscrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GET /v1/escrows/{id}/receipts
func (h *EscrowHandler) Receipts(w http.ResponseWriter, r *http.Request) {
	list, err := h.bank.EscrowReceipts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Transition обслуживает POST /v1/escrows/{id}/{action}, где action это fund, deliver, confirm, dispute, resolve.
func (h *EscrowHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req service.EscrowAction
	if !decode(w, r, &req) {
		return
	}
	res, err := h.bank.EscrowTransition(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "action"), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
