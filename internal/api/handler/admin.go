package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/api/service"
)

// AdminHandler — control plane: kill-switch, отзыв разрешений, эмиссия.
type AdminHandler struct {
	bank   *service.Bank
	logger *zap.Logger
}

func NewAdminHandler(b *service.Bank, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{bank: b, logger: logger}
}

// controlReason читает необязательное тело {"reason": "..."}.
func controlReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req service.ControlRequest
	if r.Body == nil || r.ContentLength == 0 {
		return "", true
	}
	if !decode(w, r, &req) {
		return "", false
	}
	return req.Reason, true
}

func (h *AdminHandler) toggle(apply func(r *http.Request, id string, on bool, reason string) error, on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reason, ok := controlReason(w, r)
		if !ok {
			return
		}
		if err := apply(r, chi.URLParam(r, "id"), on, reason); err != nil {
			writeError(w, h.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /v1/admin/agents/{id}/freeze
func (h *AdminHandler) Freeze() http.HandlerFunc { return h.toggle(h.setFrozen, true) }

// POST /v1/admin/agents/{id}/unfreeze
func (h *AdminHandler) Unfreeze() http.HandlerFunc { return h.toggle(h.setFrozen, false) }

// POST /v1/admin/permits/{id}/revoke
func (h *AdminHandler) Revoke() http.HandlerFunc { return h.toggle(h.setRevoked, true) }

// POST /v1/admin/permits/{id}/reinstate
func (h *AdminHandler) Reinstate() http.HandlerFunc { return h.toggle(h.setRevoked, false) }

func (h *AdminHandler) setFrozen(r *http.Request, id string, on bool, reason string) error {
	return h.bank.SetAgentFrozen(r.Context(), id, on, reason)
}

func (h *AdminHandler) setRevoked(r *http.Request, id string, on bool, reason string) error {
	return h.bank.SetPermitRevoked(r.Context(), id, on, reason)
}

// POST /v1/admin/mint
func (h *AdminHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req service.SupplyRequest
	if !decode(w, r, &req) {
		return
	}
	rcpt, err := h.bank.Mint(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcpt)
}

// POST /v1/admin/burn
func (h *AdminHandler) Burn(w http.ResponseWriter, r *http.Request) {
	var req service.SupplyRequest
	if !decode(w, r, &req) {
		return
	}
	rcpt, err := h.bank.Burn(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcpt)
}

// POST /v1/admin/issuer/halt и /resume
func (h *AdminHandler) SetHalted(halted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reason, ok := controlReason(w, r)
		if !ok {
			return
		}
		st, err := h.bank.SetIssuerHalted(r.Context(), halted, reason)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// POST /v1/admin/issuer/attest
func (h *AdminHandler) Attest(w http.ResponseWriter, r *http.Request) {
	var req service.AttestRequest
	if !decode(w, r, &req) {
		return
	}
	att, err := h.bank.Attest(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// GET /v1/issuer
func (h *AdminHandler) IssuerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.bank.IssuerStatus(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /v1/issuer/receipts
func (h *AdminHandler) IssuerReceipts(w http.ResponseWriter, r *http.Request) {
	list, err := h.bank.IssuerReceipts(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
