package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/api/service"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

type AccountHandler struct {
	bank     *service.Bank
	decimals int32
	logger   *zap.Logger
}

func NewAccountHandler(b *service.Bank, decimals int32, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{bank: b, decimals: decimals, logger: logger}
}

func accountKey(r *http.Request) (string, domain.AssetID) {
	return chi.URLParam(r, "owner"), domain.AssetID(chi.URLParam(r, "asset"))
}

// GET /v1/accounts/{owner}/{asset}
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, asset := accountKey(r)
	view, err := h.bank.Account(r.Context(), owner, asset, h.decimals)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /v1/accounts/{owner}/{asset}/entries
func (h *AccountHandler) Entries(w http.ResponseWriter, r *http.Request) {
	owner, asset := accountKey(r)
	entries, err := h.bank.Entries(r.Context(), owner, asset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /v1/accounts/{owner}/{asset}/verify
func (h *AccountHandler) Verify(w http.ResponseWriter, r *http.Request) {
	owner, asset := accountKey(r)
	report, err := h.bank.VerifyAccount(r.Context(), owner, asset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /v1/supply
func (h *AccountHandler) Supply(w http.ResponseWriter, r *http.Request) {
	view, err := h.bank.Supply(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
