package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/api/service"
	"github.com/xela07ax/agentbank-core/internal/proposer"
)

type CommitmentHandler struct {
	bank   *service.Bank
	logger *zap.Logger
}

func NewCommitmentHandler(b *service.Bank, logger *zap.Logger) *CommitmentHandler {
	return &CommitmentHandler{bank: b, logger: logger}
}

// Create проводит намерение через Commitment Gate.
// POST /v1/commitments
func (h *CommitmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CommitRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.bank.Commit(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Get: повторное чтение результата по ключу идемпотентности.
// GET /v1/commitments/{sender}/{intentID}
func (h *CommitmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.bank.Commitment(r.Context(), chi.URLParam(r, "sender"), chi.URLParam(r, "intentID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Receipts: цепочка квитанций агента.
// GET /v1/agents/{id}/receipts
func (h *CommitmentHandler) Receipts(w http.ResponseWriter, r *http.Request) {
	list, err := h.bank.AgentReceipts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Propose: совещательное намерение от reasoning-сервиса.
// POST /v1/intents/propose
func (h *CommitmentHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var ac proposer.AgentContext
	if !decode(w, r, &ac) {
		return
	}
	p, err := h.bank.ProposeIntent(r.Context(), ac)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
