package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/api/service"
	"github.com/xela07ax/agentbank-core/internal/domain"
)

type ReceiptHandler struct {
	bank   *service.Bank
	logger *zap.Logger
}

func NewReceiptHandler(b *service.Bank, logger *zap.Logger) *ReceiptHandler {
	return &ReceiptHandler{bank: b, logger: logger}
}

type verifyRequest struct {
	Receipts []domain.Receipt `json:"receipts"`
}

// Verify проверяет квитанции тем же кодом, что и receiptctl. Результат: отчет, а не ошибка запроса.
// POST /v1/receipts/verify
func (h *ReceiptHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Receipts) == 0 {
		writeError(w, h.logger, domain.NewError(domain.CodeReceiptInvalid, "no receipts to verify"))
		return
	}
	writeJSON(w, http.StatusOK, h.bank.VerifyReceipts(req.Receipts))
}
