package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/agentbank-core/internal/domain"
)

// ErrorBody — единый формат отказа. Code стабилен, клиенты ветвятся по нему.
type ErrorBody struct {
	Code      domain.Code      `json:"code"`
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	Details   map[string]any   `json:"details,omitempty"`
	Retryable bool             `json:"retryable"`
}

// StatusFor выбирает HTTP-статус по классу ошибки.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindResource:
		return http.StatusUnprocessableEntity
	case domain.KindState, domain.KindConcurrency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		status := StatusFor(de.Kind)
		if status == http.StatusInternalServerError {
			logger.Error("integrity failure", zap.Error(err))
		}
		if de.Kind == domain.KindConcurrency {
			w.Header().Set("Retry-After", strconv.Itoa(1))
		}
		writeJSON(w, status, ErrorBody{
			Code:      de.Code,
			Kind:      de.Kind,
			Message:   de.Error(),
			Details:   de.Details,
			Retryable: de.Retryable(),
		})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorBody{Code: "NOT_FOUND", Kind: domain.KindValidation, Message: err.Error()})
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Code: "INTERNAL", Kind: domain.KindIntegrity, Message: "internal error"})
	}
}

// decode читает JSON-тело. Неизвестные поля отклоняются: опечатка в имени лимита не должна молча обнулить его.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{
			Code:    "INVALID_BODY",
			Kind:    domain.KindValidation,
			Message: "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}
