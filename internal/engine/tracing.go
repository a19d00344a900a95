package engine

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// TraceHeader связывает запрос агента, решение Gate и запись журнала.
const TraceHeader = "X-Trace-ID"

const maxTraceIDLen = 128

type traceKey struct{}

// TracingMiddleware берет trace-id вызывающего или выдает новый и возвращает его в ответе.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		// Чужой ID попадает в журнал как есть, поэтому мусор длиной в мегабайт не принимаем
		if traceID == "" || len(traceID) > maxTraceIDLen {
			traceID = uuid.NewString()
		}
		w.Header().Set(TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFrom: пустая строка для вызовов вне HTTP (sweeper, тесты).
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
