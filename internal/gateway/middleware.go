package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/xela07ax/hashed-guard/internal/guard"
	"go.uber.org/zap"
)

// TraceHeader - заголовок сквозного trace id.
const TraceHeader = "X-Trace-ID"

// Tracing берет X-Trace-ID из запроса или генерирует новый и кладет его в контекст guard.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		// Клиент тоже должен знать ID своего запроса
		w.Header().Set(TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(guard.WithTraceID(r.Context(), traceID)))
	})
}

// RequestLogger - access log через zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("trace_id", guard.TraceID(r.Context())),
			)
		})
	}
}
