package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/hashed-guard/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator - проверка токена шлюза. Получает токен уже без схемы "Bearer".
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.GatewayClaims, error)
}

type ctxKey struct{}

// ClaimsFromContext достает клеймы, положенные middleware.
func ClaimsFromContext(ctx context.Context) (*domain.GatewayClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*domain.GatewayClaims)
	return c, ok
}

// NewMiddleware пускает дальше только запросы с валидным Bearer-токеном.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r.Header.Get("Authorization"))
			if err == nil {
				var claims *domain.GatewayClaims
				if claims, err = v.VerifyToken(token); err == nil {
					logger.Debug("gateway token accepted", zap.String("operator", claims.Operator))
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
					return
				}
			}

			logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="hashed-guard"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
