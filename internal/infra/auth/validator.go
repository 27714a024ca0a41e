package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/hashed-guard/internal/domain"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrNoOperator   = errors.New("token names no operator")
)

// ScopeError - токен валиден, но его scopes не покрывают инструмент.
type ScopeError struct {
	Operator string
	Tool     string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("token scope of operator %q does not allow tool %s", e.Operator, e.Tool)
}

// RSAValidator проверяет токены шлюза: только RS256, exp обязателен, operator непустой.
type RSAValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// Option настраивает проверку клеймов.
type Option func(*[]jwt.ParserOption)

// WithIssuer требует совпадения iss.
func WithIssuer(iss string) Option {
	return func(o *[]jwt.ParserOption) {
		if iss != "" {
			*o = append(*o, jwt.WithIssuer(iss))
		}
	}
}

// WithLeeway - допуск на расхождение часов оператора и агента.
func WithLeeway(d time.Duration) Option {
	return func(o *[]jwt.ParserOption) { *o = append(*o, jwt.WithLeeway(d)) }
}

func NewRSAValidator(pubKey *rsa.PublicKey, opts ...Option) *RSAValidator {
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	for _, opt := range opts {
		opt(&popts)
	}
	return &RSAValidator{publicKey: pubKey, parser: jwt.NewParser(popts...)}
}

// VerifyToken реализует TokenValidator. Принимает голый токен, без схемы.
func (v *RSAValidator) VerifyToken(tokenStr string) (*domain.GatewayClaims, error) {
	claims := &domain.GatewayClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if strings.TrimSpace(claims.Operator) == "" {
		return nil, ErrNoOperator
	}
	return claims, nil
}

// BearerToken достает токен из заголовка Authorization. Схема сравнивается без учета регистра.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Authorize проверяет, что клеймы из контекста разрешают вызов tool.
func Authorize(ctx context.Context, tool string) (*domain.GatewayClaims, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return nil, ErrMissingToken
	}
	if !claims.Allows(tool) {
		return claims, &ScopeError{Operator: claims.Operator, Tool: tool}
	}
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
