package domain

import "github.com/golang-jwt/jwt/v5"

// GatewayClaims - клеймы RS256-токена, выданного оператором для доступа к HTTP-шлюзу инструментов.
type GatewayClaims struct {
	Operator string          `json:"operator"`
	Scopes   map[string]bool `json:"scopes"` // "tools:*": true или "transfer": true
	jwt.RegisteredClaims
}

// Allows проверяет scope на конкретный инструмент.
func (c *GatewayClaims) Allows(tool string) bool {
	if c == nil {
		return false
	}
	return c.Scopes["tools:*"] || c.Scopes[tool]
}
