package domain

import "time"

// SignedPayload - данные, подписанные агентом поверх канонического JSON.
// Проверяется без приватного ключа: достаточно Data, Signature и PublicKey.
type SignedPayload struct {
	Data      any       `json:"data"`
	Signature string    `json:"signature"`
	PublicKey string    `json:"public_key"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentRegistration - тело регистрации агента в control plane.
type AgentRegistration struct {
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	AgentType   string `json:"agent_type"`
	Description string `json:"description,omitempty"`
}

// PolicySnapshot - ответ /v1/policies/sync.
type PolicySnapshot struct {
	Agent    map[string]any  `json:"agent,omitempty"`
	Policies map[string]Rule `json:"policies"`
	SyncedAt string          `json:"synced_at,omitempty"`
}
