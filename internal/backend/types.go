package backend

import (
	"time"

	"github.com/xela07ax/hashed-guard/internal/domain"
)

// GuardRequest - живая проверка операции в control plane (POST /guard).
type GuardRequest struct {
	Operation      string         `json:"operation"`
	AgentPublicKey string         `json:"agent_public_key"`
	Signature      string         `json:"signature"`
	Data           map[string]any `json:"data"`
}

// GuardResponse - решение control plane.
type GuardResponse struct {
	Allowed bool           `json:"allowed"`
	Policy  map[string]any `json:"policy,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Статусы одиночного лога.
const (
	StatusSuccess = "success"
	StatusDenied  = "denied"
)

// LogRequest - одиночное событие (POST /log).
type LogRequest struct {
	Operation      string         `json:"operation"`
	AgentPublicKey string         `json:"agent_public_key"`
	Status         string         `json:"status"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// BatchRequest - пачка событий леджера (POST /v1/logs/batch). WALID не сериализуется.
type BatchRequest struct {
	Logs           []domain.LedgerEntry `json:"logs"`
	BatchSize      int                  `json:"batch_size"`
	Timestamp      time.Time            `json:"timestamp"`
	AgentPublicKey string               `json:"agent_public_key,omitempty"`
}

// PolicyUpsert - правило для POST /v1/policies. Пустой AgentPublicKey означает глобальное правило.
type PolicyUpsert struct {
	ToolName       string         `json:"tool_name"`
	Allowed        bool           `json:"allowed"`
	MaxAmount      *float64       `json:"max_amount"`
	AgentPublicKey string         `json:"agent_public_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AgentInfo - агент, зарегистрированный в control plane.
type AgentInfo struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	AgentType   string `json:"agent_type,omitempty"`
	Description string `json:"description,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}
