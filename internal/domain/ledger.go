package domain

import "time"

// Суффиксы типов событий аудита: "{operation}.success" и т.д.
const (
	OutcomeSuccess          = "success"
	OutcomePermissionDenied = "permission_denied"
	OutcomeError            = "error"
)

// EventType строит тип события для операции.
func EventType(operation, outcome string) string {
	return operation + "." + outcome
}

// LedgerEntry - одно событие аудита. WALID проставляется после записи в WAL
// и никогда не уходит в сеть.
type LedgerEntry struct {
	WALID     int64          `json:"-"`
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}
