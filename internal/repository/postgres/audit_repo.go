package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/hashed-guard/internal/domain"
)

// AuditRepo доставляет батчи леджера прямо в audit_logs.
type AuditRepo struct {
	db       *sql.DB
	agentKey string
}

func NewAuditRepo(db *sql.DB, agentPublicKey string) *AuditRepo {
	return &AuditRepo{db: db, agentKey: agentPublicKey}
}

// ShipBatch вставляет батч одним запросом. Повторная доставка того же event_id
// игнорируется, поэтому at-least-once из WAL не плодит дубликаты.
func (r *AuditRepo) ShipBatch(ctx context.Context, entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// Количество колонок в вставке
	const numFields = 6
	var sb strings.Builder
	vals := make([]any, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * numFields
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6)

		data, err := json.Marshal(orEmpty(e.Data))
		if err != nil {
			return fmt.Errorf("postgres: encode data of %s: %w", e.EventID, err)
		}
		md, err := json.Marshal(orEmpty(e.Metadata))
		if err != nil {
			return fmt.Errorf("postgres: encode metadata of %s: %w", e.EventID, err)
		}

		vals = append(vals, e.EventID, e.EventType, r.agentKey, data, md, e.Timestamp)
	}

	query := "INSERT INTO audit_logs (event_id, event_type, agent_public_key, data, metadata, timestamp) VALUES " +
		sb.String() + " ON CONFLICT (event_id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: insert audit batch: %w", err)
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
