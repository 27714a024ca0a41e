package postgres

/*
Файл policy_repo.go отвечает за хранение и поставку правил (Policies) в self-hosted режиме.
Правило с agent_public_key = '*' глобальное; правило конкретного агента его перекрывает.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/hashed-guard/internal/domain"
)

// GlobalAgent - ключ глобальных правил.
const GlobalAgent = "*"

type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

// SyncPolicies возвращает эффективный набор правил агента: глобальные, затем перекрытые агентскими.
func (r *PolicyRepo) SyncPolicies(ctx context.Context, agentPublicKey string) (*domain.PolicySnapshot, error) {
	query := `
		SELECT tool_name, allowed, max_amount, metadata
		FROM policies
		WHERE agent_public_key = $1 OR agent_public_key = '*'
		ORDER BY (agent_public_key <> '*'), tool_name`

	rows, err := r.db.QueryContext(ctx, query, agentPublicKey)
	if err != nil {
		return nil, fmt.Errorf("postgres: query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	policies := make(map[string]domain.Rule)
	for rows.Next() {
		var (
			tool    string
			rule    domain.Rule
			ceiling sql.NullFloat64
			md      []byte
		)
		if err := rows.Scan(&tool, &rule.Allowed, &ceiling, &md); err != nil {
			return nil, fmt.Errorf("postgres: scan policy: %w", err)
		}
		if ceiling.Valid {
			rule.MaxAmount = domain.Float(ceiling.Float64)
		}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &rule.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: decode metadata of %s: %w", tool, err)
			}
		}
		policies[tool] = rule
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	return &domain.PolicySnapshot{
		Policies: policies,
		SyncedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// PushPolicy создает или обновляет правило. Пустой agentPublicKey - глобальное правило.
func (r *PolicyRepo) PushPolicy(ctx context.Context, agentPublicKey, tool string, rule domain.Rule) error {
	if agentPublicKey == "" {
		agentPublicKey = GlobalAgent
	}
	md, err := json.Marshal(orEmpty(rule.Metadata))
	if err != nil {
		return fmt.Errorf("postgres: encode metadata: %w", err)
	}
	var ceiling sql.NullFloat64
	if rule.MaxAmount != nil {
		ceiling = sql.NullFloat64{Float64: *rule.MaxAmount, Valid: true}
	}

	query := `
		INSERT INTO policies (agent_public_key, tool_name, allowed, max_amount, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_public_key, tool_name)
		DO UPDATE SET allowed = EXCLUDED.allowed, max_amount = EXCLUDED.max_amount,
		              metadata = EXCLUDED.metadata, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, agentPublicKey, tool, rule.Allowed, ceiling, md); err != nil {
		return fmt.Errorf("postgres: upsert policy %s: %w", tool, err)
	}
	return nil
}

// DeletePolicy удаляет правило.
func (r *PolicyRepo) DeletePolicy(ctx context.Context, agentPublicKey, tool string) error {
	if agentPublicKey == "" {
		agentPublicKey = GlobalAgent
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE agent_public_key = $1 AND tool_name = $2`, agentPublicKey, tool)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: %w: %s", domain.ErrPolicyNotFound, tool)
	}
	return nil
}
