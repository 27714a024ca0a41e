package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xela07ax/hashed-guard/internal/domain"
)

// Статусы агента в таблице agents.
const (
	AgentActive  = "active"
	AgentBlocked = "blocked"
)

type AgentRepo struct {
	db *sql.DB
}

func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

// RegisterAgent регистрирует агента. created=false, если ключ уже известен.
func (r *AgentRepo) RegisterAgent(ctx context.Context, reg domain.AgentRegistration) (bool, error) {
	query := `
		INSERT INTO agents (public_key, name, agent_type, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (public_key) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, reg.PublicKey, reg.Name, reg.AgentType, reg.Description)
	if err != nil {
		return false, fmt.Errorf("postgres: register agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: register agent: %w", err)
	}
	return n > 0, nil
}

// UpdateStatus меняет статус агента (например, для kill switch).
func (r *AgentRepo) UpdateStatus(ctx context.Context, publicKey, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET status = $1 WHERE public_key = $2`, status, publicKey)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: agent %s not found", publicKey)
	}
	return nil
}

// BlockedAgents возвращает ключи заблокированных агентов для прогрева kill switch при старте.
func (r *AgentRepo) BlockedAgents(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT public_key FROM agents WHERE status = $1`, AgentBlocked)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch blocked agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Инициализируем слайс, чтобы избежать возврата nil
	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres: scan agent key error: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return keys, nil
}
