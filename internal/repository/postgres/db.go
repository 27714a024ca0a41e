// Package postgres - self-hosted режим: аудит и политики лежат прямо в PostgreSQL,
// без HTTP control plane.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// Open открывает пул через pgx/stdlib и проверяет соединение.
func Open(ctx context.Context, connString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	event_id         UUID PRIMARY KEY,
	event_type       TEXT        NOT NULL,
	agent_public_key TEXT        NOT NULL DEFAULT '',
	data             JSONB       NOT NULL,
	metadata         JSONB       NOT NULL,
	timestamp        TIMESTAMPTZ NOT NULL,
	received_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS policies (
	agent_public_key TEXT    NOT NULL DEFAULT '*',
	tool_name        TEXT    NOT NULL,
	allowed          BOOLEAN NOT NULL DEFAULT TRUE,
	max_amount       DOUBLE PRECISION,
	metadata         JSONB   NOT NULL DEFAULT '{}',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (agent_public_key, tool_name)
);
CREATE TABLE IF NOT EXISTS agents (
	public_key  TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	agent_type  TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Migrate создает таблицы, если их нет.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
