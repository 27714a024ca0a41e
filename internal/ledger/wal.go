package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/hashed-guard/internal/domain"

	_ "modernc.org/sqlite" // Драйвер SQLite без cgo
)

// WAL - локальное durable хранилище событий до их доставки.
type WAL interface {
	// Init создает схему при отсутствии. Идемпотентен.
	Init(ctx context.Context) error
	// Insert фиксирует запись и возвращает ее id. Возврат означает, что строка закоммичена.
	Insert(ctx context.Context, e *domain.LedgerEntry) (int64, error)
	// Unsent - недоставленные записи в порядке вставки; limit <= 0 - все.
	Unsent(ctx context.Context, limit int) ([]domain.LedgerEntry, error)
	// Get - записи по id в порядке вставки; отсутствующие id пропускаются.
	Get(ctx context.Context, ids []int64) ([]domain.LedgerEntry, error)
	// Delete удаляет доставленные записи.
	Delete(ctx context.Context, ids []int64) error
	CountUnsent(ctx context.Context) (int, error)
	// DeadLetter переносит записи старше cutoff в таблицу wal_dead_letters.
	DeadLetter(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

const walSchema = `
CREATE TABLE IF NOT EXISTS wal_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT    NOT NULL,
	event_type TEXT    NOT NULL,
	data       TEXT    NOT NULL,
	metadata   TEXT    NOT NULL,
	timestamp  TEXT    NOT NULL,
	created_ns INTEGER NOT NULL,
	sent       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_wal_sent ON wal_entries(sent);
CREATE TABLE IF NOT EXISTS wal_dead_letters (
	id         INTEGER PRIMARY KEY,
	event_id   TEXT    NOT NULL,
	event_type TEXT    NOT NULL,
	data       TEXT    NOT NULL,
	metadata   TEXT    NOT NULL,
	timestamp  TEXT    NOT NULL,
	created_ns INTEGER NOT NULL,
	dead_at    TEXT    NOT NULL
);`

// SQLiteWAL - WAL поверх SQLite в режиме journal_mode=WAL.
// Одно соединение на процесс: SQLite и так сериализует запись, а так мы получаем
// single-writer без SQLITE_BUSY между логгером и воркером доставки.
type SQLiteWAL struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteWAL(path string) *SQLiteWAL {
	return &SQLiteWAL{path: path}
}

func (w *SQLiteWAL) Path() string { return w.path }

func (w *SQLiteWAL) conn() (*sql.DB, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, errors.New("wal: not initialised")
	}
	return w.db, nil
}

func (w *SQLiteWAL) Init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db != nil {
		return nil
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("wal: create dir: %w", err)
		}
	}

	dsn := w.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", w.path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, walSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("wal: migrate: %w", err)
	}
	w.db = db
	return nil
}

func (w *SQLiteWAL) Insert(ctx context.Context, e *domain.LedgerEntry) (int64, error) {
	db, err := w.conn()
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(nonNil(e.Data))
	if err != nil {
		return 0, fmt.Errorf("wal: encode data: %w", err)
	}
	md, err := json.Marshal(nonNil(e.Metadata))
	if err != nil {
		return 0, fmt.Errorf("wal: encode metadata: %w", err)
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO wal_entries (event_id, event_type, data, metadata, timestamp, created_ns, sent) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		e.EventID, e.EventType, string(data), string(md), e.Timestamp.UTC().Format(time.RFC3339Nano), e.Timestamp.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("wal: insert: %w", err)
	}
	return res.LastInsertId()
}

func (w *SQLiteWAL) Unsent(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	db, err := w.conn()
	if err != nil {
		return nil, err
	}
	q := `SELECT id, event_id, event_type, data, metadata, timestamp FROM wal_entries WHERE sent = 0 ORDER BY id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("wal: select unsent: %w", err)
	}
	return scanEntries(rows)
}

func (w *SQLiteWAL) Get(ctx context.Context, ids []int64) ([]domain.LedgerEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, err := w.conn()
	if err != nil {
		return nil, err
	}
	q := `SELECT id, event_id, event_type, data, metadata, timestamp FROM wal_entries WHERE sent = 0 AND id IN (` +
		placeholders(len(ids)) + `) ORDER BY id`
	rows, err := db.QueryContext(ctx, q, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("wal: select by id: %w", err)
	}
	return scanEntries(rows)
}

func (w *SQLiteWAL) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := w.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM wal_entries WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...); err != nil {
		return fmt.Errorf("wal: delete: %w", err)
	}
	return nil
}

func (w *SQLiteWAL) CountUnsent(ctx context.Context) (int, error) {
	db, err := w.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_entries WHERE sent = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("wal: count: %w", err)
	}
	return n, nil
}

// CountDeadLetters - сколько записей списано по возрасту.
func (w *SQLiteWAL) CountDeadLetters(ctx context.Context) (int, error) {
	db, err := w.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("wal: count dead letters: %w", err)
	}
	return n, nil
}

func (w *SQLiteWAL) DeadLetter(ctx context.Context, cutoff time.Time) (int, error) {
	db, err := w.conn()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wal_dead_letters (id, event_id, event_type, data, metadata, timestamp, created_ns, dead_at)
		 SELECT id, event_id, event_type, data, metadata, timestamp, created_ns, ? FROM wal_entries WHERE sent = 0 AND created_ns < ?`,
		time.Now().UTC().Format(time.RFC3339Nano), cutoff.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("wal: copy dead letters: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM wal_entries WHERE sent = 0 AND created_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("wal: delete dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("wal: commit: %w", err)
	}
	return int(n), nil
}

func (w *SQLiteWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}

func scanEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer func() { _ = rows.Close() }()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e            domain.LedgerEntry
			data, md, ts string
		)
		if err := rows.Scan(&e.WALID, &e.EventID, &e.EventType, &data, &md, &ts); err != nil {
			return nil, fmt.Errorf("wal: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("wal: decode data of row %d: %w", e.WALID, err)
		}
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return nil, fmt.Errorf("wal: decode metadata of row %d: %w", e.WALID, err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("wal: decode timestamp of row %d: %w", e.WALID, err)
		}
		e.Timestamp = t
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
