package xkv

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/dshills/pregel-go/pregel"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store, grounded on the teacher's
// store/sqlite.go: single-file database, WAL mode for concurrent reads,
// auto-migration on first use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed KV store at
// path, or ":memory:" for an ephemeral one.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("xkv: failed to open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("xkv: failed to set %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS kv_entries (
			namespace TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("xkv: failed to create kv_entries table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, namespace, key, value)
	if err != nil {
		return fmt.Errorf("xkv: put failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, pregel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("xkv: get failed: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("xkv: delete failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, namespace, prefix string, limit int) ([]Entry, error) {
	query := `SELECT key, value FROM kv_entries WHERE namespace = ? AND key LIKE ? ESCAPE '\' ORDER BY key`
	args := []any{namespace, escapeLike(prefix) + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("xkv: search failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("xkv: search scan failed: %w", err)
		}
		entries = append(entries, Entry{Namespace: namespace, Key: key, Value: value})
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM kv_entries ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("xkv: list namespaces failed: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("xkv: list namespaces scan failed: %w", err)
		}
		names = append(names, ns)
	}
	return names, rows.Err()
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// escapeLike escapes LIKE metacharacters so a raw key prefix can be used
// safely as a LIKE pattern.
func escapeLike(s string) string {
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			r = append(r, '\\')
		}
		r = append(r, s[i])
	}
	return string(r)
}
