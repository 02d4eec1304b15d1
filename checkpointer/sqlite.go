package checkpointer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dshills/pregel-go/pregel"
	_ "modernc.org/sqlite"
)

// SQLiteSaver is a SQLite-backed Saver, grounded on the teacher's
// store/sqlite.go: single-file database, WAL mode, auto-migrated schema.
// Each checkpoint is stored as one row holding its full JSON encoding plus
// the columns needed to query by thread/namespace/id without decoding.
type SQLiteSaver struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

func NewSQLiteSaver(path string) (*SQLiteSaver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpointer: failed to open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("checkpointer: failed to set %q: %w", pragma, err)
		}
	}

	s := &SQLiteSaver{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSaver) createTables(ctx context.Context) error {
	const checkpoints = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id     TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL,
			id            TEXT NOT NULL,
			data          TEXT NOT NULL,
			UNIQUE(thread_id, checkpoint_ns, id)
		)
	`
	const writes = `
		CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id     TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id       TEXT NOT NULL,
			channel       TEXT NOT NULL,
			value         BLOB NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, channel)
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpoints); err != nil {
		return fmt.Errorf("checkpointer: failed to create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, checkpoint_ns, seq)"); err != nil {
		return fmt.Errorf("checkpointer: failed to create checkpoints index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, writes); err != nil {
		return fmt.Errorf("checkpointer: failed to create pending_writes table: %w", err)
	}
	return nil
}

func (s *SQLiteSaver) GetTuple(ctx context.Context, threadID, checkpointNS, checkpointID string) (Tuple, error) {
	var (
		query string
		args  []any
	)
	if checkpointID == "" {
		query = `SELECT id, data FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY seq DESC LIMIT 1`
		args = []any{threadID, checkpointNS}
	} else {
		query = `SELECT id, data FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND id = ?`
		args = []any{threadID, checkpointNS, checkpointID}
	}

	var id, data string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id, &data); err != nil {
		if err == sql.ErrNoRows {
			return Tuple{}, pregel.ErrNotFound
		}
		return Tuple{}, fmt.Errorf("checkpointer: get tuple failed: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return Tuple{}, pregel.ErrSerialization
	}

	parentID, err := s.parentOf(ctx, threadID, checkpointNS, id)
	if err != nil {
		return Tuple{}, err
	}
	writes, err := s.loadWrites(ctx, threadID, checkpointNS, id)
	if err != nil {
		return Tuple{}, err
	}
	return Tuple{Checkpoint: cp, ParentID: parentID, PendingWrites: writes}, nil
}

func (s *SQLiteSaver) parentOf(ctx context.Context, threadID, checkpointNS, id string) (string, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT seq FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND id = ?`, threadID, checkpointNS, id).Scan(&seq); err != nil {
		return "", nil
	}
	var parentID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND seq < ? ORDER BY seq DESC LIMIT 1`, threadID, checkpointNS, seq).Scan(&parentID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpointer: parent lookup failed: %w", err)
	}
	return parentID, nil
}

func (s *SQLiteSaver) loadWrites(ctx context.Context, threadID, checkpointNS, checkpointID string) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, channel, value FROM pending_writes WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpointer: load writes failed: %w", err)
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var w PendingWrite
		if err := rows.Scan(&w.TaskID, &w.Channel, &w.Value); err != nil {
			return nil, fmt.Errorf("checkpointer: scan write failed: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteSaver) List(ctx context.Context, threadID, checkpointNS string, filter ListFilter) ([]Tuple, error) {
	query := `SELECT id, data FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []any{threadID, checkpointNS}
	if filter.Before != "" {
		query += ` AND id < ?`
		args = append(args, filter.Before)
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpointer: list failed: %w", err)
	}
	defer rows.Close()

	var result []Tuple
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("checkpointer: list scan failed: %w", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(data), &cp); err != nil {
			return nil, pregel.ErrSerialization
		}
		if !matchesMetadata(cp.Metadata, filter.Metadata) {
			continue
		}
		parentID, err := s.parentOf(ctx, threadID, checkpointNS, id)
		if err != nil {
			return nil, err
		}
		result = append(result, Tuple{Checkpoint: cp, ParentID: parentID})
	}
	return result, rows.Err()
}

func (s *SQLiteSaver) Put(ctx context.Context, cp Checkpoint) (string, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return "", pregel.ErrSerialization
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_ns, id, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, id) DO NOTHING
	`, cp.ThreadID, cp.CheckpointNS, cp.ID, string(data))
	if err != nil {
		return "", fmt.Errorf("checkpointer: put failed: %w", err)
	}
	return cp.ID, nil
}

func (s *SQLiteSaver) PutWrites(ctx context.Context, threadID, checkpointNS, checkpointID string, writes []PendingWrite) error {
	for _, w := range writes {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, channel, value) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, channel) DO UPDATE SET value = excluded.value
		`, threadID, checkpointNS, checkpointID, w.TaskID, w.Channel, w.Value)
		if err != nil {
			return fmt.Errorf("checkpointer: put writes failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSaver) NextVersion(_ context.Context, _, _ string, current uint64) (uint64, error) {
	return current + 1, nil
}

// Close releases the underlying database connection.
func (s *SQLiteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
