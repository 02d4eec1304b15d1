package checkpointer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/dshills/pregel-go/pregel"
)

// MySQLSaver is a MySQL-backed Saver, grounded on the teacher's
// store/mysql.go: DSN-driven connection pool, auto-migrated schema. Row
// shape mirrors SQLiteSaver — one JSON-blob-per-checkpoint row, a separate
// upsert-keyed pending-writes table — since the durability requirements
// are identical across both SQL backends and only the dialect differs.
type MySQLSaver struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLSaver opens a connection pool against dsn (a go-sql-driver/mysql
// DSN, e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true").
func NewMySQLSaver(dsn string) (*MySQLSaver, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpointer: failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpointer: failed to ping mysql: %w", err)
	}

	s := &MySQLSaver{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLSaver) createTables(ctx context.Context) error {
	const checkpoints = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			seq           BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id     VARCHAR(255) NOT NULL,
			checkpoint_ns VARCHAR(255) NOT NULL,
			id            VARCHAR(255) NOT NULL,
			data          LONGTEXT NOT NULL,
			UNIQUE KEY uniq_checkpoint (thread_id, checkpoint_ns, id),
			KEY idx_thread (thread_id, checkpoint_ns, seq)
		) ENGINE=InnoDB
	`
	const writes = `
		CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id     VARCHAR(255) NOT NULL,
			checkpoint_ns VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			task_id       VARCHAR(255) NOT NULL,
			channel       VARCHAR(255) NOT NULL,
			value         LONGBLOB NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, channel)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, checkpoints); err != nil {
		return fmt.Errorf("checkpointer: failed to create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, writes); err != nil {
		return fmt.Errorf("checkpointer: failed to create pending_writes table: %w", err)
	}
	return nil
}

func (s *MySQLSaver) GetTuple(ctx context.Context, threadID, checkpointNS, checkpointID string) (Tuple, error) {
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

func (s *MySQLSaver) parentOf(ctx context.Context, threadID, checkpointNS, id string) (string, error) {
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

func (s *MySQLSaver) loadWrites(ctx context.Context, threadID, checkpointNS, checkpointID string) ([]PendingWrite, error) {
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

func (s *MySQLSaver) List(ctx context.Context, threadID, checkpointNS string, filter ListFilter) ([]Tuple, error) {
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

func (s *MySQLSaver) Put(ctx context.Context, cp Checkpoint) (string, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return "", pregel.ErrSerialization
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_ns, id, data) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, cp.ThreadID, cp.CheckpointNS, cp.ID, string(data))
	if err != nil {
		return "", fmt.Errorf("checkpointer: put failed: %w", err)
	}
	return cp.ID, nil
}

func (s *MySQLSaver) PutWrites(ctx context.Context, threadID, checkpointNS, checkpointID string, writes []PendingWrite) error {
	for _, w := range writes {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, channel, value) VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value)
		`, threadID, checkpointNS, checkpointID, w.TaskID, w.Channel, w.Value)
		if err != nil {
			return fmt.Errorf("checkpointer: put writes failed: %w", err)
		}
	}
	return nil
}

func (s *MySQLSaver) NextVersion(_ context.Context, _, _ string, current uint64) (uint64, error) {
	return current + 1, nil
}

// Close releases the underlying connection pool.
func (s *MySQLSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
