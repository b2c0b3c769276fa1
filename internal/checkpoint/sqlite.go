package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id  TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	node_name     TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	snapshot      BLOB NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
	ON checkpoints (thread_id, created_at);
`

// SQLiteStore persists checkpoints in a SQLite database. The schema is
// created lazily on first connection. Insertion order is preserved through
// rowid, so GetLatest is stable even when created_at timestamps collide.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema. Pass ":memory:" for an ephemeral database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("checkpoint: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open database: %w", err)
	}

	// busy_timeout first so later statements wait on locks instead of failing.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("checkpoint: set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: init schema: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Put atomically inserts or replaces the snapshot for
// (thread_id, checkpoint_id).
func (s *SQLiteStore) Put(ctx context.Context, snap Snapshot) error {
	if snap.ThreadID == "" || snap.CheckpointID == "" {
		return fmt.Errorf("checkpoint: thread_id and checkpoint_id are required")
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: serialize snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (thread_id) VALUES (?)`, snap.ThreadID); err != nil {
		return fmt.Errorf("checkpoint: upsert thread: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (thread_id, checkpoint_id, node_name, created_at, snapshot)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.ThreadID, snap.CheckpointID, snap.NodeName, snap.CreatedAt.UTC(), blob); err != nil {
		return fmt.Errorf("checkpoint: write snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: commit: %w", err)
	}
	return nil
}

// GetLatest returns the most recently inserted snapshot for the thread.
func (s *SQLiteStore) GetLatest(ctx context.Context, threadID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE thread_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, threadID)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("checkpoint: read latest: %w", err)
	}
	return decode(blob)
}

// List returns all snapshots for the thread in chronological order.
func (s *SQLiteStore) List(ctx context.Context, threadID string) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE thread_id = ?
		 ORDER BY created_at ASC, rowid ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("checkpoint: scan snapshot: %w", err)
		}
		snap, err := decode(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
