package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cartograph/cartograph/pkg/types"
)

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    group_name   TEXT NOT NULL,
    partition_id INTEGER NOT NULL,
    last_offset  INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (group_name, partition_id)
)`

const loadCheckpointSQL = `SELECT partition_id, last_offset FROM checkpoints WHERE group_name = ?`

const listGroupsSQL = `SELECT DISTINCT group_name FROM checkpoints ORDER BY group_name`

// offset only moves forward through Save
const saveCheckpointSQL = `
INSERT INTO checkpoints (group_name, partition_id, last_offset, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (group_name, partition_id) DO UPDATE SET
    last_offset = MAX(last_offset, excluded.last_offset),
    updated_at = excluded.updated_at`

const resetCheckpointSQL = `
INSERT INTO checkpoints (group_name, partition_id, last_offset, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (group_name, partition_id) DO UPDATE SET
    last_offset = excluded.last_offset,
    updated_at = excluded.updated_at`

// SQLiteStore stores checkpoints in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the checkpoint database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCheckpointsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, group string) (types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, loadCheckpointSQL, group)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to load %s: %w", group, err)
	}
	defer rows.Close()

	cp := make(types.Checkpoint)
	for rows.Next() {
		var (
			p   int
			off int64
		)
		if err := rows.Scan(&p, &off); err != nil {
			return nil, fmt.Errorf("checkpoint: failed to scan row: %w", err)
		}
		cp[p] = uint64(off)
	}
	return cp, rows.Err()
}

// Groups implements GroupLister.
func (s *SQLiteStore) Groups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listGroupsSQL)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("checkpoint: failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, group string, cp types.Checkpoint) error {
	return s.write(ctx, saveCheckpointSQL, group, cp)
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context, group string, partition int, offset uint64) error {
	return s.write(ctx, resetCheckpointSQL, group, types.Checkpoint{partition: offset})
}

func (s *SQLiteStore) write(ctx context.Context, stmt, group string, cp types.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, p := range cp.Partitions() {
		off := cp[p]
		if off > math.MaxInt64 {
			return fmt.Errorf("checkpoint: offset %d out of range", off)
		}
		if _, err := tx.ExecContext(ctx, stmt, group, p, int64(off), now); err != nil {
			return fmt.Errorf("checkpoint: failed to write partition %d: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: failed to commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
