package checkpoint

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cartograph/cartograph/pkg/types"
)

const createPostgresTableSQL = `
CREATE TABLE IF NOT EXISTS cartograph_checkpoints (
    group_name   TEXT        NOT NULL,
    partition_id INTEGER     NOT NULL,
    last_offset  BIGINT      NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (group_name, partition_id)
)`

const pgLoadSQL = `SELECT partition_id, last_offset FROM cartograph_checkpoints WHERE group_name = $1`

const pgGroupsSQL = `SELECT DISTINCT group_name FROM cartograph_checkpoints ORDER BY group_name`

const pgSaveSQL = `
INSERT INTO cartograph_checkpoints (group_name, partition_id, last_offset, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (group_name, partition_id) DO UPDATE SET
    last_offset = GREATEST(cartograph_checkpoints.last_offset, EXCLUDED.last_offset),
    updated_at = now()`

const pgResetSQL = `
INSERT INTO cartograph_checkpoints (group_name, partition_id, last_offset, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (group_name, partition_id) DO UPDATE SET
    last_offset = EXCLUDED.last_offset,
    updated_at = now()`

// PostgresStore stores checkpoints in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the checkpoint table.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: postgres unreachable: %w", err)
	}
	if _, err := pool.Exec(ctx, createPostgresTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: failed to initialize schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, group string) (types.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, pgLoadSQL, group)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to load %s: %w", group, err)
	}
	defer rows.Close()

	cp := make(types.Checkpoint)
	for rows.Next() {
		var (
			p   int32
			off int64
		)
		if err := rows.Scan(&p, &off); err != nil {
			return nil, fmt.Errorf("checkpoint: failed to scan row: %w", err)
		}
		cp[int(p)] = uint64(off)
	}
	return cp, rows.Err()
}

// Groups implements GroupLister.
func (s *PostgresStore) Groups(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, pgGroupsSQL)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to list groups: %w", err)
	}
	groups, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to scan groups: %w", err)
	}
	return groups, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, group string, cp types.Checkpoint) error {
	return s.write(ctx, pgSaveSQL, group, cp)
}

// Reset implements Store.
func (s *PostgresStore) Reset(ctx context.Context, group string, partition int, offset uint64) error {
	return s.write(ctx, pgResetSQL, group, types.Checkpoint{partition: offset})
}

func (s *PostgresStore) write(ctx context.Context, stmt, group string, cp types.Checkpoint) error {
	batch := &pgx.Batch{}
	for _, p := range cp.Partitions() {
		off := cp[p]
		if off > math.MaxInt64 {
			return fmt.Errorf("checkpoint: offset %d out of range", off)
		}
		batch.Queue(stmt, group, int32(p), int64(off))
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("checkpoint: failed to write %s: %w", group, err)
		}
		return nil
	})
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
