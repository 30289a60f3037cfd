package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/cartograph/cartograph/internal/codec"
	perrors "github.com/cartograph/cartograph/internal/errors"
	"github.com/cartograph/cartograph/pkg/types"
)

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates the graph database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Single writer with WAL mode; IMMEDIATE transactions take the write
	// lock up front so busy errors surface at BEGIN.
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("graph: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(CreateNodesTableSQL); err != nil {
		return err
	}
	for _, stmt := range CreateNodesIndexesSQL {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ApplyBatch implements Store.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, b *Batch) (Result, error) {
	var res Result

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, classify("begin transaction", err)
	}
	defer tx.Rollback()

	typeStmt, err := tx.PrepareContext(ctx, selectTypeSQL)
	if err != nil {
		return res, classify("prepare type lookup", err)
	}
	defer typeStmt.Close()

	upsertStmt, err := tx.PrepareContext(ctx, upsertNodeSQL)
	if err != nil {
		return res, classify("prepare upsert", err)
	}
	defer upsertStmt.Close()

	now := time.Now().UnixNano()
	for _, u := range b.Upserts {
		if u.Sequence > math.MaxInt64 {
			return Result{}, perrors.NewRecordRejected(u.EntityKey, "sequence exceeds store range")
		}
		attrs, err := codec.MarshalAttributes(u.Attributes)
		if err != nil {
			return Result{}, perrors.NewRecordRejected(u.EntityKey, fmt.Sprintf("attributes not encodable: %v", err))
		}

		var existing string
		err = typeStmt.QueryRowContext(ctx, u.EntityKey).Scan(&existing)
		switch {
		case err == nil:
			if existing != string(u.EntityType) {
				return Result{}, perrors.NewRecordRejected(u.EntityKey,
					fmt.Sprintf("entity type conflict: stored %s, incoming %s", existing, u.EntityType))
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return Result{}, classify("lookup node type", err)
		}

		r, err := upsertStmt.ExecContext(ctx,
			u.EntityKey, string(u.EntityType), string(attrs),
			u.ObservedAt.UnixNano(), u.ProducerID, int64(u.Sequence), now,
		)
		if err != nil {
			return Result{}, classify("upsert node", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.Written++
		} else {
			res.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, classify("commit", err)
	}
	return res, nil
}

// GetNode implements Store.
func (s *SQLiteStore) GetNode(ctx context.Context, key string) (*Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, selectNodeSQL, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("graph: failed to get node %s: %w", key, err)
	}
	return n, nil
}

// Snapshot returns every node keyed by entity key.
func (s *SQLiteStore) Snapshot(ctx context.Context) (map[string]*Node, error) {
	rows, err := s.db.QueryContext(ctx, selectAllNodesSQL)
	if err != nil {
		return nil, fmt.Errorf("graph: failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := make(map[string]*Node)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("graph: failed to scan node: %w", err)
		}
		nodes[n.EntityKey] = n
	}
	return nodes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n        Node
		typ      string
		attrs    string
		observed int64
		seq      int64
	)
	if err := row.Scan(&n.EntityKey, &typ, &attrs, &observed, &n.ProducerID, &seq); err != nil {
		return nil, err
	}
	decoded, err := codec.UnmarshalAttributes([]byte(attrs))
	if err != nil {
		return nil, err
	}
	n.EntityType = types.EntityType(typ)
	n.Attributes = decoded
	n.ObservedAt = time.Unix(0, observed).UTC()
	n.Sequence = uint64(seq)
	return &n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify maps SQLite failures onto the pipeline error taxonomy. Lock
// contention and I/O failures are transient; context errors pass through.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCantOpen, sqlite3.ErrProtocol:
			return perrors.NewTransientStoreError("sqlite: "+op, err)
		}
	}
	return perrors.NewInternalError("sqlite: "+op, err)
}
