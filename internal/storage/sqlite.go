package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bundles (
	bundle_id TEXT PRIMARY KEY,
	record    BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO counters (name, value) VALUES ('used_bytes', 0);
`

// SQLiteOptions configures a SQLiteBackend
type SQLiteOptions struct {
	Logger types.Logger

	// Path overrides <dir>/queue_store.db. ":memory:" needs PoolSize 1.
	Path     string
	PoolSize int
}

// SQLiteBackend keeps one row per bundle and the byte counter in the
// same database, so both change in one transaction.
type SQLiteBackend struct {
	pool   *sqlitex.Pool
	path   string
	logger types.Logger
}

// OpenSQLite opens or creates the database under dir
func OpenSQLite(dir string, opts SQLiteOptions) (*SQLiteBackend, error) {
	path := opts.Path
	if path == "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, wrapErr("create data dir", err)
		}
		path = filepath.Join(dir, types.SQLITE_FILE)
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, wrapErr("open sqlite", err)
	}

	b := &SQLiteBackend{pool: pool, path: path, logger: types.OrDefault(opts.Logger)}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, wrapErr("open sqlite", err)
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, wrapErr("create schema", err)
	}

	b.logger.Printf("[Storage] Opened sqlite store %s", path)
	return b, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteBackend) Load(ctx context.Context) ([]*dtn.Record, int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, 0, wrapErr("load", err)
	}
	defer s.pool.Put(conn)

	var records []*dtn.Record
	err = sqlitex.Execute(conn, "SELECT bundle_id, record FROM bundles ORDER BY bundle_id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, blob)

			var rec dtn.Record
			if err := json.Unmarshal(blob, &rec); err != nil {
				return fmt.Errorf("decode record %s: %w", stmt.ColumnText(0), err)
			}
			if rec.Bundle == nil {
				return fmt.Errorf("record %s has no bundle", stmt.ColumnText(0))
			}
			records = append(records, &rec)
			return nil
		},
	})
	if err != nil {
		return nil, 0, wrapErr("load", err)
	}

	var used int64
	err = sqlitex.Execute(conn, "SELECT value FROM counters WHERE name = 'used_bytes'", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			used = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return nil, 0, wrapErr("load counter", err)
	}
	return records, used, nil
}

func (s *SQLiteBackend) Commit(ctx context.Context, m Mutation) error {
	if m.Empty() {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrapErr("commit", err)
	}
	defer s.pool.Put(conn)

	return wrapErr("commit", s.commit(conn, m))
}

func (s *SQLiteBackend) commit(conn *sqlite.Conn, m Mutation) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, rec := range m.Put {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		err = sqlitex.Execute(conn,
			"INSERT INTO bundles (bundle_id, record) VALUES (?, ?) ON CONFLICT(bundle_id) DO UPDATE SET record = excluded.record",
			&sqlitex.ExecOptions{Args: []any{rec.ID(), data}})
		if err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ID(), err)
		}
	}

	for _, id := range m.Delete {
		err := sqlitex.Execute(conn, "DELETE FROM bundles WHERE bundle_id = ?", &sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}

	if m.UsedBytes != nil {
		err := sqlitex.Execute(conn, "UPDATE counters SET value = ? WHERE name = 'used_bytes'", &sqlitex.ExecOptions{Args: []any{*m.UsedBytes}})
		if err != nil {
			return fmt.Errorf("update counter: %w", err)
		}
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	if err := s.pool.Close(); err != nil {
		return wrapErr("close sqlite", err)
	}
	return nil
}
