package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/UniQw/syncq/internal/lock"
	_ "modernc.org/sqlite"
)

const kvSchema = `CREATE TABLE IF NOT EXISTS syncq_kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLite keeps every key in a single two-column table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a database file with modernc.org/sqlite (pure Go, no CGO).
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers; a single connection also keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite uses an already opened database and ensures the table exists.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(kvSchema); err != nil {
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	return getValue(ctx, s.db, key)
}

func (s *SQLite) Set(ctx context.Context, key string, val []byte) error {
	return setValue(ctx, s.db, key, val)
}

func (s *SQLite) Del(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM syncq_kv WHERE key = ?`, key)
	return err
}

// AcquireLock checks and writes the lock record inside one transaction.
func (s *SQLite) AcquireLock(ctx context.Context, key, holder string, nowMs, staleMs int64) (bool, error) {
	ok := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getValue(ctx, tx, key)
		if err != nil {
			return err
		}
		if r, found := lock.Decode(cur); found && lock.Fresh(r.AtMs, nowMs, staleMs) {
			return nil
		}
		ok = true
		return setValue(ctx, tx, key, lock.Encode(lock.Record{AtMs: nowMs, Holder: holder}))
	})
	return ok, err
}

// ReleaseLock deletes the lock record inside one transaction if holder owns it.
func (s *SQLite) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	ok := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getValue(ctx, tx, key)
		if err != nil {
			return err
		}
		r, found := lock.Decode(cur)
		if !found || r.Holder != holder {
			return nil
		}
		ok = true
		_, err = tx.ExecContext(ctx, `DELETE FROM syncq_kv WHERE key = ?`, key)
		return err
	})
	return ok, err
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getValue(ctx context.Context, q queryer, key string) ([]byte, error) {
	var b []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM syncq_kv WHERE key = ?`, key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func setValue(ctx context.Context, q queryer, key string, val []byte) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO syncq_kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, val)
	return err
}
