package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteBlobsSchemaV1 = `
CREATE TABLE IF NOT EXISTS blobs (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore keeps one row per key. Reads go straight to the database so
// several processes can share a file.
type SQLiteStore struct {
	mu     sync.RWMutex
	dsn    string
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		dsn: dsn,
		db:  db,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "sqlite store: get %q", key)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO blobs (key, value, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key,
		value,
		time.Now().UnixMilli(),
	)
	return errors.Wrapf(err, "sqlite store: set %q", key)
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	return errors.Wrapf(err, "sqlite store: remove %q", key)
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM blobs WHERE substr(key, 1, ?) = ? ORDER BY key ASC`, len(prefix), prefix)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list keys")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		ret = append(ret, k)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite store: db is nil")
	}
	if _, err := s.db.Exec(sqliteBlobsSchemaV1); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return fmt.Errorf("sqlite store closed")
	}
	if s.db == nil {
		return fmt.Errorf("sqlite store db is nil")
	}
	return nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}
