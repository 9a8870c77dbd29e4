package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a Store backed by a local sqlite database file.
type SQLite struct {
	dbFile string
	db     *sql.DB
	now    func() time.Time
}

// NewSQLite opens (or creates) the sqlite database at dbFile.
func NewSQLite(dbFile string) (*SQLite, error) {
	if dbFile == "" {
		return nil, fmt.Errorf("must set sqlite db file")
	}

	db, err := sql.Open("sqlite3", dbFile)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	s := SQLite{
		dbFile: dbFile,
		db:     db,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return &s, nil
}

func (s *SQLite) createSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv(
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return nil
}

// deadline encodes an expiry as unix nanoseconds, 0 meaning none.
func (s *SQLite) deadline(ttl time.Duration) int64 {
	d := expiry(s.now(), ttl)
	if d.IsZero() {
		return 0
	}
	return d.UnixNano()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM kv WHERE key=? AND (expires_at=0 OR expires_at>?);`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, key, s.now().UnixNano()).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to query key: %w", err)
	}

	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const upsert = `INSERT INTO kv(key, value, expires_at) VALUES(?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at;`

	if _, err := s.db.ExecContext(ctx, upsert, key, value, s.deadline(ttl)); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (s *SQLite) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	const (
		purge  = `DELETE FROM kv WHERE key=? AND expires_at<>0 AND expires_at<=?;`
		insert = `INSERT OR IGNORE INTO kv(key, value, expires_at) VALUES(?, ?, ?);`
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, purge, key, s.now().UnixNano()); err != nil {
		return false, fmt.Errorf("failed to purge expired key: %w", err)
	}

	res, err := tx.ExecContext(ctx, insert, key, value, s.deadline(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to insert key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}

	return n == 1, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key=?;`, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (s *SQLite) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	const query = `SELECT key, value FROM kv
	WHERE substr(key, 1, length(?))=? AND (expires_at=0 OR expires_at>?)
	ORDER BY key;`

	rows, err := s.db.QueryContext(ctx, query, prefix, prefix, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}

	// Collect first so fn may write to the store while we iterate.
	type kv struct {
		key   string
		value []byte
	}
	var found []kv
	for rows.Next() {
		var item kv
		if err := rows.Scan(&item.key, &item.value); err != nil {
			rows.Close()
			return fmt.Errorf("failed to read row: %w", err)
		}
		found = append(found, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, item := range found {
		if err := fn(item.key, item.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
