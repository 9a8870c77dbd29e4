package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Postgres is a Store shared by every issuer instance pointed at the same database.
type Postgres struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgres connects to dbConnStr and ensures the kv table exists.
func NewPostgres(dbConnStr string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dbConnStr)
	if err != nil {
		return nil, fmt.Errorf("sqlx.Connect: %w", err)
	}

	// sqlx default is 0 (unlimited), while postgresql by default accepts up to 100 connections
	db.SetMaxOpenConns(40)

	return NewPostgresFromDB(db)
}

// NewPostgresFromDB wraps an existing connection pool.
func NewPostgresFromDB(db *sqlx.DB) (*Postgres, error) {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS x402_kv (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS x402_kv_expires_idx ON x402_kv(expires_at);
    `)
	if err != nil {
		return nil, fmt.Errorf("db.Exec schema: %w", err)
	}

	return &Postgres{
		db:  db,
		now: time.Now,
	}, nil
}

func (p *Postgres) deadline(ttl time.Duration) sql.NullTime {
	d := expiry(p.now(), ttl)
	return sql.NullTime{Time: d, Valid: !d.IsZero()}
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM x402_kv WHERE key=$1 AND (expires_at IS NULL OR expires_at>$2);`

	var value []byte
	if err := p.db.GetContext(ctx, &value, query, key, p.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db.Get kv: %w", err)
	}

	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const query = `INSERT INTO x402_kv (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at;`

	if _, err := p.db.ExecContext(ctx, query, key, value, p.deadline(ttl)); err != nil {
		return fmt.Errorf("db.Exec set kv: %w", err)
	}
	return nil
}

func (p *Postgres) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// The conditional upsert only overwrites rows that have already expired.
	const query = `INSERT INTO x402_kv (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at
WHERE x402_kv.expires_at IS NOT NULL AND x402_kv.expires_at<=$4;`

	res, err := p.db.ExecContext(ctx, query, key, value, p.deadline(ttl), p.now())
	if err != nil {
		return false, fmt.Errorf("db.Exec setnx kv: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return n == 1, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM x402_kv WHERE key=$1;`, key); err != nil {
		return fmt.Errorf("db.Exec delete kv: %w", err)
	}
	return nil
}

type kvRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

func (p *Postgres) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	const query = `SELECT key, value FROM x402_kv
WHERE substr(key, 1, length($1))=$1 AND (expires_at IS NULL OR expires_at>$2)
ORDER BY key;`

	var rows []kvRow
	if err := p.db.SelectContext(ctx, &rows, query, prefix, p.now()); err != nil {
		return fmt.Errorf("db.Select kv: %w", err)
	}

	for _, r := range rows {
		if err := fn(r.Key, r.Value); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
