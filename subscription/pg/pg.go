package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	sub "github.com/becomeliminal/x402-paywall/subscription"
)

func New(dbConnStr string) (*Repo, error) {
	db, err := sqlx.Connect("postgres", dbConnStr)
	if err != nil {
		return nil, fmt.Errorf("sqlx.Connect: %w", err)
	}

	// sqlx default is 0 (unlimited), while postgresql by default accepts up to 100 connections
	db.SetMaxOpenConns(20)

	return NewFromDB(db)
}

// NewFromDB wraps an existing connection pool and ensures the schema exists.
func NewFromDB(db *sqlx.DB) (*Repo, error) {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS x402_subscription (
	id SERIAL PRIMARY KEY,
	subscriber TEXT NOT NULL,
	amount TEXT NOT NULL,
	asset TEXT NOT NULL,
	network TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS x402_subscription_subscriber_idx ON x402_subscription(subscriber);
    `)
	if err != nil {
		return nil, fmt.Errorf("db.Exec schema: %w", err)
	}

	return &Repo{
		db: db,
	}, nil
}

type Repo struct {
	db *sqlx.DB
}

func (r *Repo) CreateSubscription(ctx context.Context, s sub.Subscription) (*sub.Subscription, error) {
	query, args, err := sqlx.Named(`INSERT INTO x402_subscription (subscriber, amount, asset, network, tx_hash, status, created_at, expires_at)
VALUES (:subscriber, :amount, :asset, :network, :tx_hash, :status, :created_at, :expires_at) RETURNING id;`, s)
	if err != nil {
		return nil, fmt.Errorf("sqlx.Named createSub: %w", err)
	}
	query = r.db.Rebind(query)

	var id int64
	if err := r.db.GetContext(ctx, &id, query, args...); err != nil {
		return nil, fmt.Errorf("db.Get createSub: %w", err)
	}

	return r.getSubscription(ctx, id)
}

func (r *Repo) GetActiveSubscription(ctx context.Context, subscriber string) (*sub.Subscription, error) {
	const query = "SELECT * FROM x402_subscription WHERE subscriber=$1 ORDER BY expires_at DESC LIMIT 1;"

	var s sub.Subscription
	if err := r.db.GetContext(ctx, &s, query, subscriber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.Get active sub: %w", err)
	}

	return &s, nil
}

func (r *Repo) UpdateStatus(ctx context.Context, id int64, status sub.Status, txHash string) error {
	const query = `UPDATE x402_subscription SET status=$2, tx_hash=$3, updated_at=NOW() WHERE id=$1`

	res, err := r.db.ExecContext(ctx, query, id, status, txHash)
	if err != nil {
		return fmt.Errorf("db.Exec update sub: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sub.ErrSubscriptionNotFound
	}

	return nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) getSubscription(ctx context.Context, id int64) (*sub.Subscription, error) {
	const sql = "SELECT * FROM x402_subscription WHERE id=$1;"

	var s sub.Subscription
	if err := r.db.GetContext(ctx, &s, sql, id); err != nil {
		return nil, fmt.Errorf("db.Get sub: %w", err)
	}

	return &s, nil
}
