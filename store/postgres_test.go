package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock, *fakeClock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS x402_kv").
		WillReturnResult(sqlmock.NewResult(0, 0))

	p, err := NewPostgresFromDB(sqlx.NewDb(db, "postgres"))
	require.NoError(t, err)

	clock := newFakeClock()
	p.now = clock.Now

	t.Cleanup(func() {
		mock.ExpectClose()
		p.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("there were unfulfilled expectations: %s", err)
		}
	})

	return p, mock, clock
}

func TestPostgresGet(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		p, mock, clock := newMockPostgres(t)
		mock.ExpectQuery("SELECT value FROM x402_kv WHERE key=\\$1").
			WithArgs("challenge:abc", clock.Now()).
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("payload")))

		v, err := p.Get(ctx, "challenge:abc")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), v)
	})

	t.Run("not found", func(t *testing.T) {
		p, mock, clock := newMockPostgres(t)
		mock.ExpectQuery("SELECT value FROM x402_kv WHERE key=\\$1").
			WithArgs("challenge:missing", clock.Now()).
			WillReturnError(sql.ErrNoRows)

		_, err := p.Get(ctx, "challenge:missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresSet(t *testing.T) {
	p, mock, clock := newMockPostgres(t)

	deadline := sql.NullTime{Time: clock.Now().Add(time.Minute), Valid: true}
	mock.ExpectExec("INSERT INTO x402_kv").
		WithArgs("ratelimit:alice", []byte(`{"count":1}`), deadline).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Set(context.Background(), "ratelimit:alice", []byte(`{"count":1}`), time.Minute)
	assert.NoError(t, err)
}

func TestPostgresSetNX(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		stored   bool
	}{
		{"fresh key", 1, true},
		{"live key", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock, clock := newMockPostgres(t)

			deadline := sql.NullTime{Time: clock.Now().Add(5 * time.Minute), Valid: true}
			mock.ExpectExec("INSERT INTO x402_kv .* WHERE x402_kv.expires_at IS NOT NULL").
				WithArgs("nonce:n1", []byte("1"), deadline, clock.Now()).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := p.SetNX(context.Background(), "nonce:n1", []byte("1"), 5*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.stored, ok)
		})
	}
}

func TestPostgresScan(t *testing.T) {
	p, mock, clock := newMockPostgres(t)

	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow("receipt:a", []byte("1")).
		AddRow("receipt:b", []byte("2"))
	mock.ExpectQuery("SELECT key, value FROM x402_kv").
		WithArgs("receipt:", clock.Now()).
		WillReturnRows(rows)

	got := map[string]string{}
	err := p.Scan(context.Background(), "receipt:", func(key string, value []byte) error {
		got[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"receipt:a": "1", "receipt:b": "2"}, got)
}

func TestPostgresDelete(t *testing.T) {
	p, mock, _ := newMockPostgres(t)

	mock.ExpectExec("DELETE FROM x402_kv WHERE key=\\$1").
		WithArgs("receipt:a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, p.Delete(context.Background(), "receipt:a"))
}
