package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sub "github.com/becomeliminal/x402-paywall/subscription"
)

var columns = []string{"id", "subscriber", "amount", "asset", "network", "tx_hash", "status", "created_at", "expires_at", "updated_at"}

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS x402_subscription").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo, err := NewFromDB(sqlx.NewDb(db, "postgres"))
	require.NoError(t, err)

	t.Cleanup(func() {
		mock.ExpectClose()
		repo.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("there were unfulfilled expectations: %s", err)
		}
	})

	return repo, mock
}

func TestCreateSubscription(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(30 * 24 * time.Hour)

	mock.ExpectQuery("INSERT INTO x402_subscription").
		WithArgs("0xabc", "10.00", "USDC", "base-sepolia", "0xtx", sub.StatusPaid, created, expires).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("SELECT \\* FROM x402_subscription WHERE id=\\$1").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(7, "0xabc", "10.00", "USDC", "base-sepolia", "0xtx", "paid", created, expires, created))

	s, err := repo.CreateSubscription(context.Background(), sub.Subscription{
		Subscriber: "0xabc",
		Amount:     "10.00",
		Asset:      "USDC",
		Network:    "base-sepolia",
		TxHash:     "0xtx",
		Status:     sub.StatusPaid,
		CreatedAt:  created,
		ExpiresAt:  expires,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.ID)
	assert.Equal(t, sub.StatusPaid, s.Status)
	assert.Equal(t, expires, s.ExpiresAt)
}

func TestGetActiveSubscription(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		expires := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

		mock.ExpectQuery("SELECT \\* FROM x402_subscription WHERE subscriber=\\$1 ORDER BY expires_at DESC").
			WithArgs("0xabc").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(3, "0xabc", "10.00", "USDC", "base-sepolia", "0xtx", "paid", expires, expires, expires))

		s, err := repo.GetActiveSubscription(context.Background(), "0xabc")
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, int64(3), s.ID)
		assert.Equal(t, "0xtx", s.TxHash)
	})

	t.Run("none", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectQuery("SELECT \\* FROM x402_subscription WHERE subscriber=\\$1").
			WithArgs("0xnobody").
			WillReturnError(sql.ErrNoRows)

		s, err := repo.GetActiveSubscription(context.Background(), "0xnobody")
		require.NoError(t, err)
		assert.Nil(t, s)
	})
}

func TestUpdateStatus(t *testing.T) {
	t.Run("updated", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectExec("UPDATE x402_subscription SET status=\\$2, tx_hash=\\$3").
			WithArgs(int64(3), sub.StatusPaid, "0xtx").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateStatus(context.Background(), 3, sub.StatusPaid, "0xtx"))
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)

		mock.ExpectExec("UPDATE x402_subscription").
			WithArgs(int64(9), sub.StatusPaid, "0xtx").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateStatus(context.Background(), 9, sub.StatusPaid, "0xtx")
		assert.ErrorIs(t, err, sub.ErrSubscriptionNotFound)
	})
}
