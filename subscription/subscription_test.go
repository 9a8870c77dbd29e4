package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestGetActiveSubscription(t *testing.T) {
	var tests = []struct {
		name string
		repo Repo
		sub  *Subscription
		err  error
	}{
		{
			name: "active paid subscription",
			repo: &mockSubscriptionRepo{
				GetActiveSubscriptionSub: &Subscription{
					ID:         123,
					Subscriber: "0xabc",
					Amount:     "10.00",
					TxHash:     "0xtx",
					Status:     StatusPaid,
					ExpiresAt:  now.Add(time.Hour * 24),
				},
			},
			sub: &Subscription{
				ID:         123,
				Subscriber: "0xabc",
				Amount:     "10.00",
				TxHash:     "0xtx",
				Status:     StatusPaid,
				ExpiresAt:  now.Add(time.Hour * 24),
			},
		},
		{
			name: "expired subscription",
			repo: &mockSubscriptionRepo{
				GetActiveSubscriptionSub: &Subscription{
					ID:         123,
					Subscriber: "0xabc",
					Status:     StatusPaid,
					ExpiresAt:  now.Add(time.Hour * -24),
				},
			},
			err: ErrSubscriptionExpired,
		},
		{
			name: "unpaid subscription",
			repo: &mockSubscriptionRepo{
				GetActiveSubscriptionSub: &Subscription{
					ID:         123,
					Subscriber: "0xabc",
					Status:     StatusUnpaid,
					ExpiresAt:  now.Add(time.Hour * 24),
				},
			},
			sub: &Subscription{
				ID:         123,
				Subscriber: "0xabc",
				Status:     StatusUnpaid,
				ExpiresAt:  now.Add(time.Hour * 24),
			},
			err: ErrSubscriptionUnpaid,
		},
		{
			name: "not found",
			repo: &mockSubscriptionRepo{},
			err:  ErrSubscriptionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(tt.repo).WithClock(clock)

			sub, err := svc.GetActiveSubscription(context.Background(), "0xabc")
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.sub, sub)
		})
	}
}

func TestActiveUntil(t *testing.T) {
	expires := now.Add(time.Hour)

	t.Run("active", func(t *testing.T) {
		svc := New(&mockSubscriptionRepo{
			GetActiveSubscriptionSub: &Subscription{Status: StatusPaid, ExpiresAt: expires},
		}).WithClock(clock)

		until, err := svc.ActiveUntil(context.Background(), "0xabc")
		require.NoError(t, err)
		assert.Equal(t, expires, until)
	})

	t.Run("inactive is zero", func(t *testing.T) {
		for _, repo := range []*mockSubscriptionRepo{
			{},
			{GetActiveSubscriptionSub: &Subscription{Status: StatusPaid, ExpiresAt: now.Add(-time.Hour)}},
			{GetActiveSubscriptionSub: &Subscription{Status: StatusUnpaid, ExpiresAt: expires}},
		} {
			until, err := New(repo).WithClock(clock).ActiveUntil(context.Background(), "0xabc")
			require.NoError(t, err)
			assert.True(t, until.IsZero())
		}
	})

	t.Run("repo failure", func(t *testing.T) {
		svc := New(&mockSubscriptionRepo{GetActiveSubscriptionErr: errors.New("connection refused")}).WithClock(clock)

		_, err := svc.ActiveUntil(context.Background(), "0xabc")
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestSubscribe(t *testing.T) {
	payment := Payment{Amount: "10.00", Asset: "USDC", Network: "base-sepolia", TxHash: "0xtx"}

	t.Run("new subscriber", func(t *testing.T) {
		repo := &mockSubscriptionRepo{}
		sub, err := New(repo).WithClock(clock).Subscribe(context.Background(), "0xabc", 30*24*time.Hour, payment)
		require.NoError(t, err)

		assert.Equal(t, StatusPaid, sub.Status)
		assert.Equal(t, now.Add(30*24*time.Hour), sub.ExpiresAt)
		assert.Equal(t, "0xtx", sub.TxHash)
		assert.Equal(t, now, sub.CreatedAt)
	})

	t.Run("renewal extends current expiry", func(t *testing.T) {
		current := now.Add(5 * 24 * time.Hour)
		repo := &mockSubscriptionRepo{
			GetActiveSubscriptionSub: &Subscription{Status: StatusPaid, ExpiresAt: current},
		}

		sub, err := New(repo).WithClock(clock).Subscribe(context.Background(), "0xabc", 30*24*time.Hour, payment)
		require.NoError(t, err)
		assert.Equal(t, current.Add(30*24*time.Hour), sub.ExpiresAt)
	})

	t.Run("expired subscription starts now", func(t *testing.T) {
		repo := &mockSubscriptionRepo{
			GetActiveSubscriptionSub: &Subscription{Status: StatusPaid, ExpiresAt: now.Add(-time.Hour)},
		}

		sub, err := New(repo).WithClock(clock).Subscribe(context.Background(), "0xabc", time.Hour, payment)
		require.NoError(t, err)
		assert.Equal(t, now.Add(time.Hour), sub.ExpiresAt)
	})

	t.Run("invalid input", func(t *testing.T) {
		svc := New(&mockSubscriptionRepo{}).WithClock(clock)

		_, err := svc.Subscribe(context.Background(), "0xabc", 0, payment)
		assert.Error(t, err)

		_, err = svc.Subscribe(context.Background(), "0xabc", time.Hour, Payment{Amount: "1"})
		assert.Error(t, err)
	})
}

func TestCreateSubscription(t *testing.T) {
	repo := &mockSubscriptionRepo{}
	svc := New(repo).WithClock(clock)

	sub, err := svc.CreateSubscription(context.Background(), Subscription{Subscriber: "0xabc", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, StatusUnpaid, sub.Status)

	_, err = svc.CreateSubscription(context.Background(), Subscription{Subscriber: "0xabc", ExpiresAt: now})
	assert.Error(t, err)

	_, err = svc.CreateSubscription(context.Background(), Subscription{ExpiresAt: now.Add(time.Hour)})
	assert.Error(t, err)

	failing := New(&mockSubscriptionRepo{CreateSubscriptionErr: errors.New("disk full")}).WithClock(clock)
	_, err = failing.CreateSubscription(context.Background(), Subscription{Subscriber: "0xabc", ExpiresAt: now.Add(time.Hour)})
	assert.ErrorContains(t, err, "disk full")
}

func TestMemoryRepo(t *testing.T) {
	ctx := context.Background()
	svc := New(NewMemoryRepo()).WithClock(clock)

	pending, err := svc.CreateSubscription(ctx, Subscription{Subscriber: "0xabc", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	_, err = svc.GetActiveSubscription(ctx, "0xabc")
	assert.ErrorIs(t, err, ErrSubscriptionUnpaid)

	require.NoError(t, svc.Confirm(ctx, pending.ID, "0xtx"))

	active, err := svc.GetActiveSubscription(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xtx", active.TxHash)

	_, err = svc.GetActiveSubscription(ctx, "0xother")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	assert.ErrorIs(t, svc.Confirm(ctx, 999, "0xtx"), ErrSubscriptionNotFound)
}
