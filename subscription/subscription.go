// Package subscription records time-bound access bought with x402 payments.
// Service satisfies x402.SubscriptionChecker, so a SubscriptionPaywall can
// admit subscribers without charging them per request.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Repo persists subscriptions.
type Repo interface {
	CreateSubscription(ctx context.Context, sub Subscription) (*Subscription, error)

	// GetActiveSubscription returns the subscription with the latest expiry for
	// subscriber, or nil if there is none.
	GetActiveSubscription(ctx context.Context, subscriber string) (*Subscription, error)

	UpdateStatus(ctx context.Context, id int64, status Status, txHash string) error
}

type Subscription struct {
	ID         int64     `json:"id" db:"id"`
	Subscriber string    `json:"subscriber" db:"subscriber"`
	Amount     string    `json:"amount" db:"amount"`
	Asset      string    `json:"asset" db:"asset"`
	Network    string    `json:"network" db:"network"`
	TxHash     string    `json:"tx_hash" db:"tx_hash"`
	Status     Status    `json:"status" db:"status"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPaid   Status = "paid"
	StatusUnpaid Status = "unpaid"
)

// Payment is the settled payment a subscription is bought with.
type Payment struct {
	Amount  string
	Asset   string
	Network string
	TxHash  string
}

type Service struct {
	repo Repo
	now  func() time.Time
}

func New(repo Repo) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetActiveSubscription fetches the active subscription for a subscriber.
// An error is returned if the subscription is not found, unpaid, or expired.
func (s *Service) GetActiveSubscription(ctx context.Context, subscriber string) (*Subscription, error) {
	sub, err := s.repo.GetActiveSubscription(ctx, subscriber)
	if err != nil {
		return nil, fmt.Errorf("repo.GetActiveSub: %w", err)
	}

	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}

	if !sub.ExpiresAt.After(s.now()) {
		return nil, ErrSubscriptionExpired
	}

	if sub.Status == StatusUnpaid {
		return sub, ErrSubscriptionUnpaid
	}

	return sub, nil
}

// CreateSubscription stores sub as given. Subscriptions created without a
// transaction hash are unpaid until Confirm is called.
func (s *Service) CreateSubscription(ctx context.Context, sub Subscription) (*Subscription, error) {
	if sub.Subscriber == "" {
		return nil, fmt.Errorf("subscriber is required")
	}
	if !sub.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("subscription must expire in the future")
	}

	if sub.Status == "" {
		sub.Status = StatusUnpaid
		if sub.TxHash != "" {
			sub.Status = StatusPaid
		}
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}

	newSub, err := s.repo.CreateSubscription(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("CreateSub: %w", err)
	}

	return newSub, nil
}

// Subscribe records a paid subscription lasting period. A subscriber renewing
// before expiry gets period added to the current expiry.
func (s *Service) Subscribe(ctx context.Context, subscriber string, period time.Duration, payment Payment) (*Subscription, error) {
	if period <= 0 {
		return nil, fmt.Errorf("subscription period must be positive")
	}
	if payment.TxHash == "" {
		return nil, fmt.Errorf("payment transaction hash is required")
	}

	start := s.now()
	current, err := s.GetActiveSubscription(ctx, subscriber)
	switch {
	case err == nil:
		start = current.ExpiresAt
	case errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrSubscriptionExpired), errors.Is(err, ErrSubscriptionUnpaid):
	default:
		return nil, err
	}

	return s.CreateSubscription(ctx, Subscription{
		Subscriber: subscriber,
		Amount:     payment.Amount,
		Asset:      payment.Asset,
		Network:    payment.Network,
		TxHash:     payment.TxHash,
		Status:     StatusPaid,
		CreatedAt:  s.now(),
		ExpiresAt:  start.Add(period),
	})
}

// Confirm marks an unpaid subscription as paid by txHash.
func (s *Service) Confirm(ctx context.Context, id int64, txHash string) error {
	if txHash == "" {
		return fmt.Errorf("payment transaction hash is required")
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusPaid, txHash); err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	return nil
}

// ActiveUntil returns the expiry of the subscriber's paid subscription, or
// the zero time if there is no active paid subscription.
func (s *Service) ActiveUntil(ctx context.Context, subscriber string) (time.Time, error) {
	sub, err := s.GetActiveSubscription(ctx, subscriber)
	switch {
	case err == nil:
		return sub.ExpiresAt, nil
	case errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrSubscriptionExpired), errors.Is(err, ErrSubscriptionUnpaid):
		return time.Time{}, nil
	default:
		return time.Time{}, err
	}
}
