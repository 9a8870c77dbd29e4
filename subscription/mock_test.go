package subscription

import (
	"context"
)

type mockSubscriptionRepo struct {
	CreateSubscriptionSub    *Subscription
	CreateSubscriptionErr    error
	GetActiveSubscriptionSub *Subscription
	GetActiveSubscriptionErr error
	UpdateStatusErr          error

	created []Subscription
}

func (m *mockSubscriptionRepo) CreateSubscription(ctx context.Context, sub Subscription) (*Subscription, error) {
	m.created = append(m.created, sub)
	if m.CreateSubscriptionSub != nil || m.CreateSubscriptionErr != nil {
		return m.CreateSubscriptionSub, m.CreateSubscriptionErr
	}
	return &sub, nil
}
func (m *mockSubscriptionRepo) GetActiveSubscription(ctx context.Context, subscriber string) (*Subscription, error) {
	return m.GetActiveSubscriptionSub, m.GetActiveSubscriptionErr
}
func (m *mockSubscriptionRepo) UpdateStatus(ctx context.Context, id int64, status Status, txHash string) error {
	return m.UpdateStatusErr
}
