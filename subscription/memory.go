package subscription

import (
	"context"
	"sync"
)

// MemoryRepo keeps subscriptions in process memory.
type MemoryRepo struct {
	mu     sync.RWMutex
	nextID int64
	subs   []Subscription
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (r *MemoryRepo) CreateSubscription(_ context.Context, sub Subscription) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub.ID = r.nextID
	r.subs = append(r.subs, sub)

	return &sub, nil
}

func (r *MemoryRepo) GetActiveSubscription(_ context.Context, subscriber string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Subscription
	for i := range r.subs {
		s := r.subs[i]
		if s.Subscriber != subscriber {
			continue
		}
		if latest == nil || s.ExpiresAt.After(latest.ExpiresAt) {
			latest = &s
		}
	}

	return latest, nil
}

func (r *MemoryRepo) UpdateStatus(_ context.Context, id int64, status Status, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.subs {
		if r.subs[i].ID == id {
			r.subs[i].Status = status
			r.subs[i].TxHash = txHash
			return nil
		}
	}

	return ErrSubscriptionNotFound
}
