package memstorage

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/subscription"
	"github.com/makkenzo/keytier-api/internal/ierr"
)

type SubscriptionRepository struct {
	mu   sync.RWMutex
	subs []*subscription.Subscription
}

func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{}
}

var _ subscription.Repository = (*SubscriptionRepository)(nil)

func (r *SubscriptionRepository) Create(ctx context.Context, s *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *s
	r.subs = append(r.subs, &cp)
	return nil
}

func (r *SubscriptionRepository) ListActiveByTier(ctx context.Context, ownerID, tierID uuid.UUID) ([]*subscription.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*subscription.Subscription, 0)
	for _, s := range r.subs {
		if s.OwnerID == ownerID && s.TierID == tierID && s.Status == subscription.StatusActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *SubscriptionRepository) FindActiveBySubject(ctx context.Context, ownerID, subjectID uuid.UUID) (*subscription.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.subs {
		if s.OwnerID == ownerID && s.SubjectID == subjectID && s.Status == subscription.StatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ierr.ErrNotFound
}
