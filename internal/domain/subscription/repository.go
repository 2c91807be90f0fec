package subscription

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, s *Subscription) error
	ListActiveByTier(ctx context.Context, ownerID, tierID uuid.UUID) ([]*Subscription, error)
	FindActiveBySubject(ctx context.Context, ownerID, subjectID uuid.UUID) (*Subscription, error)
}
