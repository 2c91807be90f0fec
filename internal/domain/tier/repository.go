package tier

import (
	"context"

	"github.com/google/uuid"
)

type ListParams struct {
	OwnerID uuid.UUID
	Status  *Status
}

// Repository stores tiers versioned by (id, version). Updates insert a new
// version row; earlier versions stay readable.
type Repository interface {
	Create(ctx context.Context, t *Tier) error
	// FindLatest returns the highest version of the tier.
	FindLatest(ctx context.Context, id uuid.UUID) (*Tier, error)
	FindVersion(ctx context.Context, id uuid.UUID, version int) (*Tier, error)
	List(ctx context.Context, params ListParams) ([]*Tier, error)
	// InsertVersion stores t as a new version. It fails with ierr.ErrConflict
	// when t.Version is not exactly one above the current latest version.
	InsertVersion(ctx context.Context, t *Tier) error
}
