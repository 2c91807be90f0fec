package memstorage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/ierr"
)

// TierRepository keeps every version of every tier, oldest first.
type TierRepository struct {
	mu       sync.RWMutex
	versions map[uuid.UUID][]*tier.Tier
}

func NewTierRepository() *TierRepository {
	return &TierRepository{versions: make(map[uuid.UUID][]*tier.Tier)}
}

var _ tier.Repository = (*TierRepository)(nil)

func (r *TierRepository) Create(ctx context.Context, t *tier.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.versions[t.ID]; exists {
		return fmt.Errorf("%w: tier %s already exists", ierr.ErrConflict, t.ID)
	}
	r.versions[t.ID] = []*tier.Tier{t.Clone()}
	return nil
}

func (r *TierRepository) FindLatest(ctx context.Context, id uuid.UUID) (*tier.Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.versions[id]
	if !ok {
		return nil, ierr.ErrNotFound
	}
	return versions[len(versions)-1].Clone(), nil
}

func (r *TierRepository) FindVersion(ctx context.Context, id uuid.UUID, version int) (*tier.Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.versions[id] {
		if t.Version == version {
			return t.Clone(), nil
		}
	}
	return nil, ierr.ErrNotFound
}

func (r *TierRepository) List(ctx context.Context, params tier.ListParams) ([]*tier.Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*tier.Tier, 0)
	for _, versions := range r.versions {
		latest := versions[len(versions)-1]
		if latest.OwnerID != params.OwnerID {
			continue
		}
		if params.Status != nil && latest.Status != *params.Status {
			continue
		}
		out = append(out, latest.Clone())
	}
	slices.SortFunc(out, func(a, b *tier.Tier) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (r *TierRepository) InsertVersion(ctx context.Context, t *tier.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.versions[t.ID]
	if !ok {
		return ierr.ErrNotFound
	}
	if latest := versions[len(versions)-1]; t.Version != latest.Version+1 {
		return fmt.Errorf("%w: tier %s is at version %d, cannot write version %d", ierr.ErrConflict, t.ID, latest.Version, t.Version)
	}
	r.versions[t.ID] = append(versions, t.Clone())
	return nil
}

// VersionCount reports how many versions of id are stored.
func (r *TierRepository) VersionCount(id uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions[id])
}
