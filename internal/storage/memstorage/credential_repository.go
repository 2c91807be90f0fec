package memstorage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/ierr"
)

// CredentialRepository is an in-process credential store. A single lock
// covers credentials and lineages, which gives Rotate the same all-or-nothing
// visibility as the Postgres transaction.
type CredentialRepository struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*credential.Credential
	byHash   map[string]uuid.UUID
	lineages map[uuid.UUID]*credential.Lineage
}

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{
		byID:     make(map[uuid.UUID]*credential.Credential),
		byHash:   make(map[string]uuid.UUID),
		lineages: make(map[uuid.UUID]*credential.Lineage),
	}
}

var _ credential.Repository = (*CredentialRepository)(nil)

func (r *CredentialRepository) Create(ctx context.Context, cred *credential.Credential, lineage *credential.Lineage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.insertLocked(cred); err != nil {
		return err
	}
	l := *lineage
	r.lineages[l.ID] = &l
	return nil
}

func (r *CredentialRepository) insertLocked(cred *credential.Credential) error {
	if _, exists := r.byID[cred.ID]; exists {
		return fmt.Errorf("%w: credential id %s already exists", ierr.ErrConflict, cred.ID)
	}
	if _, exists := r.byHash[cred.SecretHash]; exists {
		return fmt.Errorf("%w: secret hash already exists", ierr.ErrConflict)
	}
	r.byID[cred.ID] = cred.Clone()
	r.byHash[cred.SecretHash] = cred.ID
	return nil
}

func (r *CredentialRepository) FindByID(ctx context.Context, id uuid.UUID) (*credential.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, ierr.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *CredentialRepository) FindByHash(ctx context.Context, secretHash string) (*credential.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHash[secretHash]
	if !ok {
		return nil, ierr.ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *CredentialRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*credential.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*credential.Credential, 0)
	for _, c := range r.byID {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *credential.Credential) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (r *CredentialRepository) FindLineage(ctx context.Context, lineageID uuid.UUID) (*credential.Lineage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.lineages[lineageID]
	if !ok {
		return nil, ierr.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *CredentialRepository) Rotate(ctx context.Context, plan credential.RotationPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lineage, ok := r.lineages[plan.LineageID]
	if !ok || lineage.ClosedAt != nil {
		return ierr.ErrNotFound
	}
	if lineage.ActiveID != plan.OldID || lineage.Rotating(plan.Now) {
		return ierr.ErrAlreadyRotating
	}
	old, ok := r.byID[plan.OldID]
	if !ok {
		return ierr.ErrNotFound
	}
	if _, exists := r.byHash[plan.New.SecretHash]; exists {
		return fmt.Errorf("%w: secret hash already exists", ierr.ErrConflict)
	}

	// a previous grace member whose period has lapsed is finalized first
	if lineage.GraceID != nil {
		if prev, ok := r.byID[*lineage.GraceID]; ok && prev.Status != credential.StatusRevoked {
			revokeLocked(prev, *lineage.GraceEndsAt, "rotation grace period ended")
		}
	}

	if err := r.insertLocked(plan.New); err != nil {
		return err
	}
	newID := plan.New.ID
	graceEnds := plan.GraceEndsAt
	old.Status = credential.StatusRotating
	old.GraceEndsAt = &graceEnds
	old.SupersededBy = &newID
	old.RevokeReason = plan.Reason

	oldID := old.ID
	lineage.ActiveID = newID
	lineage.GraceID = &oldID
	lineage.GraceEndsAt = &graceEnds
	return nil
}

func (r *CredentialRepository) RevokeLineage(ctx context.Context, lineageID uuid.UUID, at time.Time, reason string) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lineage, ok := r.lineages[lineageID]
	if !ok {
		return nil, ierr.ErrNotFound
	}

	var revoked []uuid.UUID
	for _, c := range r.byID {
		if c.LineageID == lineageID && c.Status != credential.StatusRevoked {
			revokeLocked(c, at, reason)
			revoked = append(revoked, c.ID)
		}
	}
	lineage.GraceID = nil
	lineage.GraceEndsAt = nil
	lineage.ClosedAt = &at
	return revoked, nil
}

func (r *CredentialRepository) ApplyTransitions(ctx context.Context, now time.Time) (credential.Transitions, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var t credential.Transitions
	for _, c := range r.byID {
		effective := c.EffectiveStatus(now)
		if effective == c.Status {
			continue
		}
		switch effective {
		case credential.StatusActive:
			c.Status = credential.StatusActive
			t.Activated++
		case credential.StatusExpired:
			c.Status = credential.StatusExpired
			t.Expired++
		case credential.StatusRevoked:
			revokeLocked(c, *c.GraceEndsAt, "rotation grace period ended")
			if l, ok := r.lineages[c.LineageID]; ok && l.GraceID != nil && *l.GraceID == c.ID {
				l.GraceID = nil
				l.GraceEndsAt = nil
			}
			t.Revoked++
		}
	}
	return t, nil
}

func (r *CredentialRepository) CountRotationDue(ctx context.Context, now time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.byID {
		if c.RotationDue(now) {
			n++
		}
	}
	return n, nil
}

func (r *CredentialRepository) SetTierVersion(ctx context.Context, lineageID uuid.UUID, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	updated := 0
	for _, c := range r.byID {
		if c.LineageID == lineageID && c.Status != credential.StatusRevoked && c.Status != credential.StatusExpired {
			c.TierVersion = version
			updated++
		}
	}
	if updated == 0 {
		return ierr.ErrNotFound
	}
	return nil
}

func (r *CredentialRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID, lastUsed time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return ierr.ErrNotFound
	}
	t := lastUsed
	c.LastUsedAt = &t
	return nil
}

func revokeLocked(c *credential.Credential, at time.Time, reason string) {
	c.Status = credential.StatusRevoked
	revokedAt := at
	c.RevokedAt = &revokedAt
	if c.RevokeReason == "" {
		c.RevokeReason = reason
	}
}
