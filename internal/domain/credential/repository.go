package credential

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RotationPlan is applied atomically: the new credential becomes the lineage's
// active member and the old one its grace member, or nothing changes.
type RotationPlan struct {
	LineageID   uuid.UUID
	OldID       uuid.UUID
	New         *Credential
	GraceEndsAt time.Time
	Reason      string
	Now         time.Time
}

// Transitions counts state changes persisted by a sweep. RotationDue counts
// active keys past their scheduled rotation; it is not a state change and is
// not part of Total.
type Transitions struct {
	Activated   int
	Expired     int
	Revoked     int
	RotationDue int
}

func (t Transitions) Total() int {
	return t.Activated + t.Expired + t.Revoked
}

type Repository interface {
	// Create stores a credential together with the lineage it opens.
	Create(ctx context.Context, cred *Credential, lineage *Lineage) error
	FindByID(ctx context.Context, id uuid.UUID) (*Credential, error)
	FindByHash(ctx context.Context, secretHash string) (*Credential, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Credential, error)
	FindLineage(ctx context.Context, lineageID uuid.UUID) (*Lineage, error)
	Rotate(ctx context.Context, plan RotationPlan) error
	// RevokeLineage tombstones every non-revoked member and returns their ids.
	RevokeLineage(ctx context.Context, lineageID uuid.UUID, at time.Time, reason string) ([]uuid.UUID, error)
	ApplyTransitions(ctx context.Context, now time.Time) (Transitions, error)
	CountRotationDue(ctx context.Context, now time.Time) (int, error)
	// SetTierVersion repins the live members of a lineage to a tier version.
	SetTierVersion(ctx context.Context, lineageID uuid.UUID, version int) error
	UpdateLastUsed(ctx context.Context, id uuid.UUID, lastUsed time.Time) error
}
