package credential

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusRotating Status = "rotating"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

type Environment string

const (
	EnvironmentTest Environment = "test"
	EnvironmentLive Environment = "live"
)

func (e Environment) Valid() bool {
	return e == EnvironmentTest || e == EnvironmentLive
}

// RateLimits are per-window ceilings. Zero leaves a window unlimited.
type RateLimits struct {
	PerHour  int64 `json:"per_hour"`
	PerDay   int64 `json:"per_day"`
	PerMonth int64 `json:"per_month"`
}

type Credential struct {
	ID               uuid.UUID     `db:"id"`
	OwnerID          uuid.UUID     `db:"owner_id"`
	LineageID        uuid.UUID     `db:"lineage_id"`
	TierID           *uuid.UUID    `db:"tier_id"`
	// TierVersion pins the terms the key was issued under. Later tier edits do
	// not apply until the key is explicitly migrated.
	TierVersion      int           `db:"tier_version"`
	Environment      Environment   `db:"environment"`
	SecretHash       string        `db:"secret_hash"`
	Prefix           string        `db:"prefix"`
	Hint             string        `db:"hint"`
	Description      string        `db:"description"`
	Scopes           []string      `db:"scopes"`
	RateLimits       RateLimits    `db:"-"`
	Status           Status        `db:"status"`
	CreatedAt        time.Time     `db:"created_at"`
	NotBefore        *time.Time    `db:"not_before"`
	ExpiresAt        *time.Time    `db:"expires_at"`
	RotatesAt        *time.Time    `db:"rotates_at"`
	RotationInterval time.Duration `db:"rotation_interval"`
	GraceEndsAt      *time.Time    `db:"grace_ends_at"`
	Supersedes       *uuid.UUID    `db:"supersedes"`
	SupersededBy     *uuid.UUID    `db:"superseded_by"`
	RevokedAt        *time.Time    `db:"revoked_at"`
	RevokeReason     string        `db:"revoke_reason"`
	LastUsedAt       *time.Time    `db:"last_used_at"`
}

// EffectiveStatus applies the time-driven transitions that the sweep task
// persists later: pending becomes active at NotBefore, active expires at
// ExpiresAt, and a rotating key is revoked strictly after its grace ends.
func (c *Credential) EffectiveStatus(now time.Time) Status {
	switch c.Status {
	case StatusPending:
		if c.NotBefore == nil || !now.Before(*c.NotBefore) {
			if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
				return StatusExpired
			}
			return StatusActive
		}
		return StatusPending
	case StatusActive:
		if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
			return StatusExpired
		}
		return StatusActive
	case StatusRotating:
		if c.GraceEndsAt != nil && now.After(*c.GraceEndsAt) {
			return StatusRevoked
		}
		if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
			return StatusExpired
		}
		return StatusRotating
	case StatusExpired:
		// a grace member that expired during its grace period is still revoked
		// when the grace ends
		if c.GraceEndsAt != nil && now.After(*c.GraceEndsAt) {
			return StatusRevoked
		}
		return StatusExpired
	default:
		return c.Status
	}
}

// Live reports whether the credential still counts as a member of its lineage.
func (c *Credential) Live(now time.Time) bool {
	return c.EffectiveStatus(now) != StatusRevoked
}

// RotationDue reports whether a scheduled mandatory rotation has been reached.
func (c *Credential) RotationDue(now time.Time) bool {
	return c.RotatesAt != nil && !now.Before(*c.RotatesAt) && c.EffectiveStatus(now) == StatusActive
}

func (c *Credential) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Clone returns a deep copy so callers never alias repository state.
func (c *Credential) Clone() *Credential {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.TierID = clonePtr(c.TierID)
	cp.NotBefore = clonePtr(c.NotBefore)
	cp.ExpiresAt = clonePtr(c.ExpiresAt)
	cp.RotatesAt = clonePtr(c.RotatesAt)
	cp.GraceEndsAt = clonePtr(c.GraceEndsAt)
	cp.Supersedes = clonePtr(c.Supersedes)
	cp.SupersededBy = clonePtr(c.SupersededBy)
	cp.RevokedAt = clonePtr(c.RevokedAt)
	cp.LastUsedAt = clonePtr(c.LastUsedAt)
	return &cp
}

// Lineage links the members of a rotation pair. ActiveID is always set while
// the lineage is open; GraceID is set only during a rotation grace period.
type Lineage struct {
	ID          uuid.UUID  `db:"id"`
	OwnerID     uuid.UUID  `db:"owner_id"`
	ActiveID    uuid.UUID  `db:"active_id"`
	GraceID     *uuid.UUID `db:"grace_id"`
	GraceEndsAt *time.Time `db:"grace_ends_at"`
	ClosedAt    *time.Time `db:"closed_at"`
}

// Rotating reports whether a grace member is still valid at now.
func (l *Lineage) Rotating(now time.Time) bool {
	return l.GraceID != nil && l.GraceEndsAt != nil && !now.After(*l.GraceEndsAt)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
