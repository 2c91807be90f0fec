package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/domain/usage"
)

type RateLimits struct {
	PerHour  int64 `json:"per_hour" binding:"gte=0"`
	PerDay   int64 `json:"per_day" binding:"gte=0"`
	PerMonth int64 `json:"per_month" binding:"gte=0"`
}

type GenerateKeyRequest struct {
	Environment           string      `json:"environment" binding:"required,oneof=test live"`
	TierID                *uuid.UUID  `json:"tier_id,omitempty"`
	Description           string      `json:"description" binding:"max=255"`
	Scopes                []string    `json:"scopes"`
	RateLimits            *RateLimits `json:"rate_limits,omitempty"`
	NotBefore             *time.Time  `json:"not_before,omitempty"`
	ExpiresAt             *time.Time  `json:"expires_at,omitempty"`
	RotationIntervalHours int         `json:"rotation_interval_hours" binding:"gte=0"`
}

type ReasonRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

type ValidateKeyRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// KeyResponse never carries the secret or its hash.
type KeyResponse struct {
	ID           uuid.UUID              `json:"id"`
	LineageID    uuid.UUID              `json:"lineage_id"`
	TierID       *uuid.UUID             `json:"tier_id,omitempty"`
	TierVersion  int                    `json:"tier_version,omitempty"`
	Environment  credential.Environment `json:"environment"`
	Prefix       string                 `json:"prefix"`
	Hint         string                 `json:"hint"`
	Description  string                 `json:"description"`
	Scopes       []string               `json:"scopes"`
	RateLimits   credential.RateLimits  `json:"rate_limits"`
	Status       credential.Status      `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	NotBefore    *time.Time             `json:"not_before,omitempty"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	RotatesAt    *time.Time             `json:"rotates_at,omitempty"`
	RotationDue  bool                   `json:"rotation_due"`
	GraceEndsAt  *time.Time             `json:"grace_ends_at,omitempty"`
	Supersedes   *uuid.UUID             `json:"supersedes,omitempty"`
	SupersededBy *uuid.UUID             `json:"superseded_by,omitempty"`
	RevokedAt    *time.Time             `json:"revoked_at,omitempty"`
	RevokeReason string                 `json:"revoke_reason,omitempty"`
	LastUsedAt   *time.Time             `json:"last_used_at,omitempty"`
}

// IssuedKeyResponse is the only response that contains the raw secret.
type IssuedKeyResponse struct {
	KeyResponse
	Secret string `json:"secret"`
}

type ValidateKeyResponse struct {
	Valid bool        `json:"valid"`
	Key   KeyResponse `json:"key"`
}

type UsageStatsResponse struct {
	KeyID  uuid.UUID                `json:"key_id"`
	Days   int                      `json:"days"`
	Series map[string]*usage.Series `json:"series"`
}

func NewKeyResponse(c *credential.Credential) KeyResponse {
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return KeyResponse{
		ID:           c.ID,
		LineageID:    c.LineageID,
		TierID:       c.TierID,
		TierVersion:  c.TierVersion,
		Environment:  c.Environment,
		Prefix:       c.Prefix,
		Hint:         c.Hint,
		Description:  c.Description,
		Scopes:       scopes,
		RateLimits:   c.RateLimits,
		Status:       c.Status,
		CreatedAt:    c.CreatedAt,
		NotBefore:    c.NotBefore,
		ExpiresAt:    c.ExpiresAt,
		RotatesAt:    c.RotatesAt,
		GraceEndsAt:  c.GraceEndsAt,
		Supersedes:   c.Supersedes,
		SupersededBy: c.SupersededBy,
		RevokedAt:    c.RevokedAt,
		RevokeReason: c.RevokeReason,
		LastUsedAt:   c.LastUsedAt,
	}
}
