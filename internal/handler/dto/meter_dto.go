package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/usage"
	"github.com/makkenzo/keytier-api/internal/entitlement"
	"github.com/makkenzo/keytier-api/internal/ratelimit"
)

type MeterRequest struct {
	Metric         string     `json:"metric" binding:"max=64"`
	Quantity       int64      `json:"quantity"`
	Feature        string     `json:"feature" binding:"max=64"`
	IdempotencyKey string     `json:"idempotency_key" binding:"max=128"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

type MeterResponse struct {
	KeyID     uuid.UUID             `json:"key_id"`
	Rate      ratelimit.Decision    `json:"rate"`
	Event     *usage.Event          `json:"event"`
	Duplicate bool                  `json:"duplicate"`
	Allowance *entitlement.Decision `json:"allowance,omitempty"`
	Feature   *entitlement.Decision `json:"feature,omitempty"`
}
