package dto

import (
	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/shopspring/decimal"
)

type TierDefinitionRequest struct {
	Name          string                     `json:"name" binding:"required,max=128"`
	Currency      string                     `json:"currency" binding:"omitempty,len=3"`
	Price         decimal.Decimal            `json:"price"`
	IncludedUsage map[string]int64           `json:"included_usage"`
	OverageRate   map[string]decimal.Decimal `json:"overage_rate"`
	Entitlements  []string                   `json:"entitlements"`
}

func (r TierDefinitionRequest) Definition() tier.Definition {
	return tier.Definition{
		Name:          r.Name,
		Currency:      r.Currency,
		Price:         r.Price,
		IncludedUsage: r.IncludedUsage,
		OverageRate:   r.OverageRate,
		Features:      r.Entitlements,
	}
}

// TierPatchRequest leaves absent fields untouched. A present map or list
// replaces the whole field.
type TierPatchRequest struct {
	Name          *string                    `json:"name,omitempty" binding:"omitempty,max=128"`
	Currency      *string                    `json:"currency,omitempty" binding:"omitempty,len=3"`
	Price         *decimal.Decimal           `json:"price,omitempty"`
	IncludedUsage map[string]int64           `json:"included_usage,omitempty"`
	OverageRate   map[string]decimal.Decimal `json:"overage_rate,omitempty"`
	Entitlements  []string                   `json:"entitlements,omitempty"`
}

func (r TierPatchRequest) Patch() tier.Patch {
	return tier.Patch{
		Name:          r.Name,
		Currency:      r.Currency,
		Price:         r.Price,
		IncludedUsage: r.IncludedUsage,
		OverageRate:   r.OverageRate,
		Features:      r.Entitlements,
	}
}

type SubscribeRequest struct {
	SubjectID uuid.UUID `json:"subject_id" binding:"required"`
}

type PreviewImpactRequest struct {
	Candidate      TierDefinitionRequest `json:"candidate"`
	ReplacesTierID *uuid.UUID            `json:"replaces_tier_id,omitempty"`
	Subscribers    []uuid.UUID           `json:"subscribers"`
	PeriodDays     int                   `json:"period_days" binding:"gte=0,lte=366"`
}

type TierListResponse struct {
	Tiers []*tier.Tier `json:"tiers"`
}
