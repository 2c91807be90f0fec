package tier

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

type Tier struct {
	ID            uuid.UUID                  `json:"id"`
	OwnerID       uuid.UUID                  `json:"owner_id"`
	Name          string                     `json:"name"`
	Currency      string                     `json:"currency"`
	Price         decimal.Decimal            `json:"price"`
	IncludedUsage map[string]int64           `json:"included_usage"`
	OverageRate   map[string]decimal.Decimal `json:"overage_rate"`
	Features      []string                   `json:"entitlements"`
	Version       int                        `json:"version"`
	ParentTierID  *uuid.UUID                 `json:"parent_tier_id,omitempty"`
	Status        Status                     `json:"status"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Definition is the caller-supplied content of a new tier.
type Definition struct {
	Name          string
	Currency      string
	Price         decimal.Decimal
	IncludedUsage map[string]int64
	OverageRate   map[string]decimal.Decimal
	Features      []string
}

// Patch overrides tier fields one by one. Nil fields are left untouched; a
// non-nil map or slice replaces the whole field, including with an empty value.
type Patch struct {
	Name          *string
	Currency      *string
	Price         *decimal.Decimal
	IncludedUsage map[string]int64
	OverageRate   map[string]decimal.Decimal
	Features      []string
}

func (d Definition) Tier() *Tier {
	t := &Tier{
		Name:          d.Name,
		Currency:      d.Currency,
		Price:         d.Price,
		IncludedUsage: maps.Clone(d.IncludedUsage),
		OverageRate:   maps.Clone(d.OverageRate),
		Features:      normalizeFeatures(d.Features),
		Status:        StatusActive,
	}
	t.ensureMaps()
	return t
}

// Clone deep-copies the tier.
func (t *Tier) Clone() *Tier {
	cp := *t
	cp.IncludedUsage = maps.Clone(t.IncludedUsage)
	cp.OverageRate = maps.Clone(t.OverageRate)
	cp.Features = slices.Clone(t.Features)
	if t.ParentTierID != nil {
		parent := *t.ParentTierID
		cp.ParentTierID = &parent
	}
	cp.ensureMaps()
	return &cp
}

// Apply returns a patched deep copy; t is not modified.
func (t *Tier) Apply(p Patch) *Tier {
	out := t.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Currency != nil {
		out.Currency = *p.Currency
	}
	if p.Price != nil {
		out.Price = *p.Price
	}
	if p.IncludedUsage != nil {
		out.IncludedUsage = maps.Clone(p.IncludedUsage)
	}
	if p.OverageRate != nil {
		out.OverageRate = maps.Clone(p.OverageRate)
	}
	if p.Features != nil {
		out.Features = normalizeFeatures(p.Features)
	}
	out.ensureMaps()
	return out
}

// Validate checks the structural invariants of a tier definition.
func (t *Tier) Validate() error {
	var problems []string
	if strings.TrimSpace(t.Name) == "" {
		problems = append(problems, "name is required")
	}
	if t.Price.IsNegative() {
		problems = append(problems, "price must not be negative")
	}
	for metric, included := range t.IncludedUsage {
		if strings.TrimSpace(metric) == "" {
			problems = append(problems, "metric name must not be empty")
		}
		if included < 0 {
			problems = append(problems, fmt.Sprintf("included usage for %q must not be negative", metric))
		}
		if _, ok := t.OverageRate[metric]; !ok {
			problems = append(problems, fmt.Sprintf("metric %q has included usage but no overage rate", metric))
		}
	}
	for metric, rate := range t.OverageRate {
		if _, ok := t.IncludedUsage[metric]; !ok {
			problems = append(problems, fmt.Sprintf("metric %q has an overage rate but no included usage", metric))
		}
		if rate.IsNegative() {
			problems = append(problems, fmt.Sprintf("overage rate for %q must not be negative", metric))
		}
	}
	for _, f := range t.Features {
		if _, ok := t.IncludedUsage[f]; ok {
			problems = append(problems, fmt.Sprintf("%q is declared both as entitlement and metered usage", f))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return fmt.Errorf("%s", strings.Join(problems, "; "))
}

func (t *Tier) Metrics() []string {
	return slices.Sorted(maps.Keys(t.IncludedUsage))
}

// Recognizes reports whether key names a metered metric or a feature of the tier.
func (t *Tier) Recognizes(key string) bool {
	if _, ok := t.IncludedUsage[key]; ok {
		return true
	}
	return slices.Contains(t.Features, key)
}

func (t *Tier) ensureMaps() {
	if t.IncludedUsage == nil {
		t.IncludedUsage = map[string]int64{}
	}
	if t.OverageRate == nil {
		t.OverageRate = map[string]decimal.Decimal{}
	}
	if t.Features == nil {
		t.Features = []string{}
	}
}

func normalizeFeatures(in []string) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
