package tier

import "github.com/shopspring/decimal"

// Entitlement is a closed set: FeatureFlag or MeteredAllowance.
type Entitlement interface {
	Key() string
	entitlement()
}

// FeatureFlag is a boolean permission. Holding it grants the feature.
type FeatureFlag struct {
	Name string
}

// MeteredAllowance is included usage per billing period plus the per-unit
// price of usage beyond it.
type MeteredAllowance struct {
	Metric      string
	Included    int64
	OverageRate decimal.Decimal
}

func (f FeatureFlag) Key() string      { return f.Name }
func (m MeteredAllowance) Key() string { return m.Metric }

func (FeatureFlag) entitlement()      {}
func (MeteredAllowance) entitlement() {}

// Resolve maps a metric or feature key to the tier's entitlement for it.
func (t *Tier) Resolve(key string) (Entitlement, bool) {
	if included, ok := t.IncludedUsage[key]; ok {
		return MeteredAllowance{Metric: key, Included: included, OverageRate: t.OverageRate[key]}, true
	}
	for _, f := range t.Features {
		if f == key {
			return FeatureFlag{Name: f}, true
		}
	}
	return nil, false
}

// Entitlements lists every entitlement, metered allowances first.
func (t *Tier) Entitlements() []Entitlement {
	out := make([]Entitlement, 0, len(t.IncludedUsage)+len(t.Features))
	for _, metric := range t.Metrics() {
		out = append(out, MeteredAllowance{Metric: metric, Included: t.IncludedUsage[metric], OverageRate: t.OverageRate[metric]})
	}
	for _, f := range t.Features {
		out = append(out, FeatureFlag{Name: f})
	}
	return out
}
