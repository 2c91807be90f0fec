// Package entitlement decides whether a request is covered by a tier and what
// it costs. Feature gates can deny; metered allowances only ever bill overage.
package entitlement

import (
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomePermit  Outcome = "permit"
	OutcomeOverage Outcome = "overage"
	OutcomeDenied  Outcome = "denied"
)

// Decision is a routine result, never an error. OverageQuantity and Cost are
// set only for OutcomeOverage.
type Decision struct {
	Outcome         Outcome         `json:"outcome"`
	Metric          string          `json:"metric"`
	OverageQuantity int64           `json:"overage_quantity,omitempty"`
	Cost            decimal.Decimal `json:"cost"`
}

func (d Decision) Permitted() bool {
	return d.Outcome != OutcomeDenied
}

// Snapshot is usage consumed so far in the current billing period, per metric.
type Snapshot map[string]int64

// Evaluate decides a request for requested units of metric on top of snapshot.
// A key the tier does not meter is treated as a feature gate and is denied
// unless the tier carries the flag.
func Evaluate(t *tier.Tier, snapshot Snapshot, metric string, requested int64) Decision {
	ent, ok := t.Resolve(metric)
	if !ok {
		return Decision{Outcome: OutcomeDenied, Metric: metric, Cost: decimal.Zero}
	}

	switch e := ent.(type) {
	case tier.FeatureFlag:
		return Decision{Outcome: OutcomePermit, Metric: metric, Cost: decimal.Zero}
	case tier.MeteredAllowance:
		return evaluateMetered(e, snapshot[metric], requested)
	default:
		return Decision{Outcome: OutcomeDenied, Metric: metric, Cost: decimal.Zero}
	}
}

func evaluateMetered(a tier.MeteredAllowance, used, requested int64) Decision {
	if requested < 0 {
		requested = 0
	}
	total := used + requested
	if total <= a.Included {
		return Decision{Outcome: OutcomePermit, Metric: a.Metric, Cost: decimal.Zero}
	}

	// only the part of this request above the allowance is billed
	billedFrom := max(a.Included, used)
	overage := total - billedFrom
	if overage <= 0 {
		return Decision{Outcome: OutcomePermit, Metric: a.Metric, Cost: decimal.Zero}
	}
	return Decision{
		Outcome:         OutcomeOverage,
		Metric:          a.Metric,
		OverageQuantity: overage,
		Cost:            a.OverageRate.Mul(decimal.NewFromInt(overage)),
	}
}

// Bill is the cost of a whole period of usage under a tier.
type Bill struct {
	Base    decimal.Decimal     `json:"base"`
	Lines   map[string]Decision `json:"lines"`
	Total   decimal.Decimal     `json:"total"`
	Overage bool                `json:"overage"`
}

// BillPeriod prices period usage for every metered metric of t. Metrics in
// usage that t does not meter are ignored.
func BillPeriod(t *tier.Tier, usage Snapshot) Bill {
	b := Bill{Base: t.Price, Lines: make(map[string]Decision, len(t.IncludedUsage)), Total: t.Price}
	for _, metric := range t.Metrics() {
		d := Evaluate(t, Snapshot{}, metric, usage[metric])
		b.Lines[metric] = d
		if d.Outcome == OutcomeOverage {
			b.Overage = true
			b.Total = b.Total.Add(d.Cost)
		}
	}
	return b
}
