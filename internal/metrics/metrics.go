package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RateDecisions      *prometheus.CounterVec
	Validations        *prometheus.CounterVec
	VaultOperations    *prometheus.CounterVec
	UsageRecorded      *prometheus.CounterVec
	UsageDuplicates    prometheus.Counter
	PreviewDuration    prometheus.Histogram
	PreviewSubscribers prometheus.Histogram
	SweepTransitions   *prometheus.CounterVec
	RotationDue        prometheus.Gauge
}

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// New creates and registers all collectors on reg, or on the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keytier",
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by window and outcome",
			},
			[]string{"window", "outcome"},
		),
		Validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keytier",
				Subsystem: "vault",
				Name:      "validations_total",
				Help:      "API key validations by result",
			},
			[]string{"result"},
		),
		VaultOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keytier",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Key lifecycle operations by kind",
			},
			[]string{"operation"},
		),
		UsageRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keytier",
				Subsystem: "usage",
				Name:      "quantity_total",
				Help:      "Recorded usage quantity by metric",
			},
			[]string{"metric"},
		),
		UsageDuplicates: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keytier",
				Subsystem: "usage",
				Name:      "duplicates_total",
				Help:      "Usage submissions absorbed by idempotency keys",
			},
		),
		PreviewDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "keytier",
				Subsystem: "impact",
				Name:      "preview_duration_seconds",
				Help:      "Duration of tier impact previews",
				Buckets:   defaultBuckets,
			},
		),
		PreviewSubscribers: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "keytier",
				Subsystem: "impact",
				Name:      "preview_subscribers",
				Help:      "Subscribers evaluated per impact preview",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		SweepTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keytier",
				Subsystem: "vault",
				Name:      "sweep_transitions_total",
				Help:      "Credential state transitions persisted by the sweep task",
			},
			[]string{"to"},
		),
		RotationDue: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "keytier",
				Subsystem: "vault",
				Name:      "rotation_due",
				Help:      "Active API keys past their scheduled rotation at the last sweep",
			},
		),
	}
}

// The Observe helpers are no-ops on a nil *Metrics so components can run
// without a registry in tests.

func (m *Metrics) ObserveRateDecision(window string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allow"
	if !allowed {
		outcome = "deny"
	}
	if window == "" {
		window = "none"
	}
	m.RateDecisions.WithLabelValues(window, outcome).Inc()
}

func (m *Metrics) ObserveValidation(result string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveVaultOperation(op string) {
	if m == nil {
		return
	}
	m.VaultOperations.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveUsage(metric string, quantity int64, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.UsageDuplicates.Inc()
		return
	}
	// counters cannot go down; compensating events are not reflected here
	if quantity > 0 {
		m.UsageRecorded.WithLabelValues(metric).Add(float64(quantity))
	}
}

func (m *Metrics) ObservePreview(d time.Duration, subscribers int) {
	if m == nil {
		return
	}
	m.PreviewDuration.Observe(d.Seconds())
	m.PreviewSubscribers.Observe(float64(subscribers))
}

func (m *Metrics) ObserveSweep(activated, expired, revoked int) {
	if m == nil {
		return
	}
	m.SweepTransitions.WithLabelValues("active").Add(float64(activated))
	m.SweepTransitions.WithLabelValues("expired").Add(float64(expired))
	m.SweepTransitions.WithLabelValues("revoked").Add(float64(revoked))
}

func (m *Metrics) ObserveRotationDue(n int) {
	if m == nil {
		return
	}
	m.RotationDue.Set(float64(n))
}
