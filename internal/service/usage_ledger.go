package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/domain/usage"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/metrics"
	"go.uber.org/zap"
)

// MetricPolicy decides whether an event's metric is known to the tier its
// subject is billed under.
type MetricPolicy interface {
	Recognizes(ctx context.Context, ev *usage.Event) (bool, error)
}

// TierMetricPolicy resolves the subject to a credential and checks the
// credential's tier. Subjects that are not credentials, and credentials not
// bound to a tier, may use any metric of the owner's active tiers. An owner
// without active tiers has nothing to check against and is not restricted.
type TierMetricPolicy struct {
	creds credential.Repository
	tiers tier.Repository
}

func NewTierMetricPolicy(creds credential.Repository, tiers tier.Repository) *TierMetricPolicy {
	return &TierMetricPolicy{creds: creds, tiers: tiers}
}

func (p *TierMetricPolicy) Recognizes(ctx context.Context, ev *usage.Event) (bool, error) {
	cred, err := p.creds.FindByID(ctx, ev.SubjectID)
	switch {
	case err == nil && cred.TierID != nil:
		t, err := pinnedTier(ctx, p.tiers, cred)
		if err != nil {
			if errors.Is(err, ierr.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return t.Recognizes(ev.Metric), nil
	case err != nil && !errors.Is(err, ierr.ErrNotFound):
		return false, err
	}

	active := tier.StatusActive
	tiers, err := p.tiers.List(ctx, tier.ListParams{OwnerID: ev.OwnerID, Status: &active})
	if err != nil {
		return false, err
	}
	if len(tiers) == 0 {
		return true, nil
	}
	for _, t := range tiers {
		if t.Recognizes(ev.Metric) {
			return true, nil
		}
	}
	return false, nil
}

type RecordResult struct {
	Event     *usage.Event
	Duplicate bool
}

type UsageLedger struct {
	repo              usage.Repository
	policy            MetricPolicy
	idempotencyWindow time.Duration
	logger            *zap.Logger
	metrics           *metrics.Metrics
	now               func() time.Time
}

func NewUsageLedger(repo usage.Repository, policy MetricPolicy, idempotencyWindow time.Duration, logger *zap.Logger, opts ...Option) *UsageLedger {
	o := buildOptions(opts)
	return &UsageLedger{
		repo:              repo,
		policy:            policy,
		idempotencyWindow: idempotencyWindow,
		logger:            logger.Named("UsageLedger"),
		metrics:           o.metrics,
		now:               o.now,
	}
}

// Record appends one event. A retry with the same IdempotencyKey inside the
// idempotency window returns the original event instead of counting twice.
func (l *UsageLedger) Record(ctx context.Context, ev usage.Event) (*RecordResult, error) {
	ev.Metric = strings.TrimSpace(ev.Metric)
	ev.IdempotencyKey = strings.TrimSpace(ev.IdempotencyKey)
	if err := validateEvent(&ev); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.RecordedAt = now
	ev.ID = uuid.New()

	if l.policy != nil {
		ok, err := l.policy.Recognizes(ctx, &ev)
		if err != nil {
			l.logger.Error("Failed to resolve metric policy", zap.String("subject_id", ev.SubjectID.String()), zap.Error(err))
			return nil, fmt.Errorf("resolving metric policy: %w", err)
		}
		if !ok {
			l.logger.Debug("Rejected unknown metric", zap.String("subject_id", ev.SubjectID.String()), zap.String("metric", ev.Metric))
			return nil, fmt.Errorf("%w: %q", ierr.ErrInvalidMetric, ev.Metric)
		}
	}

	stored, duplicate, err := l.repo.Append(ctx, &ev, now.Add(-l.idempotencyWindow))
	if err != nil {
		if errors.Is(err, ierr.ErrWriteConflict) {
			l.logger.Warn("Idempotency key reused with different payload",
				zap.String("owner_id", ev.OwnerID.String()),
				zap.String("idempotency_key", ev.IdempotencyKey),
			)
			return nil, err
		}
		l.logger.Error("Failed to append usage event", zap.String("subject_id", ev.SubjectID.String()), zap.Error(err))
		return nil, fmt.Errorf("repository error appending usage event: %w", err)
	}

	l.metrics.ObserveUsage(stored.Metric, stored.Quantity, duplicate)
	if duplicate {
		l.logger.Debug("Duplicate usage submission absorbed", zap.String("idempotency_key", ev.IdempotencyKey))
	}
	return &RecordResult{Event: stored, Duplicate: duplicate}, nil
}

func validateEvent(ev *usage.Event) error {
	switch {
	case ev.SubjectID == uuid.Nil:
		return fmt.Errorf("%w: subject id is required", ierr.ErrValidation)
	case ev.OwnerID == uuid.Nil:
		return fmt.Errorf("%w: owner id is required", ierr.ErrValidation)
	case ev.Metric == "":
		return fmt.Errorf("%w: metric is required", ierr.ErrValidation)
	case ev.Quantity == 0:
		return fmt.Errorf("%w: quantity must not be zero", ierr.ErrValidation)
	}
	return nil
}

// Aggregate returns the total quantity of metric for id in [from, to).
func (l *UsageLedger) Aggregate(ctx context.Context, id uuid.UUID, metric string, from, to time.Time) (int64, error) {
	if !to.After(from) {
		return 0, nil
	}
	total, err := l.repo.Sum(ctx, id, metric, from.UTC(), to.UTC())
	if err != nil {
		l.logger.Error("Failed to aggregate usage", zap.String("id", id.String()), zap.String("metric", metric), zap.Error(err))
		return 0, fmt.Errorf("repository error aggregating usage: %w", err)
	}
	return total, nil
}

// TimeSeries returns zero-filled totals in bucket-sized steps from from.
func (l *UsageLedger) TimeSeries(ctx context.Context, id uuid.UUID, metric string, bucket time.Duration, from, to time.Time) (*usage.Series, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("%w: bucket size must be positive", ierr.ErrValidation)
	}
	from, to = from.UTC(), to.UTC()
	if !to.After(from) {
		return usage.NewSeries(metric, from, from, bucket, nil), nil
	}
	totals, err := l.repo.BucketTotals(ctx, id, metric, from, to, bucket)
	if err != nil {
		l.logger.Error("Failed to load usage buckets", zap.String("id", id.String()), zap.String("metric", metric), zap.Error(err))
		return nil, fmt.Errorf("repository error loading usage buckets: %w", err)
	}
	return usage.NewSeries(metric, from, to, bucket, totals), nil
}

// MetricsSeen lists the metrics with at least one event for id in [from, to).
func (l *UsageLedger) MetricsSeen(ctx context.Context, id uuid.UUID, from, to time.Time) ([]string, error) {
	out, err := l.repo.Metrics(ctx, id, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("repository error listing metrics: %w", err)
	}
	return out, nil
}

// PurgeIdempotencyKeys forgets keys older than the idempotency window.
func (l *UsageLedger) PurgeIdempotencyKeys(ctx context.Context) (int64, error) {
	cutoff := l.now().UTC().Add(-l.idempotencyWindow)
	n, err := l.repo.PurgeIdempotencyKeys(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("repository error purging idempotency keys: %w", err)
	}
	l.logger.Info("Idempotency keys purged", zap.Int64("purged", n), zap.Time("cutoff", cutoff))
	return n, nil
}
