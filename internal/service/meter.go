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
	"github.com/makkenzo/keytier-api/internal/entitlement"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/ratelimit"
	"go.uber.org/zap"
)

type ConsumeRequest struct {
	Metric         string
	Quantity       int64
	Feature        string
	IdempotencyKey string
	Timestamp      time.Time
}

// ConsumeResult collects the outcome of one metered call. A rate-limit denial
// leaves Usage nil; Allowance and Feature are set only when the credential is
// bound to a tier or a feature was asked for.
type ConsumeResult struct {
	Credential *credential.Credential
	Rate       ratelimit.Decision
	Usage      *RecordResult
	Allowance  *entitlement.Decision
	Feature    *entitlement.Decision
}

// Meter runs the hot path: validate the credential, check its windows,
// record the usage and optionally gate a feature.
type Meter struct {
	vault   *KeyVault
	limiter *ratelimit.Limiter
	ledger  *UsageLedger
	tiers   tier.Repository
	logger  *zap.Logger
	now     func() time.Time
}

func NewMeter(vault *KeyVault, limiter *ratelimit.Limiter, ledger *UsageLedger, tiers tier.Repository, logger *zap.Logger, opts ...Option) *Meter {
	o := buildOptions(opts)
	return &Meter{
		vault:   vault,
		limiter: limiter,
		ledger:  ledger,
		tiers:   tiers,
		logger:  logger.Named("Meter"),
		now:     o.now,
	}
}

// Consume validates rawSecret and meters one call against it.
func (m *Meter) Consume(ctx context.Context, rawSecret string, req ConsumeRequest) (*ConsumeResult, error) {
	cred, err := m.vault.Validate(ctx, rawSecret)
	if err != nil {
		return nil, err
	}
	return m.ConsumeAs(ctx, cred, req)
}

// ConsumeAs meters a call for a credential that was already validated.
func (m *Meter) ConsumeAs(ctx context.Context, cred *credential.Credential, req ConsumeRequest) (*ConsumeResult, error) {
	res := &ConsumeResult{Credential: cred}

	var err error
	res.Rate, err = m.limiter.Check(ctx, cred.ID, cred.RateLimits)
	if err != nil {
		return nil, err
	}
	if !res.Rate.Allowed {
		return res, nil
	}

	metric := strings.TrimSpace(req.Metric)
	if metric == "" {
		metric = usage.MetricAPICall
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}

	t, err := m.boundTier(ctx, cred)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	// current calendar month is the billing period
	periodStart := ratelimit.WindowStart(ratelimit.WindowMonth, now)
	periodEnd := now.Add(time.Nanosecond)
	var used int64
	if t != nil {
		if used, err = m.ledger.Aggregate(ctx, cred.ID, metric, periodStart, periodEnd); err != nil {
			return nil, err
		}
	}

	res.Usage, err = m.ledger.Record(ctx, usage.Event{
		SubjectID:      cred.ID,
		OwnerID:        cred.OwnerID,
		Metric:         metric,
		Quantity:       quantity,
		Timestamp:      req.Timestamp,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	if t != nil {
		if res.Usage.Duplicate {
			// the snapshot already holds the original event; judge the retry
			// as the original was judged
			stored := res.Usage.Event
			quantity = stored.Quantity
			if stored.Metric == metric && !stored.Timestamp.Before(periodStart) && stored.Timestamp.Before(periodEnd) {
				used -= stored.Quantity
			}
		}
		d := entitlement.Evaluate(t, entitlement.Snapshot{metric: used}, metric, quantity)
		res.Allowance = &d
	}
	if feature := strings.TrimSpace(req.Feature); feature != "" {
		d := entitlement.Decision{Outcome: entitlement.OutcomeDenied, Metric: feature}
		if t != nil {
			d = entitlement.Evaluate(t, nil, feature, 0)
		}
		res.Feature = &d
	}

	go func(id uuid.UUID) {
		ctxAsync, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.vault.TouchLastUsed(ctxAsync, id)
	}(cred.ID)

	m.logger.Debug("Usage metered",
		zap.String("key_id", cred.ID.String()),
		zap.String("metric", metric),
		zap.Int64("quantity", quantity),
		zap.Bool("duplicate", res.Usage.Duplicate),
	)
	return res, nil
}

func (m *Meter) boundTier(ctx context.Context, cred *credential.Credential) (*tier.Tier, error) {
	t, err := pinnedTier(ctx, m.tiers, cred)
	if err != nil {
		if errors.Is(err, ierr.ErrNotFound) {
			m.logger.Warn("Credential bound to missing tier",
				zap.String("key_id", cred.ID.String()),
				zap.String("tier_id", cred.TierID.String()),
				zap.Int("tier_version", cred.TierVersion),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("repository error loading tier: %w", err)
	}
	return t, nil
}

// pinnedTier loads the tier version the credential was issued under. Keys
// stored before versions were pinned carry version 0 and follow the latest.
// It returns nil, nil for a credential without a tier.
func pinnedTier(ctx context.Context, tiers tier.Repository, cred *credential.Credential) (*tier.Tier, error) {
	if cred.TierID == nil {
		return nil, nil
	}
	if cred.TierVersion > 0 {
		return tiers.FindVersion(ctx, *cred.TierID, cred.TierVersion)
	}
	return tiers.FindLatest(ctx, *cred.TierID)
}
