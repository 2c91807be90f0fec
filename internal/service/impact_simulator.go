package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/subscription"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/entitlement"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultImpactPeriod      = 30 * 24 * time.Hour
	defaultImpactParallelism = 8
)

type ImpactRequest struct {
	Candidate tier.Definition
	// ReplacesTierID selects the existing tier whose active subscribers are
	// replayed. When nil, Subscribers is used instead.
	ReplacesTierID *uuid.UUID
	Subscribers    []uuid.UUID
	Period         time.Duration
}

type CostChange string

const (
	CostIncreased CostChange = "increased"
	CostDecreased CostChange = "decreased"
	CostUnchanged CostChange = "unchanged"
)

type SubscriberImpact struct {
	SubjectID       uuid.UUID                       `json:"subject_id"`
	CurrentTierID   *uuid.UUID                      `json:"current_tier_id,omitempty"`
	CurrentVersion  int                             `json:"current_version,omitempty"`
	Usage           entitlement.Snapshot            `json:"usage"`
	Lines           map[string]entitlement.Decision `json:"lines"`
	WithinAllowance bool                            `json:"within_allowance"`
	OverageQuantity int64                           `json:"overage_quantity"`
	OverageCost     decimal.Decimal                 `json:"overage_cost"`
	CurrentCost     decimal.Decimal                 `json:"current_cost"`
	CandidateCost   decimal.Decimal                 `json:"candidate_cost"`
	Change          CostChange                      `json:"change"`
}

type ImpactSummary struct {
	Increased int `json:"increased"`
	Decreased int `json:"decreased"`
	Unchanged int `json:"unchanged"`
	InOverage int `json:"in_overage"`
}

type ImpactReport struct {
	OwnerID     uuid.UUID          `json:"owner_id"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	Subscribers []SubscriberImpact `json:"subscribers"`
	Summary     ImpactSummary      `json:"summary"`
}

// ImpactSimulator replays trailing usage against a candidate tier. It only
// reads from the ledger and the catalog.
type ImpactSimulator struct {
	ledger      *UsageLedger
	tiers       tier.Repository
	subs        subscription.Repository
	parallelism int
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewImpactSimulator(ledger *UsageLedger, tiers tier.Repository, subs subscription.Repository, parallelism int, logger *zap.Logger, opts ...Option) *ImpactSimulator {
	o := buildOptions(opts)
	if parallelism <= 0 {
		parallelism = defaultImpactParallelism
	}
	return &ImpactSimulator{
		ledger:      ledger,
		tiers:       tiers,
		subs:        subs,
		parallelism: parallelism,
		logger:      logger.Named("ImpactSimulator"),
		metrics:     o.metrics,
		now:         o.now,
	}
}

type subscriberTerms struct {
	subjectID uuid.UUID
	current   *tier.Tier
}

func (s *ImpactSimulator) PreviewImpact(ctx context.Context, ownerID uuid.UUID, req ImpactRequest) (*ImpactReport, error) {
	started := time.Now()

	candidate := req.Candidate.Tier()
	candidate.OwnerID = ownerID
	if err := candidate.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrMalformedTier, err)
	}
	period := req.Period
	if period <= 0 {
		period = DefaultImpactPeriod
	}

	terms, err := s.resolveSubscribers(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}

	to := s.now().UTC()
	from := to.Add(-period)
	results := make([]SubscriberImpact, len(terms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, st := range terms {
		g.Go(func() error {
			impact, err := s.evaluate(gctx, candidate, st, from, to)
			if err != nil {
				return err
			}
			results[i] = impact
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error("Impact preview failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		return nil, err
	}

	report := &ImpactReport{OwnerID: ownerID, From: from, To: to, Subscribers: results}
	for _, r := range results {
		switch r.Change {
		case CostIncreased:
			report.Summary.Increased++
		case CostDecreased:
			report.Summary.Decreased++
		default:
			report.Summary.Unchanged++
		}
		if !r.WithinAllowance {
			report.Summary.InOverage++
		}
	}

	s.metrics.ObservePreview(time.Since(started), len(results))
	s.logger.Info("Impact preview computed",
		zap.String("owner_id", ownerID.String()),
		zap.Int("subscribers", len(results)),
		zap.Int("increased", report.Summary.Increased),
		zap.Int("decreased", report.Summary.Decreased),
		zap.Int("unchanged", report.Summary.Unchanged),
	)
	return report, nil
}

func (s *ImpactSimulator) resolveSubscribers(ctx context.Context, ownerID uuid.UUID, req ImpactRequest) ([]subscriberTerms, error) {
	if req.ReplacesTierID != nil {
		replaced, err := s.tiers.FindLatest(ctx, *req.ReplacesTierID)
		if err != nil || replaced.OwnerID != ownerID {
			if err == nil || errors.Is(err, ierr.ErrNotFound) {
				return nil, ierr.ErrNotFound
			}
			return nil, fmt.Errorf("repository error loading tier: %w", err)
		}
		subs, err := s.subs.ListActiveByTier(ctx, ownerID, replaced.ID)
		if err != nil {
			return nil, fmt.Errorf("repository error listing subscriptions: %w", err)
		}
		out := make([]subscriberTerms, 0, len(subs))
		for _, sub := range subs {
			current, err := s.pinnedTerms(ctx, sub)
			if err != nil {
				return nil, err
			}
			out = append(out, subscriberTerms{subjectID: sub.SubjectID, current: current})
		}
		return out, nil
	}

	seen := make(map[uuid.UUID]struct{}, len(req.Subscribers))
	out := make([]subscriberTerms, 0, len(req.Subscribers))
	for _, id := range req.Subscribers {
		if _, dup := seen[id]; dup || id == uuid.Nil {
			continue
		}
		seen[id] = struct{}{}

		st := subscriberTerms{subjectID: id}
		sub, err := s.subs.FindActiveBySubject(ctx, ownerID, id)
		switch {
		case err == nil:
			if st.current, err = s.pinnedTerms(ctx, sub); err != nil {
				return nil, err
			}
		case !errors.Is(err, ierr.ErrNotFound):
			return nil, fmt.Errorf("repository error loading subscription: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *ImpactSimulator) pinnedTerms(ctx context.Context, sub *subscription.Subscription) (*tier.Tier, error) {
	t, err := s.tiers.FindVersion(ctx, sub.TierID, sub.TierVersion)
	if err != nil {
		if errors.Is(err, ierr.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("repository error loading tier version: %w", err)
	}
	return t, nil
}

func (s *ImpactSimulator) evaluate(ctx context.Context, candidate *tier.Tier, st subscriberTerms, from, to time.Time) (SubscriberImpact, error) {
	metricSet := make(map[string]struct{})
	for _, m := range candidate.Metrics() {
		metricSet[m] = struct{}{}
	}
	if st.current != nil {
		for _, m := range st.current.Metrics() {
			metricSet[m] = struct{}{}
		}
	}

	snapshot := make(entitlement.Snapshot, len(metricSet))
	for _, m := range slices.Sorted(maps.Keys(metricSet)) {
		total, err := s.ledger.Aggregate(ctx, st.subjectID, m, from, to)
		if err != nil {
			return SubscriberImpact{}, err
		}
		snapshot[m] = total
	}

	next := entitlement.BillPeriod(candidate, snapshot)
	impact := SubscriberImpact{
		SubjectID:       st.subjectID,
		Usage:           snapshot,
		Lines:           next.Lines,
		WithinAllowance: !next.Overage,
		OverageCost:     next.Total.Sub(next.Base),
		CurrentCost:     decimal.Zero,
		CandidateCost:   next.Total,
	}
	for _, d := range next.Lines {
		impact.OverageQuantity += d.OverageQuantity
	}
	if st.current != nil {
		id := st.current.ID
		impact.CurrentTierID = &id
		impact.CurrentVersion = st.current.Version
		impact.CurrentCost = entitlement.BillPeriod(st.current, snapshot).Total
	}

	switch impact.CandidateCost.Cmp(impact.CurrentCost) {
	case 1:
		impact.Change = CostIncreased
	case -1:
		impact.Change = CostDecreased
	default:
		impact.Change = CostUnchanged
	}
	return impact, nil
}
