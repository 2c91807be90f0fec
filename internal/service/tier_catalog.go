package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/subscription"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"go.uber.org/zap"
)

const defaultCurrency = "USD"

type TierCatalog struct {
	repo   tier.Repository
	subs   subscription.Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewTierCatalog(repo tier.Repository, subs subscription.Repository, logger *zap.Logger, opts ...Option) *TierCatalog {
	o := buildOptions(opts)
	return &TierCatalog{
		repo:   repo,
		subs:   subs,
		logger: logger.Named("TierCatalog"),
		now:    o.now,
	}
}

func (c *TierCatalog) Create(ctx context.Context, ownerID uuid.UUID, def tier.Definition) (*tier.Tier, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", ierr.ErrValidation)
	}

	now := c.now().UTC()
	t := def.Tier()
	t.ID = uuid.New()
	t.OwnerID = ownerID
	t.Name = strings.TrimSpace(t.Name)
	t.Currency = normalizeCurrency(t.Currency)
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrMalformedTier, err)
	}
	if err := c.repo.Create(ctx, t); err != nil {
		c.logger.Error("Failed to create tier", zap.String("owner_id", ownerID.String()), zap.Error(err))
		return nil, fmt.Errorf("repository error creating tier: %w", err)
	}

	c.logger.Info("Tier created", zap.String("tier_id", t.ID.String()), zap.String("name", t.Name))
	return t, nil
}

// Clone copies the latest version of sourceID into a new tier at version 1.
// The copy always starts active, even from an archived source; every other
// field matches the source unless overridden. The source is never modified.
func (c *TierCatalog) Clone(ctx context.Context, ownerID, sourceID uuid.UUID, overrides tier.Patch) (*tier.Tier, error) {
	src, err := c.Get(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	t := src.Apply(overrides)
	t.ID = uuid.New()
	t.Version = 1
	parent := src.ID
	t.ParentTierID = &parent
	t.Status = tier.StatusActive
	t.Name = strings.TrimSpace(t.Name)
	t.Currency = normalizeCurrency(t.Currency)
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrMalformedTier, err)
	}
	if err := c.repo.Create(ctx, t); err != nil {
		c.logger.Error("Failed to store cloned tier", zap.String("source_id", sourceID.String()), zap.Error(err))
		return nil, fmt.Errorf("repository error cloning tier: %w", err)
	}

	c.logger.Info("Tier cloned", zap.String("source_id", sourceID.String()), zap.String("tier_id", t.ID.String()))
	return t, nil
}

// Update writes patch as the next version. Subscribers stay pinned to the
// version they were on.
func (c *TierCatalog) Update(ctx context.Context, ownerID, tierID uuid.UUID, patch tier.Patch) (*tier.Tier, error) {
	cur, err := c.Get(ctx, ownerID, tierID)
	if err != nil {
		return nil, err
	}
	if cur.Status == tier.StatusArchived {
		return nil, fmt.Errorf("%w: tier %s is archived", ierr.ErrConflict, tierID)
	}

	next := cur.Apply(patch)
	next.Name = strings.TrimSpace(next.Name)
	next.Currency = normalizeCurrency(next.Currency)
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ierr.ErrMalformedTier, err)
	}
	return c.insertNext(ctx, next)
}

// Archive hides the tier from new subscriptions. Existing subscribers keep
// their pinned version.
func (c *TierCatalog) Archive(ctx context.Context, ownerID, tierID uuid.UUID) (*tier.Tier, error) {
	cur, err := c.Get(ctx, ownerID, tierID)
	if err != nil {
		return nil, err
	}
	if cur.Status == tier.StatusArchived {
		return cur, nil
	}
	next := cur.Clone()
	next.Status = tier.StatusArchived
	return c.insertNext(ctx, next)
}

func (c *TierCatalog) insertNext(ctx context.Context, next *tier.Tier) (*tier.Tier, error) {
	next.Version++
	next.UpdatedAt = c.now().UTC()
	if err := c.repo.InsertVersion(ctx, next); err != nil {
		if errors.Is(err, ierr.ErrConflict) {
			c.logger.Info("Concurrent tier edit rejected", zap.String("tier_id", next.ID.String()), zap.Int("version", next.Version))
			return nil, err
		}
		c.logger.Error("Failed to insert tier version", zap.String("tier_id", next.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("repository error updating tier: %w", err)
	}

	c.logger.Info("Tier version written",
		zap.String("tier_id", next.ID.String()),
		zap.Int("version", next.Version),
		zap.String("status", string(next.Status)),
	)
	return next, nil
}

// Get returns the latest version of an owner's tier.
func (c *TierCatalog) Get(ctx context.Context, ownerID, tierID uuid.UUID) (*tier.Tier, error) {
	t, err := c.repo.FindLatest(ctx, tierID)
	if err != nil {
		if errors.Is(err, ierr.ErrNotFound) {
			return nil, ierr.ErrNotFound
		}
		return nil, fmt.Errorf("repository error loading tier: %w", err)
	}
	if t.OwnerID != ownerID {
		return nil, ierr.ErrNotFound
	}
	return t, nil
}

func (c *TierCatalog) GetVersion(ctx context.Context, ownerID, tierID uuid.UUID, version int) (*tier.Tier, error) {
	t, err := c.repo.FindVersion(ctx, tierID, version)
	if err != nil {
		if errors.Is(err, ierr.ErrNotFound) {
			return nil, ierr.ErrNotFound
		}
		return nil, fmt.Errorf("repository error loading tier version: %w", err)
	}
	if t.OwnerID != ownerID {
		return nil, ierr.ErrNotFound
	}
	return t, nil
}

func (c *TierCatalog) List(ctx context.Context, ownerID uuid.UUID, status *tier.Status) ([]*tier.Tier, error) {
	out, err := c.repo.List(ctx, tier.ListParams{OwnerID: ownerID, Status: status})
	if err != nil {
		c.logger.Error("Failed to list tiers", zap.Error(err))
		return nil, fmt.Errorf("repository error listing tiers: %w", err)
	}
	return out, nil
}

// Subscribe pins subjectID to the current version of an active tier.
func (c *TierCatalog) Subscribe(ctx context.Context, ownerID, tierID, subjectID uuid.UUID) (*subscription.Subscription, error) {
	if subjectID == uuid.Nil {
		return nil, fmt.Errorf("%w: subject id is required", ierr.ErrValidation)
	}
	t, err := c.Get(ctx, ownerID, tierID)
	if err != nil {
		return nil, err
	}
	if t.Status != tier.StatusActive {
		return nil, fmt.Errorf("%w: tier %s is archived", ierr.ErrConflict, tierID)
	}

	if _, err := c.subs.FindActiveBySubject(ctx, ownerID, subjectID); err == nil {
		return nil, fmt.Errorf("%w: subject %s already has an active subscription", ierr.ErrConflict, subjectID)
	} else if !errors.Is(err, ierr.ErrNotFound) {
		return nil, fmt.Errorf("repository error loading subscription: %w", err)
	}

	s := &subscription.Subscription{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		SubjectID:   subjectID,
		TierID:      t.ID,
		TierVersion: t.Version,
		Status:      subscription.StatusActive,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.subs.Create(ctx, s); err != nil {
		c.logger.Error("Failed to create subscription", zap.String("tier_id", tierID.String()), zap.Error(err))
		return nil, fmt.Errorf("repository error creating subscription: %w", err)
	}

	c.logger.Info("Subscription created",
		zap.String("subject_id", subjectID.String()),
		zap.String("tier_id", t.ID.String()),
		zap.Int("tier_version", t.Version),
	)
	return s, nil
}

func normalizeCurrency(cur string) string {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if cur == "" {
		return defaultCurrency
	}
	return cur
}
