package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/domain/usage"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/makkenzo/keytier-api/internal/metrics"
	"github.com/makkenzo/keytier-api/internal/util"
	"go.uber.org/zap"
)

type GenerateRequest struct {
	OwnerID     uuid.UUID
	TierID      *uuid.UUID
	Environment credential.Environment
	Scopes      []string
	// RateLimits falls back to the vault defaults when nil.
	RateLimits       *credential.RateLimits
	Description      string
	NotBefore        *time.Time
	ExpiresAt        *time.Time
	RotationInterval time.Duration
}

type VaultSettings struct {
	GracePeriod       time.Duration
	DefaultRateLimits credential.RateLimits
	MaxUsageStatDays  int
}

type KeyVault struct {
	repo     credential.Repository
	tiers    tier.Repository
	ledger   *UsageLedger
	hasher   *util.Hasher
	settings VaultSettings
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewKeyVault(repo credential.Repository, tiers tier.Repository, ledger *UsageLedger, hasher *util.Hasher, settings VaultSettings, logger *zap.Logger, opts ...Option) *KeyVault {
	o := buildOptions(opts)
	if settings.MaxUsageStatDays <= 0 {
		settings.MaxUsageStatDays = 90
	}
	return &KeyVault{
		repo:     repo,
		tiers:    tiers,
		ledger:   ledger,
		hasher:   hasher,
		settings: settings,
		logger:   logger.Named("KeyVault"),
		metrics:  o.metrics,
		now:      o.now,
	}
}

// Generate issues a new credential. The raw secret is returned once and is
// not stored anywhere; only its hash is persisted.
func (v *KeyVault) Generate(ctx context.Context, req GenerateRequest) (string, *credential.Credential, error) {
	if req.OwnerID == uuid.Nil {
		return "", nil, fmt.Errorf("%w: owner id is required", ierr.ErrValidation)
	}
	if !req.Environment.Valid() {
		return "", nil, fmt.Errorf("%w: environment must be test or live", ierr.ErrValidation)
	}
	limits := v.settings.DefaultRateLimits
	if req.RateLimits != nil {
		limits = *req.RateLimits
	}
	if limits.PerHour < 0 || limits.PerDay < 0 || limits.PerMonth < 0 {
		return "", nil, fmt.Errorf("%w: rate limits must not be negative", ierr.ErrValidation)
	}
	if req.RotationInterval < 0 {
		return "", nil, fmt.Errorf("%w: rotation interval must not be negative", ierr.ErrValidation)
	}

	now := v.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return "", nil, fmt.Errorf("%w: expires_at must be in the future", ierr.ErrValidation)
	}

	var tierVersion int
	if req.TierID != nil {
		t, err := v.issuableTier(ctx, req.OwnerID, *req.TierID)
		if err != nil {
			return "", nil, err
		}
		tierVersion = t.Version
	}

	v.logger.Info("Generating new API key", zap.String("owner_id", req.OwnerID.String()), zap.String("environment", string(req.Environment)))

	raw, prefix, hint, hash, err := v.hasher.GenerateSecret(req.Environment)
	if err != nil {
		v.logger.Error("Failed to generate api key components", zap.Error(err))
		return "", nil, fmt.Errorf("%w: failed generating key: %v", ierr.ErrInternalServer, err)
	}

	cred := &credential.Credential{
		ID:               uuid.New(),
		OwnerID:          req.OwnerID,
		LineageID:        uuid.New(),
		TierID:           req.TierID,
		TierVersion:      tierVersion,
		Environment:      req.Environment,
		SecretHash:       hash,
		Prefix:           prefix,
		Hint:             hint,
		Description:      req.Description,
		Scopes:           normalizeScopes(req.Scopes),
		RateLimits:       limits,
		Status:           credential.StatusActive,
		CreatedAt:        now,
		NotBefore:        req.NotBefore,
		ExpiresAt:        req.ExpiresAt,
		RotationInterval: req.RotationInterval,
	}
	if req.NotBefore != nil && req.NotBefore.After(now) {
		cred.Status = credential.StatusPending
	}
	if req.RotationInterval > 0 {
		rotatesAt := now.Add(req.RotationInterval)
		cred.RotatesAt = &rotatesAt
	}

	lineage := &credential.Lineage{ID: cred.LineageID, OwnerID: cred.OwnerID, ActiveID: cred.ID}
	if err := v.repo.Create(ctx, cred, lineage); err != nil {
		v.logger.Error("Failed to save new api key", zap.Error(err))
		return "", nil, fmt.Errorf("repository error creating api key: %w", err)
	}

	v.metrics.ObserveVaultOperation("generate")
	v.logger.Info("API key created successfully", zap.String("id", cred.ID.String()), zap.String("hint", cred.Hint))
	return raw, cred, nil
}

// Rotate issues a successor with the same scopes and limits. The old key stays
// valid for the grace period and is revoked after it. Both state changes are
// applied together by the repository.
func (v *KeyVault) Rotate(ctx context.Context, credentialID, ownerID uuid.UUID, reason string) (string, *credential.Credential, error) {
	old, err := v.Get(ctx, ownerID, credentialID)
	if err != nil {
		return "", nil, err
	}

	now := v.now().UTC()
	switch old.EffectiveStatus(now) {
	case credential.StatusRotating:
		return "", nil, ierr.ErrAlreadyRotating
	case credential.StatusRevoked:
		return "", nil, ierr.ErrRevoked
	case credential.StatusExpired:
		return "", nil, ierr.ErrExpired
	case credential.StatusPending:
		return "", nil, fmt.Errorf("%w: pending key cannot be rotated", ierr.ErrInvalidCredential)
	}

	raw, prefix, hint, hash, err := v.hasher.GenerateSecret(old.Environment)
	if err != nil {
		v.logger.Error("Failed to generate rotated api key components", zap.Error(err))
		return "", nil, fmt.Errorf("%w: failed generating key: %v", ierr.ErrInternalServer, err)
	}

	oldID := old.ID
	next := &credential.Credential{
		ID:               uuid.New(),
		OwnerID:          old.OwnerID,
		LineageID:        old.LineageID,
		TierID:           old.TierID,
		TierVersion:      old.TierVersion,
		Environment:      old.Environment,
		SecretHash:       hash,
		Prefix:           prefix,
		Hint:             hint,
		Description:      old.Description,
		Scopes:           slices.Clone(old.Scopes),
		RateLimits:       old.RateLimits,
		Status:           credential.StatusActive,
		CreatedAt:        now,
		ExpiresAt:        old.ExpiresAt,
		RotationInterval: old.RotationInterval,
		Supersedes:       &oldID,
	}
	if old.RotationInterval > 0 {
		rotatesAt := now.Add(old.RotationInterval)
		next.RotatesAt = &rotatesAt
	}

	graceEnds := now.Add(v.settings.GracePeriod)
	err = v.repo.Rotate(ctx, credential.RotationPlan{
		LineageID:   old.LineageID,
		OldID:       old.ID,
		New:         next,
		GraceEndsAt: graceEnds,
		Reason:      strings.TrimSpace(reason),
		Now:         now,
	})
	if err != nil {
		if errors.Is(err, ierr.ErrAlreadyRotating) || errors.Is(err, ierr.ErrNotFound) {
			v.logger.Info("API key rotation rejected", zap.String("id", old.ID.String()), zap.Error(err))
			return "", nil, err
		}
		v.logger.Error("Failed to rotate api key", zap.String("id", old.ID.String()), zap.Error(err))
		return "", nil, fmt.Errorf("repository error rotating api key: %w", err)
	}

	v.metrics.ObserveVaultOperation("rotate")
	v.logger.Info("API key rotated",
		zap.String("old_id", old.ID.String()),
		zap.String("new_id", next.ID.String()),
		zap.Time("grace_ends_at", graceEnds),
		zap.String("reason", reason),
	)
	return raw, next, nil
}

// MigrateTier repins the credential's lineage to the latest version of its
// tier. Until then the key keeps the terms it was issued under.
func (v *KeyVault) MigrateTier(ctx context.Context, credentialID, ownerID uuid.UUID) (*credential.Credential, error) {
	cred, err := v.Get(ctx, ownerID, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.TierID == nil {
		return nil, fmt.Errorf("%w: api key is not bound to a tier", ierr.ErrConflict)
	}
	if cred.Status == credential.StatusRevoked || cred.Status == credential.StatusExpired {
		return nil, fmt.Errorf("%w: api key is %s", ierr.ErrConflict, cred.Status)
	}
	t, err := v.issuableTier(ctx, ownerID, *cred.TierID)
	if err != nil {
		return nil, err
	}
	if t.Version == cred.TierVersion {
		return cred, nil
	}

	if err := v.repo.SetTierVersion(ctx, cred.LineageID, t.Version); err != nil {
		v.logger.Error("Failed to migrate api key tier", zap.String("id", credentialID.String()), zap.Error(err))
		return nil, fmt.Errorf("repository error migrating api key tier: %w", err)
	}

	v.metrics.ObserveVaultOperation("migrate_tier")
	v.logger.Info("API key migrated to latest tier version",
		zap.String("id", credentialID.String()),
		zap.Int("from_version", cred.TierVersion),
		zap.Int("to_version", t.Version),
	)
	cred.TierVersion = t.Version
	return cred, nil
}

// issuableTier loads the latest version of a tier the owner can bind keys to.
func (v *KeyVault) issuableTier(ctx context.Context, ownerID, tierID uuid.UUID) (*tier.Tier, error) {
	t, err := v.tiers.FindLatest(ctx, tierID)
	if err != nil {
		if errors.Is(err, ierr.ErrNotFound) {
			return nil, fmt.Errorf("%w: tier %s", ierr.ErrNotFound, tierID)
		}
		return nil, fmt.Errorf("repository error loading tier: %w", err)
	}
	if t.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: tier %s", ierr.ErrNotFound, tierID)
	}
	if t.Status != tier.StatusActive {
		return nil, fmt.Errorf("%w: tier %s is archived", ierr.ErrConflict, tierID)
	}
	return t, nil
}

// Validate resolves a presented secret to its credential. The lookup is by
// hash and the final comparison is constant time.
func (v *KeyVault) Validate(ctx context.Context, rawSecret string) (*credential.Credential, error) {
	if !util.LooksLikeSecret(rawSecret) {
		v.metrics.ObserveValidation("invalid")
		return nil, ierr.ErrInvalidCredential
	}

	hash := v.hasher.Hash(rawSecret)
	cred, err := v.repo.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ierr.ErrNotFound) {
			v.metrics.ObserveValidation("invalid")
			return nil, ierr.ErrInvalidCredential
		}
		v.logger.Error("Failed to query api key by hash", zap.Error(err))
		return nil, fmt.Errorf("repository error validating api key: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(cred.SecretHash)) != 1 {
		v.metrics.ObserveValidation("invalid")
		return nil, ierr.ErrInvalidCredential
	}

	now := v.now().UTC()
	status := cred.EffectiveStatus(now)
	cred.Status = status
	switch status {
	case credential.StatusActive, credential.StatusRotating:
		v.metrics.ObserveValidation("ok")
		return cred, nil
	case credential.StatusExpired:
		v.metrics.ObserveValidation("expired")
		return nil, ierr.ErrExpired
	case credential.StatusRevoked:
		v.metrics.ObserveValidation("revoked")
		return nil, ierr.ErrRevoked
	default:
		v.metrics.ObserveValidation("invalid")
		return nil, ierr.ErrInvalidCredential
	}
}

// Revoke tombstones every live member of the credential's lineage.
func (v *KeyVault) Revoke(ctx context.Context, credentialID, ownerID uuid.UUID, reason string) error {
	cred, err := v.Get(ctx, ownerID, credentialID)
	if err != nil {
		return err
	}

	ids, err := v.repo.RevokeLineage(ctx, cred.LineageID, v.now().UTC(), strings.TrimSpace(reason))
	if err != nil {
		v.logger.Error("Failed to revoke api key lineage", zap.String("id", credentialID.String()), zap.Error(err))
		return fmt.Errorf("repository error revoking api key %s: %w", credentialID, err)
	}

	v.metrics.ObserveVaultOperation("revoke")
	v.logger.Info("API key revoked", zap.String("id", credentialID.String()), zap.Int("revoked_members", len(ids)))
	return nil
}

// Get returns the caller's credential. A credential owned by someone else is
// reported exactly like a missing one.
func (v *KeyVault) Get(ctx context.Context, ownerID, credentialID uuid.UUID) (*credential.Credential, error) {
	cred, err := v.repo.FindByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, ierr.ErrNotFound) {
			return nil, ierr.ErrNotFound
		}
		return nil, fmt.Errorf("repository error loading api key: %w", err)
	}
	if cred.OwnerID != ownerID {
		return nil, ierr.ErrNotFound
	}
	cred.Status = cred.EffectiveStatus(v.now().UTC())
	return cred, nil
}

func (v *KeyVault) List(ctx context.Context, ownerID uuid.UUID) ([]*credential.Credential, error) {
	creds, err := v.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		v.logger.Error("Failed to list api keys", zap.Error(err))
		return nil, fmt.Errorf("repository error listing api keys: %w", err)
	}
	now := v.now().UTC()
	for _, c := range creds {
		c.Status = c.EffectiveStatus(now)
	}
	return creds, nil
}

// UsageStats returns daily series for each metric the credential used in the
// trailing windowDays, ending with today (UTC).
func (v *KeyVault) UsageStats(ctx context.Context, credentialID uuid.UUID, windowDays int) (map[string]*usage.Series, error) {
	if windowDays < 1 || windowDays > v.settings.MaxUsageStatDays {
		return nil, fmt.Errorf("%w: window must be between 1 and %d days", ierr.ErrValidation, v.settings.MaxUsageStatDays)
	}
	if _, err := v.repo.FindByID(ctx, credentialID); err != nil {
		if errors.Is(err, ierr.ErrNotFound) {
			return nil, ierr.ErrNotFound
		}
		return nil, fmt.Errorf("repository error loading api key: %w", err)
	}

	now := v.now().UTC()
	const day = 24 * time.Hour
	to := now.Truncate(day).Add(day)
	from := to.Add(-time.Duration(windowDays) * day)

	metricNames, err := v.ledger.MetricsSeen(ctx, credentialID, from, to)
	if err != nil {
		return nil, err
	}
	if len(metricNames) == 0 {
		metricNames = []string{usage.MetricAPICall}
	}

	out := make(map[string]*usage.Series, len(metricNames))
	for _, m := range metricNames {
		series, err := v.ledger.TimeSeries(ctx, credentialID, m, day, from, to)
		if err != nil {
			return nil, err
		}
		out[m] = series
	}
	return out, nil
}

// RotationDue reports whether the credential has passed its scheduled
// rotation by the vault's clock.
func (v *KeyVault) RotationDue(c *credential.Credential) bool {
	return c.RotationDue(v.now().UTC())
}

// TouchLastUsed records a successful use. Failures are logged, not returned.
func (v *KeyVault) TouchLastUsed(ctx context.Context, credentialID uuid.UUID) {
	if err := v.repo.UpdateLastUsed(ctx, credentialID, v.now().UTC()); err != nil {
		v.logger.Warn("Failed to update api key last used time", zap.String("key_id", credentialID.String()), zap.Error(err))
	}
}

// Sweep persists the time-driven transitions that reads already apply and
// reports how many active keys are past their scheduled rotation.
func (v *KeyVault) Sweep(ctx context.Context) (credential.Transitions, error) {
	now := v.now().UTC()
	t, err := v.repo.ApplyTransitions(ctx, now)
	if err != nil {
		v.logger.Error("Credential sweep failed", zap.Error(err))
		return t, fmt.Errorf("repository error applying credential transitions: %w", err)
	}
	v.metrics.ObserveSweep(t.Activated, t.Expired, t.Revoked)
	if t.Total() > 0 {
		v.logger.Info("Credential sweep applied transitions",
			zap.Int("activated", t.Activated),
			zap.Int("expired", t.Expired),
			zap.Int("revoked", t.Revoked),
		)
	}

	due, err := v.repo.CountRotationDue(ctx, now)
	if err != nil {
		v.logger.Error("Failed to count api keys due for rotation", zap.Error(err))
		return t, fmt.Errorf("repository error counting rotation due api keys: %w", err)
	}
	t.RotationDue = due
	v.metrics.ObserveRotationDue(due)
	if due > 0 {
		v.logger.Warn("API keys past their scheduled rotation", zap.Int("count", due))
	}
	return t, nil
}

func normalizeScopes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
