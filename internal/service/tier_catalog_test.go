package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proDefinition() tier.Definition {
	return tier.Definition{
		Name:          "Pro",
		Currency:      "usd",
		Price:         decimal.RequireFromString("49.00"),
		IncludedUsage: map[string]int64{"api_call": 1000},
		OverageRate:   map[string]decimal.Decimal{"api_call": decimal.RequireFromString("0.01")},
		Features:      []string{"sso"},
	}
}

// sameContent compares the priced content of two tiers, ignoring identity,
// lineage and timestamps.
func sameContent(t *testing.T, want, got *tier.Tier) {
	t.Helper()
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Currency, got.Currency)
	assert.True(t, want.Price.Equal(got.Price), "price %s != %s", want.Price, got.Price)
	assert.Equal(t, want.IncludedUsage, got.IncludedUsage)
	require.Len(t, got.OverageRate, len(want.OverageRate))
	for m, rate := range want.OverageRate {
		assert.True(t, rate.Equal(got.OverageRate[m]), "overage rate for %s", m)
	}
	assert.Equal(t, want.Features, got.Features)
}

func TestTierCatalog_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	pro, err := f.catalog.Create(ctx, owner, proDefinition())
	require.NoError(t, err)
	assert.Equal(t, 1, pro.Version)
	assert.Equal(t, "USD", pro.Currency)
	assert.Equal(t, tier.StatusActive, pro.Status)
	assert.Nil(t, pro.ParentTierID)

	got, err := f.catalog.Get(ctx, owner, pro.ID)
	require.NoError(t, err)
	sameContent(t, pro, got)

	_, err = f.catalog.Get(ctx, uuid.New(), pro.ID)
	assert.ErrorIs(t, err, ierr.ErrNotFound)
}

func TestTierCatalog_CreateMalformed(t *testing.T) {
	f := newFixture(t)
	def := proDefinition()
	def.OverageRate = nil

	_, err := f.catalog.Create(context.Background(), uuid.New(), def)
	assert.ErrorIs(t, err, ierr.ErrMalformedTier)
}

func TestTierCatalog_CloneWithoutOverridesIsEqual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	src, err := f.catalog.Create(ctx, owner, proDefinition())
	require.NoError(t, err)

	clone, err := f.catalog.Clone(ctx, owner, src.ID, tier.Patch{})
	require.NoError(t, err)

	sameContent(t, src, clone)
	assert.NotEqual(t, src.ID, clone.ID)
	assert.Equal(t, 1, clone.Version)
	require.NotNil(t, clone.ParentTierID)
	assert.Equal(t, src.ID, *clone.ParentTierID)
	assert.Equal(t, 1, f.tiers.VersionCount(src.ID), "source is untouched")
}

func TestTierCatalog_CloneOfArchivedTierIsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	src, err := f.catalog.Create(ctx, owner, proDefinition())
	require.NoError(t, err)
	archived, err := f.catalog.Archive(ctx, owner, src.ID)
	require.NoError(t, err)
	require.Equal(t, tier.StatusArchived, archived.Status)

	clone, err := f.catalog.Clone(ctx, owner, src.ID, tier.Patch{})
	require.NoError(t, err)

	assert.Equal(t, tier.StatusActive, clone.Status)
	sameContent(t, archived, clone)
	assert.Equal(t, 2, f.tiers.VersionCount(src.ID), "source is untouched")

	_, err = f.catalog.Subscribe(ctx, owner, clone.ID, uuid.New())
	assert.NoError(t, err, "the clone accepts subscriptions")
}

func TestTierCatalog_CloneWithOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	src, err := f.catalog.Create(ctx, owner, proDefinition())
	require.NoError(t, err)

	name := "Pro Annual"
	price := decimal.RequireFromString("490")
	clone, err := f.catalog.Clone(ctx, owner, src.ID, tier.Patch{Name: &name, Price: &price})
	require.NoError(t, err)
	assert.Equal(t, "Pro Annual", clone.Name)
	assert.True(t, price.Equal(clone.Price))
	assert.Equal(t, src.IncludedUsage, clone.IncludedUsage)

	broken := map[string]int64{"api_call": 1000, "seats": 5}
	_, err = f.catalog.Clone(ctx, owner, src.ID, tier.Patch{IncludedUsage: broken})
	assert.ErrorIs(t, err, ierr.ErrMalformedTier)

	_, err = f.catalog.Clone(ctx, uuid.New(), src.ID, tier.Patch{})
	assert.ErrorIs(t, err, ierr.ErrNotFound)
}

func TestTierCatalog_UpdateIsNotRetroactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, subject := uuid.New(), uuid.New()

	v1, err := f.catalog.Create(ctx, owner, proDefinition())
	require.NoError(t, err)
	sub, err := f.catalog.Subscribe(ctx, owner, v1.ID, subject)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.TierVersion)

	f.clock.Advance(time.Minute)
	price := decimal.RequireFromString("59.00")
	v2, err := f.catalog.Update(ctx, owner, v1.ID, tier.Patch{Price: &price})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.ID)

	pinned, err := f.catalog.GetVersion(ctx, owner, v1.ID, sub.TierVersion)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("49.00").Equal(pinned.Price))

	latest, err := f.catalog.Get(ctx, owner, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	_, err = f.catalog.GetVersion(ctx, owner, v1.ID, 3)
	assert.ErrorIs(t, err, ierr.ErrNotFound)
}

func TestTierCatalog_UpdateMalformedKeepsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	v1, err := f.catalog.Create(ctx, owner, proDefinition())
	require.NoError(t, err)

	negative := decimal.NewFromInt(-1)
	_, err = f.catalog.Update(ctx, owner, v1.ID, tier.Patch{Price: &negative})
	assert.ErrorIs(t, err, ierr.ErrMalformedTier)
	assert.Equal(t, 1, f.tiers.VersionCount(v1.ID))
}

func TestTierCatalog_Archive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	pro, err := f.catalog.Create(ctx, owner, proDefinition())
	require.NoError(t, err)
	_, err = f.catalog.Create(ctx, owner, tier.Definition{Name: "Free"})
	require.NoError(t, err)

	archived, err := f.catalog.Archive(ctx, owner, pro.ID)
	require.NoError(t, err)
	assert.Equal(t, tier.StatusArchived, archived.Status)
	assert.Equal(t, 2, archived.Version)

	again, err := f.catalog.Archive(ctx, owner, pro.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version, "archiving twice is a no-op")

	price := decimal.NewFromInt(1)
	_, err = f.catalog.Update(ctx, owner, pro.ID, tier.Patch{Price: &price})
	assert.ErrorIs(t, err, ierr.ErrConflict)
	_, err = f.catalog.Subscribe(ctx, owner, pro.ID, uuid.New())
	assert.ErrorIs(t, err, ierr.ErrConflict)

	active := tier.StatusActive
	list, err := f.catalog.List(ctx, owner, &active)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Free", list[0].Name)

	all, err := f.catalog.List(ctx, owner, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTierCatalog_SubscribeOncePerSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, subject := uuid.New(), uuid.New()

	pro, err := f.catalog.Create(ctx, owner, proDefinition())
	require.NoError(t, err)

	_, err = f.catalog.Subscribe(ctx, owner, pro.ID, subject)
	require.NoError(t, err)
	_, err = f.catalog.Subscribe(ctx, owner, pro.ID, subject)
	assert.ErrorIs(t, err, ierr.ErrConflict)
	_, err = f.catalog.Subscribe(ctx, owner, pro.ID, uuid.Nil)
	assert.ErrorIs(t, err, ierr.ErrValidation)
}
