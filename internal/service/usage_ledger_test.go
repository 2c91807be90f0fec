package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/domain/usage"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageLedger_AggregateIsAdditive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject, owner := uuid.New(), uuid.New()
	now := f.clock.Now()

	for i, q := range []int64{5, 7, -2, 10} {
		_, err := f.ledger.Record(ctx, usage.Event{
			SubjectID: subject,
			OwnerID:   owner,
			Metric:    usage.MetricAPICall,
			Quantity:  q,
			Timestamp: now.Add(time.Duration(-i) * time.Hour),
		})
		require.NoError(t, err)
	}

	from, mid, to := now.Add(-10*time.Hour), now.Add(-time.Hour-time.Minute), now.Add(time.Minute)
	whole, err := f.ledger.Aggregate(ctx, subject, usage.MetricAPICall, from, to)
	require.NoError(t, err)
	left, err := f.ledger.Aggregate(ctx, subject, usage.MetricAPICall, from, mid)
	require.NoError(t, err)
	right, err := f.ledger.Aggregate(ctx, subject, usage.MetricAPICall, mid, to)
	require.NoError(t, err)

	assert.Equal(t, int64(20), whole)
	assert.Equal(t, whole, left+right)

	byOwner, err := f.ledger.Aggregate(ctx, owner, usage.MetricAPICall, from, to)
	require.NoError(t, err)
	assert.Equal(t, whole, byOwner, "owner totals include every subject")

	empty, err := f.ledger.Aggregate(ctx, subject, usage.MetricAPICall, to, from)
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestUsageLedger_Idempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject, owner := uuid.New(), uuid.New()
	ev := usage.Event{SubjectID: subject, OwnerID: owner, Metric: usage.MetricAPICall, Quantity: 1, IdempotencyKey: "req-1"}

	first, err := f.ledger.Record(ctx, ev)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.ledger.Record(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	conflicting := ev
	conflicting.Quantity = 4
	_, err = f.ledger.Record(ctx, conflicting)
	assert.ErrorIs(t, err, ierr.ErrWriteConflict)

	// same key under another owner is a different scope
	other := ev
	other.OwnerID = uuid.New()
	third, err := f.ledger.Record(ctx, other)
	require.NoError(t, err)
	assert.False(t, third.Duplicate)

	assert.Len(t, f.usage.Events(), 2)

	// after the window the key is forgotten
	f.clock.Advance(25 * time.Hour)
	fourth, err := f.ledger.Record(ctx, ev)
	require.NoError(t, err)
	assert.False(t, fourth.Duplicate)
}

func TestUsageLedger_ConcurrentDuplicatesCountOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := usage.Event{SubjectID: uuid.New(), OwnerID: uuid.New(), Metric: usage.MetricAPICall, Quantity: 3, IdempotencyKey: "burst"}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.ledger.Record(ctx, ev)
		}()
	}
	wg.Wait()

	total, err := f.ledger.Aggregate(ctx, ev.SubjectID, usage.MetricAPICall, f.clock.Now().Add(-time.Hour), f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestUsageLedger_RejectsInvalidEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Record(ctx, usage.Event{OwnerID: uuid.New(), Metric: "x", Quantity: 1})
	assert.ErrorIs(t, err, ierr.ErrValidation)
	_, err = f.ledger.Record(ctx, usage.Event{SubjectID: uuid.New(), OwnerID: uuid.New(), Metric: " ", Quantity: 1})
	assert.ErrorIs(t, err, ierr.ErrValidation)
	_, err = f.ledger.Record(ctx, usage.Event{SubjectID: uuid.New(), OwnerID: uuid.New(), Metric: "x"})
	assert.ErrorIs(t, err, ierr.ErrValidation)
}

func TestUsageLedger_UnknownMetricForTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	starter, err := f.catalog.Create(ctx, owner, tier.Definition{
		Name:          "Starter",
		IncludedUsage: map[string]int64{usage.MetricAPICall: 100},
		OverageRate:   map[string]decimal.Decimal{usage.MetricAPICall: decimal.RequireFromString("0.01")},
	})
	require.NoError(t, err)

	_, bound, err := f.vault.Generate(ctx, GenerateRequest{OwnerID: owner, TierID: &starter.ID, Environment: credential.EnvironmentTest})
	require.NoError(t, err)

	_, err = f.ledger.Record(ctx, usage.Event{SubjectID: bound.ID, OwnerID: owner, Metric: "gpu_seconds", Quantity: 1})
	assert.ErrorIs(t, err, ierr.ErrInvalidMetric)

	_, err = f.ledger.Record(ctx, usage.Event{SubjectID: bound.ID, OwnerID: owner, Metric: usage.MetricAPICall, Quantity: 1})
	assert.NoError(t, err)

	// an unbound subject is checked against the owner's active tiers
	_, err = f.ledger.Record(ctx, usage.Event{SubjectID: uuid.New(), OwnerID: owner, Metric: "gpu_seconds", Quantity: 1})
	assert.ErrorIs(t, err, ierr.ErrInvalidMetric)
}

func TestUsageLedger_BoundKeyUsesPinnedTierMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	starter, err := f.catalog.Create(ctx, owner, tier.Definition{
		Name:          "Starter",
		IncludedUsage: map[string]int64{usage.MetricAPICall: 100},
		OverageRate:   map[string]decimal.Decimal{usage.MetricAPICall: decimal.RequireFromString("0.01")},
	})
	require.NoError(t, err)
	_, bound, err := f.vault.Generate(ctx, GenerateRequest{OwnerID: owner, TierID: &starter.ID, Environment: credential.EnvironmentTest})
	require.NoError(t, err)

	_, err = f.catalog.Update(ctx, owner, starter.ID, tier.Patch{
		IncludedUsage: map[string]int64{usage.MetricAPICall: 100, "gpu_seconds": 10},
		OverageRate: map[string]decimal.Decimal{
			usage.MetricAPICall: decimal.RequireFromString("0.01"),
			"gpu_seconds":       decimal.RequireFromString("0.5"),
		},
	})
	require.NoError(t, err)

	gpu := usage.Event{SubjectID: bound.ID, OwnerID: owner, Metric: "gpu_seconds", Quantity: 1}
	_, err = f.ledger.Record(ctx, gpu)
	assert.ErrorIs(t, err, ierr.ErrInvalidMetric, "version 1 has no gpu_seconds")

	_, err = f.vault.MigrateTier(ctx, bound.ID, owner)
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, gpu)
	assert.NoError(t, err)
}

func TestUsageLedger_TimeSeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject, owner := uuid.New(), uuid.New()
	from := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	for _, h := range []int{0, 0, 2, 5} {
		_, err := f.ledger.Record(ctx, usage.Event{
			SubjectID: subject, OwnerID: owner, Metric: usage.MetricAPICall, Quantity: 1,
			Timestamp: from.Add(time.Duration(h)*time.Hour + 10*time.Minute),
		})
		require.NoError(t, err)
	}

	series, err := f.ledger.TimeSeries(ctx, subject, usage.MetricAPICall, time.Hour, from, from.Add(6*time.Hour))
	require.NoError(t, err)

	var totals []int64
	for _, total := range series.All() {
		totals = append(totals, total)
	}
	assert.Equal(t, []int64{2, 0, 1, 0, 0, 1}, totals)

	_, err = f.ledger.TimeSeries(ctx, subject, usage.MetricAPICall, 0, from, from.Add(time.Hour))
	assert.ErrorIs(t, err, ierr.ErrValidation)
}

func TestUsageLedger_PurgeIdempotencyKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := usage.Event{SubjectID: uuid.New(), OwnerID: uuid.New(), Metric: usage.MetricAPICall, Quantity: 1, IdempotencyKey: "k"}

	_, err := f.ledger.Record(ctx, ev)
	require.NoError(t, err)

	n, err := f.ledger.PurgeIdempotencyKeys(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(48 * time.Hour)
	n, err = f.ledger.PurgeIdempotencyKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
