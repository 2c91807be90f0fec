package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Prune(t *testing.T) {
	store := NewMemoryStore(10 * time.Minute)
	now := time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC)
	slots := Slots(credential.RateLimits{PerHour: 5}, now)

	_, err := store.Acquire(context.Background(), "a", slots, now)
	require.NoError(t, err)

	assert.Equal(t, 0, store.Prune(now.Add(50*time.Minute)), "window closes at 11:00 plus retention")
	assert.Equal(t, 1, store.Prune(time.Date(2026, 3, 10, 11, 10, 0, 0, time.UTC)))

	// a pruned key starts again from zero
	acq, err := store.Acquire(context.Background(), "a", slots, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, acq.Counts)
}
