package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions []bool
}

func (o *recordingObserver) ObserveRateDecision(_ string, allowed bool) {
	o.mu.Lock()
	o.decisions = append(o.decisions, allowed)
	o.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Acquire(context.Context, string, []Slot, time.Time) (Acquisition, error) {
	return Acquisition{}, errors.New("connection refused")
}

func newTestLimiter(clock *fakeClock, opts ...Option) *Limiter {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewLimiter(NewMemoryStore(time.Hour), zap.NewNop(), opts...)
}

func TestLimiter_HourlyCeiling(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 14, 20, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)
	id := uuid.New()
	limits := credential.RateLimits{PerHour: 2}

	first, err := limiter.Check(context.Background(), id, limits)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.Remaining)

	second, err := limiter.Check(context.Background(), id, limits)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, int64(0), second.Remaining)

	third, err := limiter.Check(context.Background(), id, limits)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, WindowHour, third.Window)
	assert.Equal(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), third.ResetAt)

	var rlErr *ierr.RateLimitError
	require.ErrorAs(t, third.Err(), &rlErr)
	assert.Equal(t, "hour", rlErr.Window)
	assert.NoError(t, second.Err())
}

func TestLimiter_WindowRollover(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 14, 59, 59, 0, time.UTC)}
	limiter := newTestLimiter(clock)
	id := uuid.New()
	limits := credential.RateLimits{PerHour: 1}

	d, err := limiter.Check(context.Background(), id, limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Check(context.Background(), id, limits)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clock.Set(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	d, err = limiter.Check(context.Background(), id, limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "counter must reset at the top of the hour")
}

func TestLimiter_ReportsLatestResettingWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 31, 23, 30, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)
	id := uuid.New()
	limits := credential.RateLimits{PerHour: 1, PerDay: 1, PerMonth: 1}

	_, err := limiter.Check(context.Background(), id, limits)
	require.NoError(t, err)

	d, err := limiter.Check(context.Background(), id, limits)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowMonth, d.Window)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestLimiter_DeniedCallDoesNotConsume(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)
	id := uuid.New()

	// the day window has room but the hour does not; the day must not be charged
	for range 3 {
		_, err := limiter.Check(context.Background(), id, credential.RateLimits{PerHour: 1, PerDay: 2})
		require.NoError(t, err)
	}

	clock.Set(time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC))
	d, err := limiter.Check(context.Background(), id, credential.RateLimits{PerHour: 1, PerDay: 2})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
}

func TestLimiter_ZeroCeilingIsUnlimited(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)
	id := uuid.New()

	for range 100 {
		d, err := limiter.Check(context.Background(), id, credential.RateLimits{})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestLimiter_CredentialsAreIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)
	limits := credential.RateLimits{PerHour: 1}

	a, b := uuid.New(), uuid.New()
	d, _ := limiter.Check(context.Background(), a, limits)
	assert.True(t, d.Allowed)
	d, _ = limiter.Check(context.Background(), b, limits)
	assert.True(t, d.Allowed)
	d, _ = limiter.Check(context.Background(), a, limits)
	assert.False(t, d.Allowed)
}

func TestLimiter_ConcurrentChecksNeverExceedCeiling(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)
	id := uuid.New()
	limits := credential.RateLimits{PerHour: 50, PerDay: 80}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Check(context.Background(), id, limits)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestLimiter_StoreFailure(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	limiter := NewLimiter(failingStore{}, zap.NewNop(), WithClock(clock.Now))

	_, err := limiter.Check(context.Background(), uuid.New(), credential.RateLimits{PerHour: 1})
	assert.Error(t, err)
}

func TestLimiter_Observer(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	obs := &recordingObserver{}
	limiter := newTestLimiter(clock, WithObserver(obs))
	id := uuid.New()

	_, _ = limiter.Check(context.Background(), id, credential.RateLimits{PerDay: 1})
	_, _ = limiter.Check(context.Background(), id, credential.RateLimits{PerDay: 1})

	assert.Equal(t, []bool{true, false}, obs.decisions)
}
