package service

import (
	"sync"
	"testing"
	"time"

	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/ratelimit"
	"github.com/makkenzo/keytier-api/internal/storage/memstorage"
	"github.com/makkenzo/keytier-api/internal/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock *testClock

	creds *memstorage.CredentialRepository
	usage *memstorage.UsageRepository
	tiers *memstorage.TierRepository
	subs  *memstorage.SubscriptionRepository

	ledger    *UsageLedger
	vault     *KeyVault
	catalog   *TierCatalog
	simulator *ImpactSimulator
	meter     *Meter
}

const testGracePeriod = 24 * time.Hour

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock: newTestClock(time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)),
		creds: memstorage.NewCredentialRepository(),
		usage: memstorage.NewUsageRepository(),
		tiers: memstorage.NewTierRepository(),
		subs:  memstorage.NewSubscriptionRepository(),
	}
	logger := zap.NewNop()
	opts := []Option{WithClock(f.clock.Now)}

	hasher, err := util.NewHasher("test-pepper")
	require.NoError(t, err)

	f.ledger = NewUsageLedger(f.usage, NewTierMetricPolicy(f.creds, f.tiers), 24*time.Hour, logger, opts...)
	f.vault = NewKeyVault(f.creds, f.tiers, f.ledger, hasher, VaultSettings{
		GracePeriod:       testGracePeriod,
		DefaultRateLimits: credential.RateLimits{PerHour: 100, PerDay: 1000},
	}, logger, opts...)
	f.catalog = NewTierCatalog(f.tiers, f.subs, logger, opts...)
	f.simulator = NewImpactSimulator(f.ledger, f.tiers, f.subs, 4, logger, opts...)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(time.Hour), logger, ratelimit.WithClock(f.clock.Now))
	f.meter = NewMeter(f.vault, limiter, f.ledger, f.tiers, logger, opts...)
	return f
}
