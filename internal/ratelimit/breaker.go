package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrStoreUnavailable is returned while the breaker is open or probing.
var ErrStoreUnavailable = fmt.Errorf("%w: rate counter store", ierr.ErrUnavailable)

type BreakerConfig struct {
	MaxRequests uint32        // probes allowed while half-open
	Interval    time.Duration // closed-state count reset period
	Timeout     time.Duration // open state duration before probing
}

var DefaultBreakerConfig = BreakerConfig{
	MaxRequests: 5,
	Interval:    time.Minute,
	Timeout:     30 * time.Second,
}

// BreakerStore guards a remote CounterStore with a circuit breaker so a
// failing backend is rejected immediately instead of timing out every call.
type BreakerStore struct {
	inner   CounterStore
	breaker *gobreaker.CircuitBreaker[Acquisition]
}

func NewBreakerStore(inner CounterStore, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	log := logger.Named("RateCounterBreaker")
	settings := gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// a caller giving up is not a backend failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}
	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[Acquisition](settings),
	}
}

var _ CounterStore = (*BreakerStore)(nil)

func (s *BreakerStore) Acquire(ctx context.Context, key string, slots []Slot, now time.Time) (Acquisition, error) {
	acq, err := s.breaker.Execute(func() (Acquisition, error) {
		if err := ctx.Err(); err != nil {
			return Acquisition{}, err
		}
		return s.inner.Acquire(ctx, key, slots, now)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Acquisition{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return acq, err
}

func (s *BreakerStore) State() gobreaker.State {
	return s.breaker.State()
}
