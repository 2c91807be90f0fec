package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"go.uber.org/zap"
)

// Decision is the routine result of a check. A denial names the exhausted
// window and when it resets.
type Decision struct {
	Allowed   bool       `json:"allowed"`
	Window    WindowKind `json:"window,omitempty"`
	ResetAt   time.Time  `json:"reset_at,omitzero"`
	Limit     int64      `json:"limit,omitempty"`
	Remaining int64      `json:"remaining"`
}

// Err converts a denial into the boundary error. It returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ierr.RateLimitError{Window: string(d.Window), ResetAt: d.ResetAt}
}

// Acquisition reports what a CounterStore did. Counts align with the slots
// passed in: post-increment values when allowed, current values when denied.
type Acquisition struct {
	Allowed   bool
	Counts    []int64
	Exhausted []int
}

// CounterStore holds ephemeral window counters. Acquire must increment every
// slot's counter only if all of them are below their ceilings, as one atomic
// step per key.
type CounterStore interface {
	Acquire(ctx context.Context, key string, slots []Slot, now time.Time) (Acquisition, error)
}

type Observer interface {
	ObserveRateDecision(window string, allowed bool)
}

type Limiter struct {
	store    CounterStore
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

func NewLimiter(store CounterStore, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		logger: logger.Named("RateLimiter"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check admits one call for the credential against its hour, day and month
// ceilings. Counters are keyed by credential id, so a key issued by rotation
// starts from zero rather than inheriting its predecessor's consumption.
func (l *Limiter) Check(ctx context.Context, credentialID uuid.UUID, limits credential.RateLimits) (Decision, error) {
	now := l.now().UTC()
	slots := Slots(limits, now)
	if len(slots) == 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	acq, err := l.store.Acquire(ctx, credentialID.String(), slots, now)
	if err != nil {
		l.logger.Error("Rate counter store failed", zap.String("credential_id", credentialID.String()), zap.Error(err))
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	decision := decide(slots, acq)
	if l.observer != nil {
		l.observer.ObserveRateDecision(string(decision.Window), decision.Allowed)
	}
	if !decision.Allowed {
		l.logger.Debug("Rate limit exceeded",
			zap.String("credential_id", credentialID.String()),
			zap.String("window", string(decision.Window)),
			zap.Time("reset_at", decision.ResetAt),
		)
	}
	return decision, nil
}

func decide(slots []Slot, acq Acquisition) Decision {
	if !acq.Allowed {
		// report the window that resets last; retrying earlier cannot succeed
		worst := acq.Exhausted[0]
		for _, i := range acq.Exhausted[1:] {
			if slots[i].End.After(slots[worst].End) {
				worst = i
			}
		}
		return Decision{
			Allowed: false,
			Window:  slots[worst].Kind,
			ResetAt: slots[worst].End,
			Limit:   slots[worst].Ceiling,
		}
	}

	tightest := 0
	remaining := slots[0].Ceiling - acq.Counts[0]
	for i := 1; i < len(slots); i++ {
		if r := slots[i].Ceiling - acq.Counts[i]; r < remaining {
			remaining, tightest = r, i
		}
	}
	return Decision{
		Allowed:   true,
		Window:    slots[tightest].Kind,
		ResetAt:   slots[tightest].End,
		Limit:     slots[tightest].Ceiling,
		Remaining: remaining,
	}
}
