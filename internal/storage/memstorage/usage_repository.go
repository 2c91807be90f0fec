package memstorage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makkenzo/keytier-api/internal/domain/usage"
	"github.com/makkenzo/keytier-api/internal/ierr"
)

type idempotencyEntry struct {
	eventIdx int
	seenAt   time.Time
}

type idempotencyScope struct {
	owner uuid.UUID
	key   string
}

// UsageRepository is an append-only in-process ledger. Events are never
// modified after Append; readers take a read lock only for the scan.
type UsageRepository struct {
	mu     sync.RWMutex
	events []usage.Event
	keys   map[idempotencyScope]idempotencyEntry
}

func NewUsageRepository() *UsageRepository {
	return &UsageRepository{
		keys: make(map[idempotencyScope]idempotencyEntry),
	}
}

var _ usage.Repository = (*UsageRepository)(nil)

func (r *UsageRepository) Append(ctx context.Context, ev *usage.Event, dedupSince time.Time) (*usage.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope := idempotencyScope{owner: ev.OwnerID, key: ev.IdempotencyKey}
	if ev.IdempotencyKey != "" {
		if entry, ok := r.keys[scope]; ok && !entry.seenAt.Before(dedupSince) {
			stored := r.events[entry.eventIdx]
			if !stored.SamePayload(ev) {
				return nil, false, fmt.Errorf("%w: key %q", ierr.ErrWriteConflict, ev.IdempotencyKey)
			}
			return &stored, true, nil
		}
	}

	r.events = append(r.events, *ev)
	if ev.IdempotencyKey != "" {
		r.keys[scope] = idempotencyEntry{eventIdx: len(r.events) - 1, seenAt: ev.RecordedAt}
	}
	stored := *ev
	return &stored, false, nil
}

func matches(ev *usage.Event, id uuid.UUID, metric string, from, to time.Time) bool {
	if ev.SubjectID != id && ev.OwnerID != id {
		return false
	}
	if metric != "" && ev.Metric != metric {
		return false
	}
	return !ev.Timestamp.Before(from) && ev.Timestamp.Before(to)
}

func (r *UsageRepository) Sum(ctx context.Context, id uuid.UUID, metric string, from, to time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for i := range r.events {
		if matches(&r.events[i], id, metric, from, to) {
			total += r.events[i].Quantity
		}
	}
	return total, nil
}

func (r *UsageRepository) BucketTotals(ctx context.Context, id uuid.UUID, metric string, from, to time.Time, bucket time.Duration) (map[int64]int64, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("%w: bucket size must be positive", ierr.ErrValidation)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[int64]int64)
	for i := range r.events {
		ev := &r.events[i]
		if matches(ev, id, metric, from, to) {
			totals[int64(ev.Timestamp.Sub(from)/bucket)] += ev.Quantity
		}
	}
	return totals, nil
}

func (r *UsageRepository) Metrics(ctx context.Context, id uuid.UUID, from, to time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for i := range r.events {
		if matches(&r.events[i], id, "", from, to) && !slices.Contains(out, r.events[i].Metric) {
			out = append(out, r.events[i].Metric)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (r *UsageRepository) PurgeIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for scope, entry := range r.keys {
		if entry.seenAt.Before(before) {
			delete(r.keys, scope)
			purged++
		}
	}
	return purged, nil
}

// Events returns a copy of the ledger in append order.
func (r *UsageRepository) Events() []usage.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.events)
}
