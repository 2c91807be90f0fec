package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowCounter struct {
	start time.Time
	end   time.Time
	count int64
}

type credentialCounters struct {
	mu      sync.Mutex
	windows map[WindowKind]*windowCounter
	pruned  bool
}

// MemoryStore keeps counters in process. Each credential has its own mutex so
// check-and-increment over all windows is one critical section, while
// different credentials never contend.
type MemoryStore struct {
	counters  sync.Map // string -> *credentialCounters
	retention time.Duration
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{retention: retention}
}

func (s *MemoryStore) Acquire(_ context.Context, key string, slots []Slot, now time.Time) (Acquisition, error) {
	for {
		v, _ := s.counters.LoadOrStore(key, &credentialCounters{windows: make(map[WindowKind]*windowCounter)})
		cc := v.(*credentialCounters)

		cc.mu.Lock()
		if cc.pruned {
			// lost a race with Prune; the entry is no longer in the map
			cc.mu.Unlock()
			continue
		}
		acq := cc.acquire(slots)
		cc.mu.Unlock()
		return acq, nil
	}
}

func (cc *credentialCounters) acquire(slots []Slot) Acquisition {
	current := make([]*windowCounter, len(slots))
	counts := make([]int64, len(slots))
	var exhausted []int
	for i, slot := range slots {
		wc := cc.windows[slot.Kind]
		if wc == nil || !wc.start.Equal(slot.Start) {
			// the previous window closed; its count is not carried over
			wc = &windowCounter{start: slot.Start, end: slot.End}
			cc.windows[slot.Kind] = wc
		}
		current[i] = wc
		counts[i] = wc.count
		if wc.count >= slot.Ceiling {
			exhausted = append(exhausted, i)
		}
	}
	if len(exhausted) > 0 {
		return Acquisition{Allowed: false, Counts: counts, Exhausted: exhausted}
	}

	for i, wc := range current {
		wc.count++
		counts[i] = wc.count
	}
	return Acquisition{Allowed: true, Counts: counts}
}

// Prune drops credentials whose every window closed more than the retention
// period ago. It returns the number of credentials removed.
func (s *MemoryStore) Prune(now time.Time) int {
	removed := 0
	s.counters.Range(func(key, value any) bool {
		cc := value.(*credentialCounters)
		cc.mu.Lock()
		stale := true
		for _, wc := range cc.windows {
			if now.Before(wc.end.Add(s.retention)) {
				stale = false
				break
			}
		}
		if stale {
			cc.pruned = true
			s.counters.Delete(key)
			removed++
		}
		cc.mu.Unlock()
		return true
	})
	return removed
}
