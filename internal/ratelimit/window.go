package ratelimit

import (
	"time"

	"github.com/makkenzo/keytier-api/internal/domain/credential"
)

type WindowKind string

const (
	WindowHour  WindowKind = "hour"
	WindowDay   WindowKind = "day"
	WindowMonth WindowKind = "month"
)

var windowKinds = []WindowKind{WindowHour, WindowDay, WindowMonth}

// WindowStart floors now to the calendar boundary of kind in UTC.
func WindowStart(kind WindowKind, now time.Time) time.Time {
	now = now.UTC()
	switch kind {
	case WindowHour:
		return now.Truncate(time.Hour)
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		panic("ratelimit: unknown window kind " + string(kind))
	}
}

// WindowEnd is the exclusive end of the window containing now, which is also
// the instant its counter resets.
func WindowEnd(kind WindowKind, now time.Time) time.Time {
	start := WindowStart(kind, now)
	switch kind {
	case WindowHour:
		return start.Add(time.Hour)
	case WindowDay:
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 1, 0)
	}
}

func ceiling(limits credential.RateLimits, kind WindowKind) int64 {
	switch kind {
	case WindowHour:
		return limits.PerHour
	case WindowDay:
		return limits.PerDay
	default:
		return limits.PerMonth
	}
}

// Slot is one limited window of one credential at a given instant.
type Slot struct {
	Kind    WindowKind
	Start   time.Time
	End     time.Time
	Ceiling int64
}

// Slots returns the limited windows containing now. Windows with a zero
// ceiling are unlimited and omitted.
func Slots(limits credential.RateLimits, now time.Time) []Slot {
	slots := make([]Slot, 0, len(windowKinds))
	for _, kind := range windowKinds {
		c := ceiling(limits, kind)
		if c <= 0 {
			continue
		}
		slots = append(slots, Slot{
			Kind:    kind,
			Start:   WindowStart(kind, now),
			End:     WindowEnd(kind, now),
			Ceiling: c,
		})
	}
	return slots
}
