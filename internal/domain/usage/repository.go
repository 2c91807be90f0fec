package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Append stores the event. When the event carries an idempotency key already
	// seen for the same owner at or after dedupSince, the stored event is returned
	// with duplicate=true if the payloads match, or ierr.ErrWriteConflict otherwise.
	Append(ctx context.Context, ev *Event, dedupSince time.Time) (stored *Event, duplicate bool, err error)
	// Sum totals quantities in [from, to) for events whose subject or owner is id.
	Sum(ctx context.Context, id uuid.UUID, metric string, from, to time.Time) (int64, error)
	BucketTotals(ctx context.Context, id uuid.UUID, metric string, from, to time.Time, bucket time.Duration) (map[int64]int64, error)
	Metrics(ctx context.Context, id uuid.UUID, from, to time.Time) ([]string, error)
	PurgeIdempotencyKeys(ctx context.Context, before time.Time) (int64, error)
}
