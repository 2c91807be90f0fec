package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/keytier-api/internal/domain/usage"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"go.uber.org/zap"
)

// errKeyRace means another writer claimed the idempotency key between our
// lookup and insert; the append is retried and then resolves as a duplicate.
var errKeyRace = errors.New("idempotency key claimed concurrently")

const appendAttempts = 3

type UsageRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewUsageRepository(db *pgxpool.Pool, logger *zap.Logger) *UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger.Named("UsageRepository"),
	}
}

var _ usage.Repository = (*UsageRepository)(nil)

func (r *UsageRepository) Append(ctx context.Context, ev *usage.Event, dedupSince time.Time) (*usage.Event, bool, error) {
	if ev.IdempotencyKey == "" {
		if err := r.insertEvent(ctx, r.db, ev); err != nil {
			return nil, false, err
		}
		stored := *ev
		return &stored, false, nil
	}

	for attempt := 0; ; attempt++ {
		stored, duplicate, err := r.appendIdempotent(ctx, ev, dedupSince)
		if errors.Is(err, errKeyRace) && attempt < appendAttempts-1 {
			continue
		}
		return stored, duplicate, err
	}
}

func (r *UsageRepository) appendIdempotent(ctx context.Context, ev *usage.Event, dedupSince time.Time) (*usage.Event, bool, error) {
	var (
		stored    *usage.Event
		duplicate bool
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		prior, err := scanEvent(tx.QueryRow(ctx, `
			SELECT e.id, e.subject_id, e.owner_id, e.metric, e.quantity, e.occurred_at,
			       COALESCE(e.idempotency_key, ''), e.recorded_at
			FROM usage_idempotency_keys k
			JOIN usage_events e ON e.id = k.event_id
			WHERE k.owner_id = $1 AND k.idempotency_key = $2 AND k.seen_at >= $3
		`, ev.OwnerID, ev.IdempotencyKey, dedupSince))
		switch {
		case err == nil:
			if !prior.SamePayload(ev) {
				return fmt.Errorf("%w: key %q", ierr.ErrWriteConflict, ev.IdempotencyKey)
			}
			stored, duplicate = prior, true
			return nil
		case !errors.Is(err, ierr.ErrNotFound):
			return err
		}

		if err := r.insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		// an expired claim on the same key is taken over
		tag, err := tx.Exec(ctx, `
			INSERT INTO usage_idempotency_keys (owner_id, idempotency_key, event_id, seen_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner_id, idempotency_key) DO UPDATE
			SET event_id = EXCLUDED.event_id, seen_at = EXCLUDED.seen_at
			WHERE usage_idempotency_keys.seen_at < $5
		`, ev.OwnerID, ev.IdempotencyKey, ev.ID, ev.RecordedAt, dedupSince)
		if err != nil {
			return fmt.Errorf("db error claiming idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errKeyRace
		}
		cp := *ev
		stored = &cp
		return nil
	})
	if err != nil {
		if !errors.Is(err, ierr.ErrWriteConflict) && !errors.Is(err, errKeyRace) {
			r.logger.Error("Failed to append usage event", zap.Error(err))
		}
		return nil, false, err
	}
	return stored, duplicate, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *UsageRepository) insertEvent(ctx context.Context, db execer, ev *usage.Event) error {
	var key *string
	if ev.IdempotencyKey != "" {
		key = &ev.IdempotencyKey
	}
	_, err := db.Exec(ctx, `
		INSERT INTO usage_events (id, subject_id, owner_id, metric, quantity, occurred_at, idempotency_key, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.SubjectID, ev.OwnerID, ev.Metric, ev.Quantity, ev.Timestamp, key, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("db error inserting usage event: %w", err)
	}
	return nil
}

func (r *UsageRepository) Sum(ctx context.Context, id uuid.UUID, metric string, from, to time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)::BIGINT
		FROM usage_events
		WHERE (subject_id = $1 OR owner_id = $1)
		  AND metric = $2 AND occurred_at >= $3 AND occurred_at < $4
	`, id, metric, from, to).Scan(&total)
	if err != nil {
		r.logger.Error("Failed to sum usage", zap.String("id", id.String()), zap.String("metric", metric), zap.Error(err))
		return 0, fmt.Errorf("db error summing usage: %w", err)
	}
	return total, nil
}

func (r *UsageRepository) BucketTotals(ctx context.Context, id uuid.UUID, metric string, from, to time.Time, bucket time.Duration) (map[int64]int64, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("%w: bucket size must be positive", ierr.ErrValidation)
	}
	rows, err := r.db.Query(ctx, `
		SELECT FLOOR(EXTRACT(EPOCH FROM (occurred_at - $3::TIMESTAMPTZ))::DOUBLE PRECISION / $5)::BIGINT AS idx,
		       SUM(quantity)::BIGINT
		FROM usage_events
		WHERE (subject_id = $1 OR owner_id = $1)
		  AND metric = $2 AND occurred_at >= $3 AND occurred_at < $4
		GROUP BY idx
	`, id, metric, from, to, bucket.Seconds())
	if err != nil {
		r.logger.Error("Failed to bucket usage", zap.String("id", id.String()), zap.String("metric", metric), zap.Error(err))
		return nil, fmt.Errorf("db error bucketing usage: %w", err)
	}
	defer rows.Close()

	totals := make(map[int64]int64)
	for rows.Next() {
		var idx, total int64
		if err := rows.Scan(&idx, &total); err != nil {
			return nil, fmt.Errorf("database scan error: %w", err)
		}
		totals[idx] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error iterating usage buckets: %w", err)
	}
	return totals, nil
}

func (r *UsageRepository) Metrics(ctx context.Context, id uuid.UUID, from, to time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT metric
		FROM usage_events
		WHERE (subject_id = $1 OR owner_id = $1) AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY metric
	`, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("db error listing usage metrics: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("db error collecting usage metrics: %w", err)
	}
	return out, nil
}

func (r *UsageRepository) PurgeIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM usage_idempotency_keys WHERE seen_at < $1`, before)
	if err != nil {
		r.logger.Error("Failed to purge idempotency keys", zap.Error(err))
		return 0, fmt.Errorf("db error purging idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEvent(row pgx.Row) (*usage.Event, error) {
	var ev usage.Event
	err := row.Scan(&ev.ID, &ev.SubjectID, &ev.OwnerID, &ev.Metric, &ev.Quantity, &ev.Timestamp, &ev.IdempotencyKey, &ev.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrNotFound
		}
		return nil, fmt.Errorf("database scan error: %w", err)
	}
	return &ev, nil
}
