package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/keytier-api/internal/domain/subscription"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"go.uber.org/zap"
)

const subscriptionColumns = `id, owner_id, subject_id, tier_id, tier_version, status, created_at`

type SubscriptionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewSubscriptionRepository(db *pgxpool.Pool, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger.Named("SubscriptionRepository"),
	}
}

var _ subscription.Repository = (*SubscriptionRepository)(nil)

func (r *SubscriptionRepository) Create(ctx context.Context, s *subscription.Subscription) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.OwnerID, s.SubjectID, s.TierID, s.TierVersion, string(s.Status), s.CreatedAt)
	if err != nil {
		if pgErr, ok := isUniqueViolation(err); ok {
			r.logger.Warn("Subject already has an active subscription",
				zap.String("subject_id", s.SubjectID.String()),
				zap.String("constraint", pgErr.ConstraintName),
			)
			return fmt.Errorf("%w: subject %s already has an active subscription", ierr.ErrConflict, s.SubjectID)
		}
		r.logger.Error("Failed to create subscription", zap.Error(err))
		return fmt.Errorf("database error on create subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) ListActiveByTier(ctx context.Context, ownerID, tierID uuid.UUID) ([]*subscription.Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE owner_id = $1 AND tier_id = $2 AND status = 'active'
		ORDER BY created_at
	`, ownerID, tierID)
	if err != nil {
		r.logger.Error("Failed to list subscriptions", zap.String("tier_id", tierID.String()), zap.Error(err))
		return nil, fmt.Errorf("database error listing subscriptions: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[subscription.Subscription])
	if err != nil {
		return nil, fmt.Errorf("database scan error: %w", err)
	}
	return out, nil
}

func (r *SubscriptionRepository) FindActiveBySubject(ctx context.Context, ownerID, subjectID uuid.UUID) (*subscription.Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE owner_id = $1 AND subject_id = $2 AND status = 'active'
	`, ownerID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("database error loading subscription: %w", err)
	}
	s, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[subscription.Subscription])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrNotFound
		}
		return nil, fmt.Errorf("database scan error: %w", err)
	}
	return s, nil
}
