package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const tierColumns = `
	id, version, owner_id, name, currency, price::TEXT, included_usage, overage_rate,
	features, parent_tier_id, status, created_at, updated_at`

type TierRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTierRepository(db *pgxpool.Pool, logger *zap.Logger) *TierRepository {
	return &TierRepository{
		db:     db,
		logger: logger.Named("TierRepository"),
	}
}

var _ tier.Repository = (*TierRepository)(nil)

func (r *TierRepository) Create(ctx context.Context, t *tier.Tier) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tiers (id, version, owner_id, name, currency, price, included_usage, overage_rate,
		                   features, parent_tier_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13)
	`, tierArgs(t)...)
	if err != nil {
		if pgErr, ok := isUniqueViolation(err); ok {
			r.logger.Warn("Attempted to create tier with duplicate id", zap.String("tier_id", t.ID.String()), zap.String("constraint", pgErr.ConstraintName))
			return fmt.Errorf("%w: tier %s already exists", ierr.ErrConflict, t.ID)
		}
		r.logger.Error("Failed to create tier in database", zap.Error(err))
		return fmt.Errorf("database error on create tier: %w", err)
	}
	return nil
}

func (r *TierRepository) FindLatest(ctx context.Context, id uuid.UUID) (*tier.Tier, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+tierColumns+`
		FROM tiers WHERE id = $1
		ORDER BY version DESC
		LIMIT 1
	`, id)
	return r.scanTier(row)
}

func (r *TierRepository) FindVersion(ctx context.Context, id uuid.UUID, version int) (*tier.Tier, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tierColumns+` FROM tiers WHERE id = $1 AND version = $2`, id, version)
	return r.scanTier(row)
}

func (r *TierRepository) List(ctx context.Context, params tier.ListParams) ([]*tier.Tier, error) {
	var status *string
	if params.Status != nil {
		s := string(*params.Status)
		status = &s
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+tierColumns+`
		FROM (
			SELECT DISTINCT ON (id) *
			FROM tiers
			WHERE owner_id = $1
			ORDER BY id, version DESC
		) latest
		WHERE $2::TEXT IS NULL OR status = $2
		ORDER BY created_at
	`, params.OwnerID, status)
	if err != nil {
		r.logger.Error("Failed to list tiers", zap.String("owner_id", params.OwnerID.String()), zap.Error(err))
		return nil, fmt.Errorf("database error listing tiers: %w", err)
	}
	defer rows.Close()

	out := make([]*tier.Tier, 0)
	for rows.Next() {
		t, err := r.scanTier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error iterating tiers: %w", err)
	}
	return out, nil
}

// InsertVersion writes the row only when t.Version directly follows the stored
// latest. Two writers racing on the same version collide on the primary key.
func (r *TierRepository) InsertVersion(ctx context.Context, t *tier.Tier) error {
	args := append(tierArgs(t), t.Version-1)
	tag, err := r.db.Exec(ctx, `
		INSERT INTO tiers (id, version, owner_id, name, currency, price, included_usage, overage_rate,
		                   features, parent_tier_id, status, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13
		WHERE (SELECT MAX(version) FROM tiers WHERE id = $1) = $14
	`, args...)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return fmt.Errorf("%w: tier %s version %d already written", ierr.ErrConflict, t.ID, t.Version)
		}
		r.logger.Error("Failed to insert tier version", zap.String("tier_id", t.ID.String()), zap.Error(err))
		return fmt.Errorf("database error inserting tier version: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var latest *int
	if err := r.db.QueryRow(ctx, `SELECT MAX(version) FROM tiers WHERE id = $1`, t.ID).Scan(&latest); err != nil {
		return fmt.Errorf("database error loading tier version: %w", err)
	}
	if latest == nil {
		return ierr.ErrNotFound
	}
	return fmt.Errorf("%w: tier %s is at version %d, cannot write version %d", ierr.ErrConflict, t.ID, *latest, t.Version)
}

func tierArgs(t *tier.Tier) []any {
	return []any{
		t.ID, t.Version, t.OwnerID, t.Name, t.Currency, t.Price.String(), t.IncludedUsage, t.OverageRate,
		t.Features, t.ParentTierID, string(t.Status), t.CreatedAt, t.UpdatedAt,
	}
}

func (r *TierRepository) scanTier(row pgx.Row) (*tier.Tier, error) {
	var (
		t     tier.Tier
		price string
	)
	err := row.Scan(
		&t.ID, &t.Version, &t.OwnerID, &t.Name, &t.Currency, &price, &t.IncludedUsage, &t.OverageRate,
		&t.Features, &t.ParentTierID, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrNotFound
		}
		r.logger.Error("Failed to scan tier row", zap.Error(err))
		return nil, fmt.Errorf("database scan error: %w", err)
	}
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("database scan error: tier price %q: %w", price, err)
	}
	return t.Clone(), nil
}
