package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/ierr"
	"go.uber.org/zap"
)

const graceEndedReason = "rotation grace period ended"

const credentialColumns = `
	id, owner_id, lineage_id, tier_id, tier_version, environment, secret_hash, prefix, hint,
	description, scopes, per_hour, per_day, per_month, status, created_at,
	not_before, expires_at, rotates_at, rotation_interval_ms, grace_ends_at,
	supersedes, superseded_by, revoked_at, revoke_reason, last_used_at`

// revokeReasonSQL keeps an earlier reason, such as the one given at rotation.
const revokeReasonSQL = `CASE WHEN revoke_reason = '' THEN $3 ELSE revoke_reason END`

type CredentialRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewCredentialRepository(db *pgxpool.Pool, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{
		db:     db,
		logger: logger.Named("CredentialRepository"),
	}
}

var _ credential.Repository = (*CredentialRepository)(nil)

func (r *CredentialRepository) Create(ctx context.Context, cred *credential.Credential, lineage *credential.Lineage) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO credential_lineages (id, owner_id, active_id)
			VALUES ($1, $2, $3)
		`, lineage.ID, lineage.OwnerID, lineage.ActiveID)
		if err != nil {
			r.logger.Error("Failed to create credential lineage", zap.Error(err))
			return fmt.Errorf("db error creating lineage: %w", err)
		}
		return r.insert(ctx, tx, cred)
	})
}

func (r *CredentialRepository) insert(ctx context.Context, tx pgx.Tx, c *credential.Credential) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`,
		c.ID, c.OwnerID, c.LineageID, c.TierID, c.TierVersion, c.Environment, c.SecretHash, c.Prefix, c.Hint,
		c.Description, c.Scopes, c.RateLimits.PerHour, c.RateLimits.PerDay, c.RateLimits.PerMonth, c.Status, c.CreatedAt,
		c.NotBefore, c.ExpiresAt, c.RotatesAt, c.RotationInterval.Milliseconds(), c.GraceEndsAt,
		c.Supersedes, c.SupersededBy, c.RevokedAt, c.RevokeReason, c.LastUsedAt,
	)
	if err != nil {
		if pgErr, ok := isUniqueViolation(err); ok {
			r.logger.Warn("Failed to create credential due to unique constraint violation",
				zap.String("constraint", pgErr.ConstraintName),
				zap.String("hint", c.Hint),
			)
			return fmt.Errorf("%w: credential constraint violation (%s)", ierr.ErrConflict, pgErr.ConstraintName)
		}
		r.logger.Error("Failed to create credential in database", zap.Error(err))
		return fmt.Errorf("db error creating credential: %w", err)
	}
	return nil
}

func (r *CredentialRepository) FindByID(ctx context.Context, id uuid.UUID) (*credential.Credential, error) {
	row := r.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	return r.scanCredential(row)
}

func (r *CredentialRepository) FindByHash(ctx context.Context, secretHash string) (*credential.Credential, error) {
	row := r.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE secret_hash = $1`, secretHash)
	return r.scanCredential(row)
}

func (r *CredentialRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*credential.Credential, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		r.logger.Error("Failed to list credentials", zap.String("owner_id", ownerID.String()), zap.Error(err))
		return nil, fmt.Errorf("db error listing credentials: %w", err)
	}
	defer rows.Close()

	out := make([]*credential.Credential, 0)
	for rows.Next() {
		c, err := r.scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error iterating credentials: %w", err)
	}
	return out, nil
}

func (r *CredentialRepository) FindLineage(ctx context.Context, lineageID uuid.UUID) (*credential.Lineage, error) {
	return scanLineage(r.db.QueryRow(ctx, `
		SELECT id, owner_id, active_id, grace_id, grace_ends_at, closed_at
		FROM credential_lineages WHERE id = $1
	`, lineageID))
}

// Rotate runs the whole rotation in one transaction with the lineage row
// locked, so concurrent rotations of the same lineage serialize and the loser
// sees the winner's grace member.
func (r *CredentialRepository) Rotate(ctx context.Context, plan credential.RotationPlan) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		lineage, err := scanLineage(tx.QueryRow(ctx, `
			SELECT id, owner_id, active_id, grace_id, grace_ends_at, closed_at
			FROM credential_lineages WHERE id = $1
			FOR UPDATE
		`, plan.LineageID))
		if err != nil {
			return err
		}
		if lineage.ClosedAt != nil {
			return ierr.ErrNotFound
		}
		if lineage.ActiveID != plan.OldID || lineage.Rotating(plan.Now) {
			return ierr.ErrAlreadyRotating
		}

		if lineage.GraceID != nil {
			_, err := tx.Exec(ctx, `
				UPDATE credentials
				SET status = 'revoked', revoked_at = $2, revoke_reason = `+revokeReasonSQL+`
				WHERE id = $1 AND status <> 'revoked'
			`, *lineage.GraceID, *lineage.GraceEndsAt, graceEndedReason)
			if err != nil {
				return fmt.Errorf("db error finalizing previous grace member: %w", err)
			}
		}

		if err := r.insert(ctx, tx, plan.New); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE credentials
			SET status = 'rotating', grace_ends_at = $2, superseded_by = $3, revoke_reason = $4
			WHERE id = $1
		`, plan.OldID, plan.GraceEndsAt, plan.New.ID, plan.Reason)
		if err != nil {
			return fmt.Errorf("db error marking credential rotating: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ierr.ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			UPDATE credential_lineages
			SET active_id = $2, grace_id = $3, grace_ends_at = $4
			WHERE id = $1
		`, plan.LineageID, plan.New.ID, plan.OldID, plan.GraceEndsAt)
		if err != nil {
			return fmt.Errorf("db error updating lineage: %w", err)
		}

		r.logger.Info("Credential rotated in database",
			zap.String("lineage_id", plan.LineageID.String()),
			zap.String("new_id", plan.New.ID.String()),
		)
		return nil
	})
}

func (r *CredentialRepository) RevokeLineage(ctx context.Context, lineageID uuid.UUID, at time.Time, reason string) ([]uuid.UUID, error) {
	var revoked []uuid.UUID
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE credential_lineages
			SET grace_id = NULL, grace_ends_at = NULL, closed_at = $2
			WHERE id = $1
		`, lineageID, at)
		if err != nil {
			return fmt.Errorf("db error closing lineage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ierr.ErrNotFound
		}

		rows, err := tx.Query(ctx, `
			UPDATE credentials
			SET status = 'revoked', revoked_at = $2, revoke_reason = `+revokeReasonSQL+`
			WHERE lineage_id = $1 AND status <> 'revoked'
			RETURNING id
		`, lineageID, at, reason)
		if err != nil {
			return fmt.Errorf("db error revoking credentials: %w", err)
		}
		revoked, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		return err
	})
	if err != nil {
		if !errors.Is(err, ierr.ErrNotFound) {
			r.logger.Error("Failed to revoke lineage", zap.String("lineage_id", lineageID.String()), zap.Error(err))
		}
		return nil, err
	}
	return revoked, nil
}

func (r *CredentialRepository) ApplyTransitions(ctx context.Context, now time.Time) (credential.Transitions, error) {
	var t credential.Transitions
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE credentials SET status = 'active'
			WHERE status = 'pending'
			  AND (not_before IS NULL OR not_before <= $1)
			  AND (expires_at IS NULL OR expires_at > $1)
		`, now)
		if err != nil {
			return fmt.Errorf("db error activating credentials: %w", err)
		}
		t.Activated = int(tag.RowsAffected())

		rows, err := tx.Query(ctx, `
			UPDATE credentials
			SET status = 'revoked', revoked_at = grace_ends_at,
			    revoke_reason = CASE WHEN revoke_reason = '' THEN $2 ELSE revoke_reason END
			WHERE status IN ('rotating', 'expired') AND grace_ends_at < $1
			RETURNING id
		`, now, graceEndedReason)
		if err != nil {
			return fmt.Errorf("db error revoking lapsed grace members: %w", err)
		}
		revoked, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("db error collecting revoked credentials: %w", err)
		}
		t.Revoked = len(revoked)
		if len(revoked) > 0 {
			_, err = tx.Exec(ctx, `
				UPDATE credential_lineages SET grace_id = NULL, grace_ends_at = NULL
				WHERE grace_id = ANY($1)
			`, revoked)
			if err != nil {
				return fmt.Errorf("db error clearing lineage grace members: %w", err)
			}
		}

		tag, err = tx.Exec(ctx, `
			UPDATE credentials SET status = 'expired'
			WHERE expires_at <= $1
			  AND (status IN ('active', 'rotating')
			       OR (status = 'pending' AND (not_before IS NULL OR not_before <= $1)))
		`, now)
		if err != nil {
			return fmt.Errorf("db error expiring credentials: %w", err)
		}
		t.Expired = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to apply credential transitions", zap.Error(err))
		return credential.Transitions{}, err
	}
	return t, nil
}

func (r *CredentialRepository) CountRotationDue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM credentials
		WHERE status = 'active' AND rotates_at <= $1
		  AND (expires_at IS NULL OR expires_at > $1)
	`, now).Scan(&n)
	if err != nil {
		r.logger.Error("Failed to count credentials due for rotation", zap.Error(err))
		return 0, fmt.Errorf("db error counting rotation due credentials: %w", err)
	}
	return n, nil
}

// SetTierVersion repins every live member of the lineage to version of its tier.
func (r *CredentialRepository) SetTierVersion(ctx context.Context, lineageID uuid.UUID, version int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE credentials SET tier_version = $2
		WHERE lineage_id = $1 AND status NOT IN ('revoked', 'expired')
	`, lineageID, version)
	if err != nil {
		r.logger.Error("Failed to repin credential tier version", zap.String("lineage_id", lineageID.String()), zap.Error(err))
		return fmt.Errorf("db error updating tier version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ierr.ErrNotFound
	}
	return nil
}

func (r *CredentialRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID, lastUsed time.Time) error {
	cmdTag, err := r.db.Exec(ctx, `UPDATE credentials SET last_used_at = $1 WHERE id = $2`, lastUsed, id)
	if err != nil {
		r.logger.Error("Failed to update credential last_used_at", zap.String("id", id.String()), zap.Error(err))
		return fmt.Errorf("db error updating last used time: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		r.logger.Warn("Credential not found when updating last_used_at", zap.String("id", id.String()))
	}
	return nil
}

func (r *CredentialRepository) scanCredential(row pgx.Row) (*credential.Credential, error) {
	var (
		c          credential.Credential
		intervalMs int64
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.LineageID, &c.TierID, &c.TierVersion, &c.Environment, &c.SecretHash, &c.Prefix, &c.Hint,
		&c.Description, &c.Scopes, &c.RateLimits.PerHour, &c.RateLimits.PerDay, &c.RateLimits.PerMonth, &c.Status, &c.CreatedAt,
		&c.NotBefore, &c.ExpiresAt, &c.RotatesAt, &intervalMs, &c.GraceEndsAt,
		&c.Supersedes, &c.SupersededBy, &c.RevokedAt, &c.RevokeReason, &c.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrNotFound
		}
		r.logger.Error("Failed to scan credential row", zap.Error(err))
		return nil, fmt.Errorf("database scan error: %w", err)
	}
	c.RotationInterval = time.Duration(intervalMs) * time.Millisecond
	return &c, nil
}

func scanLineage(row pgx.Row) (*credential.Lineage, error) {
	var l credential.Lineage
	err := row.Scan(&l.ID, &l.OwnerID, &l.ActiveID, &l.GraceID, &l.GraceEndsAt, &l.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ierr.ErrNotFound
		}
		return nil, fmt.Errorf("database scan error: %w", err)
	}
	return &l, nil
}
