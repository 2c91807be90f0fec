package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"go.uber.org/zap"
)

type Sweeper interface {
	Sweep(ctx context.Context) (credential.Transitions, error)
}

// CounterPruner drops rate-limit counters of closed windows. Only the
// in-process store needs this; Redis expires its keys itself.
type CounterPruner interface {
	Prune(now time.Time) int
}

type IdempotencyPurger interface {
	PurgeIdempotencyKeys(ctx context.Context) (int64, error)
}

type CredentialSweepHandler struct {
	vault  Sweeper
	pruner CounterPruner
	now    func() time.Time
	logger *zap.Logger
}

// NewCredentialSweepHandler accepts a nil pruner. A nil now uses time.Now.
func NewCredentialSweepHandler(vault Sweeper, pruner CounterPruner, now func() time.Time, logger *zap.Logger) *CredentialSweepHandler {
	if now == nil {
		now = time.Now
	}
	return &CredentialSweepHandler{
		vault:  vault,
		pruner: pruner,
		now:    now,
		logger: logger.Named("CredentialSweepHandler"),
	}
}

func (h *CredentialSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeCredentialSweep {
		return fmt.Errorf("unexpected task type: %s", t.Type())
	}

	h.logger.Debug("Processing credential sweep task...")

	transitions, err := h.vault.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("credential sweep: %w", err)
	}

	pruned := 0
	if h.pruner != nil {
		pruned = h.pruner.Prune(h.now().UTC())
	}

	h.logger.Info("Credential sweep task finished",
		zap.Int("transitions", transitions.Total()),
		zap.Int("rotation_due", transitions.RotationDue),
		zap.Int("pruned_counters", pruned),
	)
	return nil
}

type IdempotencyPurgeHandler struct {
	ledger IdempotencyPurger
	logger *zap.Logger
}

func NewIdempotencyPurgeHandler(ledger IdempotencyPurger, logger *zap.Logger) *IdempotencyPurgeHandler {
	return &IdempotencyPurgeHandler{
		ledger: ledger,
		logger: logger.Named("IdempotencyPurgeHandler"),
	}
}

func (h *IdempotencyPurgeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeIdempotencyPurge {
		return fmt.Errorf("unexpected task type: %s", t.Type())
	}

	purged, err := h.ledger.PurgeIdempotencyKeys(ctx)
	if err != nil {
		h.logger.Error("Failed to purge idempotency keys", zap.Error(err))
		return fmt.Errorf("idempotency purge: %w", err)
	}

	h.logger.Info("Idempotency purge task finished", zap.Int64("purged", purged))
	return nil
}
