package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeCredentialSweep  = "credential:sweep"
	TypeIdempotencyPurge = "usage:idempotency:purge"

	QueueMaintenance = "maintenance"
)

type SweepPayload struct{}

type PurgePayload struct{}

func NewCredentialSweepTask(opts ...asynq.Option) (*asynq.Task, error) {
	return newPeriodicTask(TypeCredentialSweep, SweepPayload{}, 30*time.Second, opts)
}

func NewIdempotencyPurgeTask(opts ...asynq.Option) (*asynq.Task, error) {
	return newPeriodicTask(TypeIdempotencyPurge, PurgePayload{}, 30*time.Minute, opts)
}

func newPeriodicTask(typename string, payload any, unique time.Duration, opts []asynq.Option) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	allOpts := append([]asynq.Option{asynq.Queue(QueueMaintenance), asynq.MaxRetry(1)}, opts...)
	// a run still pending when the next tick fires is not enqueued twice
	allOpts = append(allOpts, asynq.Unique(unique))
	return asynq.NewTask(typename, payloadBytes, allOpts...), nil
}
