package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/makkenzo/keytier-api/internal/config"
	"github.com/makkenzo/keytier-api/internal/tasks"
	"go.uber.org/zap"
)

type Handlers struct {
	Sweep *tasks.CredentialSweepHandler
	Purge *tasks.IdempotencyPurgeHandler
}

type periodic struct {
	name     string
	schedule string
	build    func(...asynq.Option) (*asynq.Task, error)
}

func RunWorkers(cfg *config.Config, handlers Handlers, logger *zap.Logger) (<-chan error, func(context.Context)) {
	errChan := make(chan error, 4)

	redisConnOpts := asynq.RedisClientOpt{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(
		redisConnOpts,
		asynq.Config{
			Concurrency: concurrency,
			// maintenance only; nothing on the request path goes through asynq
			Queues: map[string]int{
				tasks.QueueMaintenance: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log := logger.Named("AsynqServerErrorHandler")
				log.Error("Asynq task processing failed",
					zap.String("task_type", task.Type()),
					zap.ByteString("payload", task.Payload()),
					zap.Error(err),
				)
			}),
			Logger: NewAsynqLoggerAdapter(logger.Named("AsynqServer")),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeCredentialSweep, handlers.Sweep.ProcessTask)
	mux.HandleFunc(tasks.TypeIdempotencyPurge, handlers.Purge.ProcessTask)

	go func() {
		logger.Info("Starting Asynq Server...")
		if err := srv.Run(mux); err != nil {
			logger.Error("Asynq Server run failed", zap.Error(err))
			errChan <- fmt.Errorf("asynq server error: %w", err)
		}
		logger.Info("Asynq Server stopped.")
	}()

	scheduler := asynq.NewScheduler(
		redisConnOpts,
		&asynq.SchedulerOpts{
			Logger: NewAsynqLoggerAdapter(logger.Named("AsynqScheduler")),
		},
	)

	jobs := []periodic{
		{name: "credential sweep", schedule: cfg.Worker.SweepSchedule, build: tasks.NewCredentialSweepTask},
		{name: "idempotency purge", schedule: cfg.Worker.PurgeSchedule, build: tasks.NewIdempotencyPurgeTask},
	}
	for _, job := range jobs {
		task, err := job.build()
		if err != nil {
			logger.Error("Failed to create task for scheduler", zap.String("task", job.name), zap.Error(err))
			errChan <- fmt.Errorf("scheduler task creation error: %w", err)
			continue
		}

		entryID, err := scheduler.Register(job.schedule, task)
		if err != nil {
			logger.Error("Could not register periodic task", zap.String("task", job.name), zap.Error(err))
			errChan <- fmt.Errorf("scheduler registration error: %w", err)
			continue
		}
		logger.Info("Registered periodic task", zap.String("task", job.name), zap.String("entry_id", entryID), zap.String("schedule", job.schedule))
	}

	go func() {
		logger.Info("Starting Asynq Scheduler...")
		if err := scheduler.Run(); err != nil {
			logger.Error("Asynq Scheduler run failed", zap.Error(err))
			errChan <- fmt.Errorf("asynq scheduler error: %w", err)
		}
		logger.Info("Asynq Scheduler stopped.")
	}()

	shutdownFunc := func(ctx context.Context) {
		logger.Info("Shutting down Asynq Scheduler...")
		scheduler.Shutdown()

		logger.Info("Shutting down Asynq Server...")
		srv.Shutdown()
		logger.Info("Asynq workers stopped.")
	}

	return errChan, shutdownFunc
}

type asynqLoggerAdapter struct {
	logger *zap.Logger
}

func NewAsynqLoggerAdapter(logger *zap.Logger) *asynqLoggerAdapter {
	return &asynqLoggerAdapter{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (l *asynqLoggerAdapter) Debug(args ...interface{}) {
	l.logger.Debug(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Info(args ...interface{}) {
	l.logger.Info(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Warn(args ...interface{}) {
	l.logger.Warn(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Error(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
}
func (l *asynqLoggerAdapter) Fatal(args ...interface{}) {
	l.logger.Fatal(fmt.Sprint(args...))
}
