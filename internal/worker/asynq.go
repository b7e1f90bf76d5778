package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/backoff"
	"sync-control-plane/internal/config"
	"sync-control-plane/internal/telemetry"
)

// Requeuer enqueues a payload again. queue.AsynqBackend satisfies it.
type Requeuer interface {
	Requeue(ctx context.Context, queue, jobType string, payload []byte, delay time.Duration) (string, error)
}

// AsynqServer runs registered handlers on an asynq server. Retries and the
// archived (failed) set are asynq's; attempts are capped at cfg.MaxAttempts.
type AsynqServer struct {
	server   *asynq.Server
	registry *Registry
	requeue  Requeuer
	cfg      config.Config
	log      zerolog.Logger
}

func NewAsynqServer(opt asynq.RedisClientOpt, cfg config.Config, registry *Registry, requeue Requeuer, log zerolog.Logger) *AsynqServer {
	calc := backoff.Default()
	con := cfg.WorkerConcurrency
	if con <= 0 {
		con = 1
	}
	// Earlier queues in WorkerQueues get higher weight.
	queues := make(map[string]int, len(cfg.WorkerQueues))
	for i, q := range cfg.WorkerQueues {
		queues[q] = len(cfg.WorkerQueues) - i
	}
	if len(queues) == 0 {
		queues["default"] = 1
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: con,
		Queues:      queues,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return calc.Capped(cfg.BackoffInitial, cfg.BackoffMax, n)
		},
	})
	return &AsynqServer{server: server, registry: registry, requeue: requeue, cfg: cfg, log: log}
}

// Mux builds the serve mux for every registered job type, wrapped with telemetry.
func (s *AsynqServer) Mux() asynq.Handler {
	mux := asynq.NewServeMux()
	for _, jobType := range s.registry.JobTypes() {
		mux.HandleFunc(jobType, s.ProcessTask)
	}
	return s.lifecycle(mux)
}

// Run serves until ctx is cancelled.
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.Mux()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return ctx.Err()
}

// ProcessTask adapts one asynq task to a Handler call.
func (s *AsynqServer) ProcessTask(ctx context.Context, t *asynq.Task) error {
	queueName, ok := asynq.GetQueueName(ctx)
	if !ok {
		queueName = "default"
	}
	retried, _ := asynq.GetRetryCount(ctx)
	attempt := retried + 1

	unit := &releaseTracker{
		name: t.Type(),
		release: func(ctx context.Context, d time.Duration) error {
			_, err := s.requeue.Requeue(ctx, queueName, t.Type(), t.Payload(), d)
			return err
		},
	}
	task := taskFromPayload(t.Payload(), attempt, unit)
	task.JobType = t.Type()
	err := runHandler(ctx, s.registry, task)
	if unit.Released() || err == nil {
		return nil
	}
	if errors.Is(err, errNoHandler) || attempt >= s.cfg.MaxAttempts {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	return err
}

func (s *AsynqServer) lifecycle(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		telemetry.InFlightGauge.Inc()
		defer telemetry.InFlightGauge.Dec()
		err := next.ProcessTask(ctx, t)
		switch {
		case err == nil:
			telemetry.WorkerSuccess.Inc()
		case errors.Is(err, asynq.SkipRetry):
			telemetry.WorkerDeadLetter.Inc()
			s.log.Error().Err(err).Str("job", t.Type()).Msg("work unit failed permanently")
		default:
			telemetry.WorkerFailures.Inc()
			s.log.Warn().Err(err).Str("job", t.Type()).Msg("work unit failed, retrying")
		}
		return err
	})
}
