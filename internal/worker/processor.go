package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"sync-control-plane/internal/backoff"
	"sync-control-plane/internal/config"
	"sync-control-plane/internal/queue"
	"sync-control-plane/internal/telemetry"
)

var errNoHandler = errors.New("no handler registered")

// Processor drives the worker execution loop over a polled queue backend.
type Processor struct {
	cfg       config.Config
	consumer  queue.Consumer
	promoter  queue.Promoter
	reclaimer queue.Reclaimer
	registry  *Registry
	calc      *backoff.Calculator
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Processor)

func WithLogger(l zerolog.Logger) Option          { return func(p *Processor) { p.log = l } }
func WithCalculator(c *backoff.Calculator) Option { return func(p *Processor) { p.calc = c } }
func WithClock(now func() time.Time) Option       { return func(p *Processor) { p.now = now } }

// NewProcessor builds a processor over consumer. Backends that keep delayed entries
// apart are promoted on every poll, and expired reservations are reclaimed.
func NewProcessor(cfg config.Config, consumer queue.Consumer, registry *Registry, opts ...Option) *Processor {
	p := &Processor{
		cfg:      cfg,
		consumer: consumer,
		registry: registry,
		calc:     backoff.Default(),
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	if pr, ok := consumer.(queue.Promoter); ok {
		p.promoter = pr
	}
	if rc, ok := consumer.(queue.Reclaimer); ok {
		p.reclaimer = rc
	}
	for _, o := range opts {
		o(p)
	}
	n := cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	p.sem = semaphore.NewWeighted(int64(n))
	return p
}

// Run starts the main worker loop until context cancellation, then waits for
// in-flight work to finish.
func (p *Processor) Run(ctx context.Context) error {
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.promote(ctx)
		if p.poll(ctx) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) promote(ctx context.Context) {
	limit := int64(p.cfg.ScheduledBatchSize)
	for _, q := range p.cfg.WorkerQueues {
		if p.reclaimer != nil {
			if _, err := p.reclaimer.ReclaimExpired(ctx, q, p.now(), limit); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Str("queue", q).Msg("reclaim expired")
			}
		}
		if p.promoter != nil {
			if _, err := p.promoter.PromoteDelayed(ctx, q, p.now(), limit); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Str("queue", q).Msg("promote delayed")
			}
		}
	}
}

// poll reserves at most one entry per queue, in priority order, and reports how many it started.
func (p *Processor) poll(ctx context.Context) int {
	started := 0
	for _, q := range p.cfg.WorkerQueues {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return started
		}
		e, err := p.consumer.Reserve(ctx, q)
		if err != nil || e == nil {
			p.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Str("queue", q).Msg("reserve")
			}
			continue
		}
		started++
		p.wg.Add(1)
		telemetry.InFlightGauge.Inc()
		go func(e *queue.Entry) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer telemetry.InFlightGauge.Dec()
			p.Process(ctx, e)
		}(e)
	}
	return started
}

// Process runs one reserved entry to its outcome: ack on success, release with
// backoff on failure, fail once attempts are spent.
func (p *Processor) Process(ctx context.Context, e *queue.Entry) {
	unit := &releaseTracker{
		name:    e.JobName(),
		release: func(ctx context.Context, d time.Duration) error { return p.consumer.Release(ctx, e, d) },
	}
	task := taskFromPayload(e.Payload, e.Attempts, unit)
	log := p.log.With().Str("job", task.JobType).Str("entry", e.ID).Int("attempt", e.Attempts).Logger()

	err := runHandler(ctx, p.registry, task)
	// Settle the entry even when ctx was cancelled mid-run.
	sctx := context.WithoutCancel(ctx)

	if unit.Released() {
		log.Debug().Msg("released by handler")
		return
	}
	if err == nil {
		if aerr := p.consumer.Ack(sctx, e); aerr != nil {
			log.Error().Err(aerr).Msg("ack")
		}
		telemetry.WorkerSuccess.Inc()
		return
	}

	if errors.Is(err, errNoHandler) || e.Attempts >= p.cfg.MaxAttempts {
		if ferr := p.consumer.Fail(sctx, e, err); ferr != nil {
			log.Error().Err(ferr).Msg("move to failed")
		}
		telemetry.WorkerDeadLetter.Inc()
		log.Error().Err(err).Msg("work unit failed permanently")
		return
	}

	delay := p.calc.Capped(p.cfg.BackoffInitial, p.cfg.BackoffMax, e.Attempts)
	if rerr := p.consumer.Release(sctx, e, delay); rerr != nil {
		log.Error().Err(rerr).Msg("release for retry")
	}
	telemetry.WorkerFailures.Inc()
	log.Warn().Err(err).Dur("retry_in", delay).Msg("work unit failed, retrying")
}

// runHandler runs the handler registered for task. Panics become errors.
func runHandler(ctx context.Context, reg *Registry, task Task) (err error) {
	h, ok := reg.Lookup(task.JobType)
	if !ok {
		return fmt.Errorf("%w for type %q", errNoHandler, task.JobType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}
