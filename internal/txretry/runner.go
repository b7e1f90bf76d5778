// Package txretry runs database work in a transaction and retries it when the database
// reports a deadlock or serialization failure.
package txretry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sync-control-plane/internal/backoff"
	"sync-control-plane/internal/telemetry"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	jitterPercent      = 30
)

// Beginner is satisfied by *sql.DB and *store.DB.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Runner retries deadlocked transactions with exponential backoff. The sleep between
// attempts blocks the calling goroutine.
type Runner struct {
	db          Beginner
	MaxAttempts int
	BaseDelay   time.Duration
	TxOptions   *sql.TxOptions

	calc  *backoff.Calculator
	sleep func(context.Context, time.Duration) error
	log   zerolog.Logger
}

// Option customises a Runner.
type Option func(*Runner)

func WithLogger(l zerolog.Logger) Option { return func(r *Runner) { r.log = l } }

func WithCalculator(c *backoff.Calculator) Option { return func(r *Runner) { r.calc = c } }

// WithSleep replaces the wait between attempts; tests use it to avoid real sleeps.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// New returns a runner with three attempts and a 100ms base delay.
func New(db Beginner, opts ...Option) *Runner {
	r := &Runner{
		db:          db,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		calc:        backoff.Default(),
		sleep:       sleepContext,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes work inside a transaction, committing on success.
func (r *Runner) Run(ctx context.Context, work func(ctx context.Context, tx *sql.Tx) error) error {
	_, err := Do(ctx, r, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		return struct{}{}, work(ctx, tx)
	})
	return err
}

// Do is Run for work that produces a value.
func Do[T any](ctx context.Context, r *Runner, work func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := runOnce(ctx, r, work)
		if err == nil {
			return v, nil
		}
		if !IsDeadlock(err) {
			return zero, err
		}
		if attempt >= attempts {
			telemetry.DeadlockExhausted.Inc()
			r.log.Error().Err(err).Int("attempts", attempt).Msg("deadlock retries exhausted")
			return zero, err
		}
		delay := r.calc.Exponential(r.BaseDelay, attempt, jitterPercent)
		telemetry.DeadlockRetries.Inc()
		r.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("deadlock detected, retrying transaction")
		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func runOnce[T any](ctx context.Context, r *Runner, work func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := r.db.BeginTx(ctx, r.TxOptions)
	if err != nil {
		return zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	v, err := work(ctx, tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit: %w", err)
	}
	return v, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
