package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sync-control-plane/internal/telemetry"
)

// Tracker opens runs and answers questions about past ones.
type Tracker struct {
	store  Store
	locker Locker
	log    zerolog.Logger
	now    func() time.Time
}

type Option func(*Tracker)

// WithLocker sets the guard used by StartExclusive. Defaults to a LocalLocker.
func WithLocker(l Locker) Option {
	return func(t *Tracker) { t.locker = l }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.locker == nil {
		t.locker = NewLocalLocker()
	}
	return t
}

// Start records a new running execution of jobName, optionally resuming from cursor.
func (t *Tracker) Start(ctx context.Context, jobName string, cursor *string) (*Run, error) {
	rec := Record{
		JobName:    jobName,
		Status:     StatusRunning,
		StartedAt:  t.now().UTC(),
		Totals:     NewTotals(),
		LastCursor: copyString(cursor),
	}
	if err := t.store.Create(ctx, &rec); err != nil {
		return nil, fmt.Errorf("start run %s: %w", jobName, err)
	}
	telemetry.RunsStarted.WithLabelValues(jobName).Inc()
	t.log.Info().Str("job", jobName).Int64("run_id", rec.ID).Msg("run started")
	return &Run{
		tracker:   t,
		id:        rec.ID,
		jobName:   jobName,
		startedAt: rec.StartedAt,
		totals:    rec.Totals,
		cursor:    rec.LastCursor,
	}, nil
}

// StartExclusive is Start guarded so that only one run of jobName is active at a time.
// It returns ErrAlreadyRunning when another holder has the guard. Close releases it.
func (t *Tracker) StartExclusive(ctx context.Context, jobName string, cursor *string) (*Run, error) {
	release, ok, err := t.locker.TryLock(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("start run %s: %w", jobName, ErrAlreadyRunning)
	}
	run, err := t.Start(ctx, jobName, cursor)
	if err != nil {
		release()
		return nil, err
	}
	run.release = release
	return run, nil
}

func (t *Tracker) LastRun(ctx context.Context, jobName string) (Record, bool, error) {
	return t.store.LastRun(ctx, jobName)
}

func (t *Tracker) LastSuccessfulRun(ctx context.Context, jobName string) (Record, bool, error) {
	return t.store.LastSuccessful(ctx, jobName)
}

// LastSuccessfulAt is the finish time of the latest successful run, nil when there is none.
func (t *Tracker) LastSuccessfulAt(ctx context.Context, jobName string) (*time.Time, error) {
	rec, ok, err := t.store.LastSuccessful(ctx, jobName)
	if err != nil || !ok {
		return nil, err
	}
	return rec.FinishedAt, nil
}

func (t *Tracker) IsRunning(ctx context.Context, jobName string) (bool, error) {
	running, err := t.store.Running(ctx, jobName)
	if err != nil {
		return false, err
	}
	return len(running) > 0, nil
}

// LastCursor is the most recently persisted checkpoint for jobName, nil on first run.
func (t *Tracker) LastCursor(ctx context.Context, jobName string) (*string, error) {
	return t.store.LastCursor(ctx, jobName)
}

func (t *Tracker) Running(ctx context.Context, jobName string) ([]Record, error) {
	return t.store.Running(ctx, jobName)
}

func (t *Tracker) Recent(ctx context.Context, jobName string, limit int) ([]Record, error) {
	return t.store.Recent(ctx, jobName, limit)
}

// FailRunning marks every running record of jobName failed with message.
func (t *Tracker) FailRunning(ctx context.Context, jobName, message string) (int, error) {
	n, err := t.store.FailRunning(ctx, jobName, message, t.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.RunsFinished.WithLabelValues(jobName, string(StatusFailed)).Add(float64(n))
		t.log.Warn().Str("job", jobName).Int("runs", n).Str("reason", message).Msg("running runs marked failed")
	}
	return n, nil
}
