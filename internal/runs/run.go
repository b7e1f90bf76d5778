package runs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sync-control-plane/internal/telemetry"
)

// Run is the handle of one in-flight execution. It is safe for concurrent use.
type Run struct {
	tracker   *Tracker
	id        int64
	jobName   string
	startedAt time.Time

	mu      sync.Mutex
	totals  Totals
	cursor  *string
	done    bool
	release func()
}

func (r *Run) ID() int64            { return r.id }
func (r *Run) JobName() string      { return r.jobName }
func (r *Run) StartedAt() time.Time { return r.startedAt }

// Totals returns a copy of the counters.
func (r *Run) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals.clone()
}

func (r *Run) Cursor() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyString(r.cursor)
}

// Done reports whether the run reached a terminal state through this handle.
func (r *Run) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Increment adds n to the named counter and persists the totals.
func (r *Run) Increment(ctx context.Context, key string, n int64) error {
	if n < 0 {
		return fmt.Errorf("increment %s by %d: %w", key, n, ErrNegativeAmount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.totals[key] += n
	return r.persist(ctx)
}

// SetTotals merges m into the counters. A key never moves backwards.
func (r *Run) SetTotals(ctx context.Context, m Totals) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	for k, v := range m {
		if v > r.totals[k] {
			r.totals[k] = v
		}
	}
	return r.persist(ctx)
}

// SetCursor checkpoints the run. Call it only after the work up to c is committed.
func (r *Run) SetCursor(ctx context.Context, c string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.cursor = &c
	return r.persist(ctx)
}

// Success finishes the run. A nil finalCursor keeps the last checkpoint.
func (r *Run) Success(ctx context.Context, finalCursor *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if finalCursor != nil && !r.done {
		r.cursor = copyString(finalCursor)
	}
	return r.finish(ctx, StatusSuccess, nil)
}

// Failure finishes the run with msg. The last checkpoint is kept.
func (r *Run) Failure(ctx context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finish(ctx, StatusFailed, &msg)
}

// Close releases the exclusive guard, if any. It does not finish the run.
func (r *Run) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlock()
}

func (r *Run) persist(ctx context.Context) error {
	if err := r.tracker.store.UpdateProgress(ctx, r.id, r.totals.clone(), copyString(r.cursor)); err != nil {
		return fmt.Errorf("persist run %d: %w", r.id, err)
	}
	return nil
}

func (r *Run) finish(ctx context.Context, status Status, errMsg *string) error {
	if r.done {
		return nil
	}
	at := r.tracker.now().UTC()
	changed, err := r.tracker.store.Finish(ctx, r.id, status, at, r.totals.clone(), copyString(r.cursor), errMsg)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", r.id, err)
	}
	r.done = true
	r.unlock()

	log := r.tracker.log
	if !changed {
		log.Info().Str("job", r.jobName).Int64("run_id", r.id).Str("status", string(status)).Msg("run already finished elsewhere")
		return nil
	}
	telemetry.RunsFinished.WithLabelValues(r.jobName, string(status)).Inc()
	ev := log.Info()
	if status == StatusFailed {
		ev = log.Warn()
		if errMsg != nil {
			ev = ev.Str("error", *errMsg)
		}
	}
	ev.Str("job", r.jobName).Int64("run_id", r.id).Str("status", string(status)).
		Dur("duration", at.Sub(r.startedAt)).Msg("run finished")
	return nil
}

func (r *Run) unlock() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}
