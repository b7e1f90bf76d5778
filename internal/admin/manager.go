package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"sync-control-plane/internal/queue"
	"sync-control-plane/internal/runs"
)

// Result is what every operator action returns. Failures are values, never errors.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
	ID      string `json:"id,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// CancelResult adds what a cancel removed.
type CancelResult struct {
	Success       bool         `json:"success"`
	Message       string       `json:"message"`
	Key           string       `json:"key,omitempty"`
	Removed       queue.Counts `json:"removed"`
	CancelledRuns int          `json:"cancelled_runs"`
}

// QueueCounts is the queue side of a job's status. Message says why counts are
// missing when the backend cannot be inspected or the lookup failed.
type QueueCounts struct {
	queue.Counts
	Supported bool   `json:"supported"`
	Message   string `json:"message,omitempty"`
}

// JobStatus is a catalog entry decorated with queue and run state.
type JobStatus struct {
	Definition
	JobName          string      `json:"job_name"`
	Counts           QueueCounts `json:"queue_counts"`
	Failed           int         `json:"failed"`
	IsRunning        bool        `json:"is_running"`
	Running          []RunView   `json:"running"`
	LastRun          *RunView    `json:"last_run"`
	LastSuccess      *RunView    `json:"last_success"`
	LastSuccessfulAt *time.Time  `json:"last_successful_at"`
	Error            string      `json:"error,omitempty"`
}

// Manager answers the console. The tracker is optional.
type Manager struct {
	catalog *Catalog
	backend queue.Backend
	tracker *runs.Tracker
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(catalog *Catalog, backend queue.Backend, tracker *runs.Tracker, opts ...Option) *Manager {
	if backend == nil {
		backend = queue.Unsupported{Connection: "none"}
	}
	m := &Manager{catalog: catalog, backend: backend, tracker: tracker, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Catalog() *Catalog { return m.catalog }

// JobsWithStatus decorates every definition, sorted by category then label.
// A lookup that fails is reported on the entry instead of failing the listing.
func (m *Manager) JobsWithStatus(ctx context.Context) []JobStatus {
	defs := m.catalog.All()
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Category != defs[j].Category {
			return defs[i].Category < defs[j].Category
		}
		return defs[i].Label < defs[j].Label
	})
	out := make([]JobStatus, 0, len(defs))
	for _, d := range defs {
		out = append(out, m.status(ctx, d))
	}
	return out
}

func (m *Manager) status(ctx context.Context, d Definition) (st JobStatus) {
	st = JobStatus{
		Definition: d,
		JobName:    d.JobType,
		Counts:     QueueCounts{Supported: m.backend.Supported()},
		Running:    []RunView{},
	}
	defer func() {
		if p := recover(); p != nil {
			st.Error = fmt.Sprintf("status unavailable: %v", p)
			m.log.Error().Str("job", d.JobType).Interface("panic", p).Msg("job status panicked")
		}
	}()
	var errs []error
	if st.Counts.Supported {
		counts, err := m.backend.Counts(ctx, d.Queue, d.JobType)
		if err != nil {
			errs = append(errs, err)
			st.Counts.Message = "Queue counts unavailable: " + err.Error()
		}
		st.Counts.Counts = counts
		failed, err := m.backend.CountFailed(ctx, d.Queue, d.JobType)
		errs = append(errs, err)
		st.Failed = failed
	} else {
		st.Counts.Message = fmt.Sprintf("Queue inspection is not supported by the %q connection", m.backend.Name())
	}
	if m.tracker != nil {
		now := m.now()
		if running, err := m.tracker.Running(ctx, d.JobType); err != nil {
			errs = append(errs, err)
		} else {
			for _, rec := range running {
				st.Running = append(st.Running, *newRunView(rec, now))
			}
		}
		st.IsRunning = len(st.Running) > 0
		if rec, ok, err := m.tracker.LastRun(ctx, d.JobType); err != nil {
			errs = append(errs, err)
		} else if ok {
			st.LastRun = newRunView(rec, now)
		}
		if rec, ok, err := m.tracker.LastSuccessfulRun(ctx, d.JobType); err != nil {
			errs = append(errs, err)
		} else if ok {
			st.LastSuccess = newRunView(rec, now)
			st.LastSuccessfulAt = rec.FinishedAt
		}
	}
	if err := errors.Join(errs...); err != nil {
		st.Error = err.Error()
		m.log.Warn().Err(err).Str("job", d.JobType).Msg("job status incomplete")
	}
	return st
}

// Dispatch queues the job behind key for immediate execution.
func (m *Manager) Dispatch(ctx context.Context, key string) (res Result) {
	defer m.recoverResult(key, &res)
	d, ok := m.catalog.Lookup(key)
	if !ok {
		return unknownKey(key)
	}
	id, err := m.backend.Dispatch(ctx, d.Queue, d.JobType, nil, 0)
	if err != nil {
		m.log.Error().Err(err).Str("job", d.JobType).Str("queue", d.Queue).Msg("dispatch failed")
		return Result{Key: key, Message: fmt.Sprintf("Could not dispatch %s: %v", d.Label, err)}
	}
	m.log.Info().Str("job", d.JobType).Str("queue", d.Queue).Str("id", id).Msg("job dispatched from console")
	return Result{Success: true, Key: key, ID: id, Message: fmt.Sprintf("%s dispatched to %s", d.Label, d.Queue)}
}

// Cancel purges queued entries of the job and fails its running runs.
func (m *Manager) Cancel(ctx context.Context, key string) (res CancelResult) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error().Str("key", key).Interface("panic", p).Msg("cancel panicked")
			res = CancelResult{Key: key, Message: fmt.Sprintf("Cancel failed: %v", p)}
		}
	}()
	d, ok := m.catalog.Lookup(key)
	if !ok {
		return CancelResult{Key: key, Message: unknownKey(key).Message}
	}
	if !m.backend.Supported() {
		return CancelResult{Key: key, Message: fmt.Sprintf("Cancelling is not supported for the %s queue connection", m.backend.Name())}
	}
	removed, err := m.backend.Purge(ctx, d.Queue, d.JobType)
	if err != nil {
		m.log.Error().Err(err).Str("job", d.JobType).Msg("purge failed")
		return CancelResult{Key: key, Removed: removed, Message: fmt.Sprintf("Could not purge %s: %v", d.Label, err)}
	}
	res = CancelResult{Success: true, Key: key, Removed: removed}
	if m.tracker != nil {
		n, err := m.tracker.FailRunning(ctx, d.JobType, runs.CancelledMessage)
		if err != nil {
			m.log.Error().Err(err).Str("job", d.JobType).Msg("mark runs cancelled")
			res.Success = false
			res.Message = fmt.Sprintf("Removed %d queued entries but could not update runs: %v", removed.Total(), err)
			return res
		}
		res.CancelledRuns = n
	}
	m.log.Warn().Str("job", d.JobType).Str("queue", d.Queue).
		Int("waiting", removed.Waiting).Int("reserved", removed.Reserved).Int("delayed", removed.Delayed).
		Int("cancelled_runs", res.CancelledRuns).Msg("job cancelled from console")
	res.Message = fmt.Sprintf("Removed %d queued entries and cancelled %d running runs", removed.Total(), res.CancelledRuns)
	return res
}

// RetryFailed requeues failed entries of the job.
func (m *Manager) RetryFailed(ctx context.Context, key string) (res Result) {
	defer m.recoverResult(key, &res)
	return m.failedAction(ctx, key, "retried", m.backend.RetryFailed)
}

// ClearFailed deletes failed entries of the job.
func (m *Manager) ClearFailed(ctx context.Context, key string) (res Result) {
	defer m.recoverResult(key, &res)
	return m.failedAction(ctx, key, "cleared", m.backend.ClearFailed)
}

func (m *Manager) failedAction(ctx context.Context, key, verb string, fn func(context.Context, string, string) (int, error)) Result {
	d, ok := m.catalog.Lookup(key)
	if !ok {
		return unknownKey(key)
	}
	if !m.backend.Supported() {
		return Result{Key: key, Message: fmt.Sprintf("Failed jobs are not available for the %s queue connection", m.backend.Name())}
	}
	n, err := fn(ctx, d.Queue, d.JobType)
	if err != nil {
		m.log.Error().Err(err).Str("job", d.JobType).Msgf("failed entries not %s", verb)
		return Result{Key: key, Count: n, Message: fmt.Sprintf("Could not finish: %v", err)}
	}
	if n == 0 {
		return Result{Key: key, Message: fmt.Sprintf("No failed %s jobs found", d.Label)}
	}
	m.log.Info().Str("job", d.JobType).Int("count", n).Msgf("failed entries %s", verb)
	return Result{Success: true, Key: key, Count: n, Message: fmt.Sprintf("%d failed %s jobs %s", n, d.Label, verb)}
}

// RunsResult lists recent runs of one job.
type RunsResult struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Key     string    `json:"key"`
	Runs    []RunView `json:"runs"`
}

func (m *Manager) Runs(ctx context.Context, key string, limit int) RunsResult {
	d, ok := m.catalog.Lookup(key)
	if !ok {
		return RunsResult{Key: key, Message: unknownKey(key).Message}
	}
	if m.tracker == nil {
		return RunsResult{Key: key, Message: "Run history is not configured"}
	}
	recs, err := m.tracker.Recent(ctx, d.JobType, limit)
	if err != nil {
		return RunsResult{Key: key, Message: fmt.Sprintf("Could not load runs: %v", err)}
	}
	now := m.now()
	views := make([]RunView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, *newRunView(rec, now))
	}
	return RunsResult{Success: true, Key: key, Runs: views, Message: fmt.Sprintf("%d runs", len(views))}
}

func (m *Manager) recoverResult(key string, res *Result) {
	if p := recover(); p != nil {
		m.log.Error().Str("key", key).Interface("panic", p).Msg("admin action panicked")
		*res = Result{Key: key, Message: fmt.Sprintf("Action failed: %v", p)}
	}
}

func unknownKey(key string) Result {
	return Result{Key: key, Message: fmt.Sprintf("Unknown job %q", key)}
}
