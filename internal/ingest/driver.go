// Package ingest pulls provider data page by page into the entities table, checkpointing
// the run cursor after every committed page so an interrupted run resumes where it stopped.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sync-control-plane/internal/archive"
	"sync-control-plane/internal/config"
	"sync-control-plane/internal/heartbeat"
	"sync-control-plane/internal/provider"
	"sync-control-plane/internal/runs"
	"sync-control-plane/internal/txretry"
)

// ReleasedMessage is stored on a run that stopped because the provider asked us to back off.
const ReleasedMessage = "Released by provider throttling; resumes from last checkpoint"

// Outcome says how a call to Run ended without error.
type Outcome string

const (
	Completed Outcome = "completed"
	Released  Outcome = "released"
	Skipped   Outcome = "skipped"
)

// Fetcher is the provider executor as the driver sees it.
type Fetcher interface {
	Do(ctx context.Context, unit provider.WorkUnit, req provider.Request) (*provider.Response, error)
}

// Job binds a run name to where its data comes from and how its cursor moves.
type Job struct {
	Name     string
	Source   Source
	Strategy Strategy
	PageSize int
}

type Driver struct {
	fetchers map[string]Fetcher
	tracker  *runs.Tracker
	tx       *txretry.Runner
	writer   Writer
	sink     heartbeat.Sink
	archiver archive.Archiver
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Driver)

func WithHeartbeatSink(s heartbeat.Sink) Option { return func(d *Driver) { d.sink = s } }
func WithArchiver(a archive.Archiver) Option    { return func(d *Driver) { d.archiver = a } }
func WithLogger(l zerolog.Logger) Option        { return func(d *Driver) { d.log = l } }
func WithClock(now func() time.Time) Option     { return func(d *Driver) { d.now = now } }

// NewDriver wires a driver. fetchers is keyed by provider name.
func NewDriver(tracker *runs.Tracker, tx *txretry.Runner, writer Writer, fetchers map[string]Fetcher, opts ...Option) *Driver {
	d := &Driver{
		fetchers: fetchers,
		tracker:  tracker,
		tx:       tx,
		writer:   writer,
		sink:     heartbeat.NopSink{},
		archiver: archive.Nop{},
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run executes one run of job on behalf of unit. A run already active elsewhere yields
// Skipped. A provider back-off yields Released with unit handed back to the queue.
func (d *Driver) Run(ctx context.Context, job Job, unit provider.WorkUnit) (Outcome, error) {
	src := job.Source.Provider()
	fetch, ok := d.fetchers[src]
	if !ok {
		return "", fmt.Errorf("ingest %s: no client for provider %q", job.Name, src)
	}

	run, err := d.tracker.StartExclusive(ctx, job.Name, nil)
	if errors.Is(err, runs.ErrAlreadyRunning) {
		d.log.Info().Str("job", job.Name).Msg("run already in progress, skipping")
		return Skipped, nil
	}
	if err != nil {
		return "", err
	}
	defer run.Close()

	hb := heartbeat.New(job.Name, d.sink, heartbeat.WithLogger(d.log), heartbeat.WithClock(d.now))
	log := d.log.With().Str("job", job.Name).Int64("run_id", run.ID()).Logger()

	pos, err := d.initial(ctx, job)
	if err != nil {
		return "", d.fail(ctx, run, hb, job, err)
	}
	hb.Started(ctx, map[string]any{
		"strategy": job.Strategy.Name(),
		"cursor":   job.Strategy.Encode(pos),
		"run":      run.ID(),
	})

	pageSize := job.PageSize
	if pageSize <= 0 {
		pageSize = config.DefaultPageSize
	}
	budget := job.Strategy.PageBudget()
	var processed int64
	callCtx := provider.WithSendHook(ctx, func() {
		if err := run.Increment(ctx, runs.MetricAPICalls, 1); err != nil {
			log.Warn().Err(err).Msg("count api call")
		}
	})

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return "", d.fail(ctx, run, hb, job, err)
		}

		resp, err := fetch.Do(callCtx, unit, job.Source.PageRequest(pos, pageSize))
		if err != nil {
			return "", d.fail(ctx, run, hb, job, err)
		}
		if resp == nil {
			log.Info().Int("page", page).Msg("provider throttled, run released")
			if err := run.Failure(context.WithoutCancel(ctx), ReleasedMessage); err != nil {
				log.Error().Err(err).Msg("finish released run")
			}
			hb.Failed(ctx, errors.New(ReleasedMessage), map[string]any{"page": page})
			return Released, nil
		}

		d.archivePage(ctx, log, src, job.Name, hb.RunID(), page, resp)

		parsed, err := job.Source.ParsePage(resp.Body)
		if err != nil {
			return "", d.fail(ctx, run, hb, job, err)
		}
		stats, err := txretry.Do(ctx, d.tx, func(ctx context.Context, tx *sql.Tx) (WriteStats, error) {
			return d.writer.Write(ctx, tx, src, parsed.Items)
		})
		if err != nil {
			return "", d.fail(ctx, run, hb, job, err)
		}

		next, done := job.Strategy.Advance(pos, parsed, pageSize)
		totals := run.Totals()
		totals[runs.MetricProcessed] += int64(len(parsed.Items))
		totals[runs.MetricCreated] += int64(stats.Created)
		totals[runs.MetricUpdated] += int64(stats.Updated)
		totals[runs.MetricSkipped] += int64(stats.Skipped)
		if err := run.SetTotals(ctx, totals); err != nil {
			return "", d.fail(ctx, run, hb, job, err)
		}
		cursor := job.Strategy.Encode(next)
		if err := run.SetCursor(ctx, cursor); err != nil {
			return "", d.fail(ctx, run, hb, job, err)
		}
		pos = next
		processed += int64(len(parsed.Items))

		hb.Progress(ctx, processed, int64(parsed.Total), map[string]any{"page": page, "cursor": cursor})
		log.Debug().Int("page", page).Int("items", len(parsed.Items)).Str("cursor", cursor).Msg("page committed")

		if done || (budget > 0 && page >= budget) {
			break
		}
	}

	if err := run.Success(ctx, nil); err != nil {
		return "", err
	}
	hb.Completed(ctx, run.Totals())
	return Completed, nil
}

func (d *Driver) initial(ctx context.Context, job Job) (Position, error) {
	last, err := d.tracker.LastCursor(ctx, job.Name)
	if err != nil {
		return Position{}, err
	}
	lastOK, err := d.tracker.LastSuccessfulAt(ctx, job.Name)
	if err != nil {
		return Position{}, err
	}
	return job.Strategy.Initial(last, lastOK)
}

func (d *Driver) archivePage(ctx context.Context, log zerolog.Logger, src, job, runID string, page int, resp *provider.Response) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	key := archive.Key(src, job, runID, page, d.now())
	if _, err := d.archiver.Put(ctx, key, resp.Body, ct); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("archive page")
	}
}

func (d *Driver) fail(ctx context.Context, run *runs.Run, hb *heartbeat.Recorder, job Job, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := run.Increment(ctx, runs.MetricErrors, 1); err != nil {
		d.log.Warn().Err(err).Str("job", job.Name).Msg("count run error")
	}
	if err := run.Failure(ctx, cause.Error()); err != nil {
		d.log.Error().Err(err).Str("job", job.Name).Msg("finish failed run")
	}
	hb.Failed(ctx, cause, nil)
	return fmt.Errorf("ingest %s: %w", job.Name, cause)
}
