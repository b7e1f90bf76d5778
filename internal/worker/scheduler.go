package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/admin"
	"sync-control-plane/internal/queue"
)

// Scheduler dispatches catalog jobs on their cron schedules.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher queue.Dispatcher
	log        zerolog.Logger
}

// NewScheduler registers every definition that carries a schedule. An invalid
// spec is an error.
func NewScheduler(defs []admin.Definition, d queue.Dispatcher, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		dispatcher: d,
		log:        log,
	}
	for _, def := range defs {
		if def.Schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(def.Schedule, func() { s.fire(def) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", def.Key, def.Schedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) fire(def admin.Definition) {
	id, err := s.dispatcher.Dispatch(context.Background(), def.Queue, def.JobType, nil, 0)
	if err != nil {
		s.log.Error().Err(err).Str("job", def.Key).Msg("scheduled dispatch failed")
		return
	}
	s.log.Info().Str("job", def.Key).Str("id", id).Msg("scheduled dispatch")
}

// Len is the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for a dispatch in progress.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
