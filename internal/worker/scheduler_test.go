package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/admin"
	"sync-control-plane/internal/config"
)

func TestSchedulerDispatchesCatalogJobs(t *testing.T) {
	b := newTestBackend(t)
	defs := []admin.Definition{
		{Key: "artists", JobType: testJob, Queue: "sync", Schedule: "*/5 * * * *"},
		{Key: "manual", JobType: "sync:manual", Queue: "sync"},
	}
	s, err := NewScheduler(defs, b, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", s.Len())
	}

	s.cron.Entries()[0].Job.Run()

	if c, _ := counts(t, b); c.Waiting != 1 {
		t.Fatalf("expected a waiting entry, got %+v", c)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler([]admin.Definition{{Key: "x", Schedule: "every day"}}, newTestBackend(t), zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for an invalid spec")
	}
}

func TestInlineRunsHandlerImmediately(t *testing.T) {
	reg := NewRegistry()
	var ran int
	reg.RegisterHandler(testJob, func(ctx context.Context, task Task) error {
		ran++
		return task.Unit.Release(ctx, time.Minute)
	})
	in := NewInline(reg, zerolog.Nop())

	id, err := in.Dispatch(context.Background(), "sync", testJob, nil, 0)
	if err != nil || id == "" || ran != 1 {
		t.Fatalf("dispatch: id=%q err=%v ran=%d", id, err, ran)
	}
	if _, err := in.Dispatch(context.Background(), "sync", "sync:unknown", nil, 0); !errors.Is(err, errNoHandler) {
		t.Fatalf("expected errNoHandler, got %v", err)
	}
}

type fakeRequeuer struct {
	queue string
	delay time.Duration
}

func (f *fakeRequeuer) Requeue(_ context.Context, queue, _ string, _ []byte, delay time.Duration) (string, error) {
	f.queue, f.delay = queue, delay
	return "t1", nil
}

func TestAsynqProcessTask(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterHandler("sync:release", func(ctx context.Context, task Task) error {
		return task.Unit.Release(ctx, 30*time.Second)
	})
	reg.RegisterHandler("sync:fail", func(context.Context, Task) error { return errors.New("boom") })

	cfg := config.Config{WorkerConcurrency: 1, WorkerQueues: []string{"sync"}, MaxAttempts: 2}
	rq := &fakeRequeuer{}
	s := NewAsynqServer(asynq.RedisClientOpt{Addr: "localhost:0"}, cfg, reg, rq, zerolog.Nop())
	ctx := context.Background()

	if err := s.ProcessTask(ctx, asynq.NewTask("sync:release", nil)); err != nil {
		t.Fatalf("released task should complete, got %v", err)
	}
	if rq.queue != "default" || rq.delay != 30*time.Second {
		t.Fatalf("unexpected requeue %+v", rq)
	}

	err := s.ProcessTask(ctx, asynq.NewTask("sync:fail", nil))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("first failure should be retried, got %v", err)
	}
	if err := s.ProcessTask(ctx, asynq.NewTask("sync:none", nil)); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("unknown job should skip retry, got %v", err)
	}
	if s.Mux() == nil {
		t.Fatal("mux should be built")
	}
}

type fakePruner struct{ cutoff time.Time }

func (f *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

func TestPruneHandlerUsesRetention(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	p := &fakePruner{}
	h := PruneHandler(p, HeartbeatRetention, func() time.Time { return now }, zerolog.Nop())
	if err := h(context.Background(), Task{}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if want := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC); !p.cutoff.Equal(want) {
		t.Fatalf("cutoff %s, want %s", p.cutoff, want)
	}
}
