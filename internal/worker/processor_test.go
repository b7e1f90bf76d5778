package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sync-control-plane/internal/backoff"
	"sync-control-plane/internal/config"
	"sync-control-plane/internal/queue"
)

const testJob = "sync:artists"

func newTestBackend(t *testing.T) *queue.RedisBackend {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewRedisBackend(client)
}

func testConfig() config.Config {
	return config.Config{
		WorkerConcurrency:  2,
		WorkerQueues:       []string{"sync"},
		WorkerPollInterval: 10 * time.Millisecond,
		MaxAttempts:        3,
		BackoffInitial:     time.Second,
		BackoffMax:         8 * time.Second,
		ScheduledBatchSize: 10,
	}
}

func reserveOne(t *testing.T, b *queue.RedisBackend) *queue.Entry {
	t.Helper()
	ctx := context.Background()
	if _, err := b.Dispatch(ctx, "sync", testJob, map[string]int{"page": 1}, 0); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	e, err := b.Reserve(ctx, "sync")
	if err != nil || e == nil {
		t.Fatalf("reserve: %v %v", e, err)
	}
	return e
}

func counts(t *testing.T, b *queue.RedisBackend) (queue.Counts, int) {
	t.Helper()
	ctx := context.Background()
	c, err := b.Counts(ctx, "sync", testJob)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	failed, err := b.CountFailed(ctx, "sync", testJob)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return c, failed
}

func newTestProcessor(cfg config.Config, b *queue.RedisBackend, reg *Registry) *Processor {
	return NewProcessor(cfg, b, reg, WithCalculator(backoff.NewCalculator(rand.NewSource(1))))
}

func TestProcessAcksOnSuccess(t *testing.T) {
	b := newTestBackend(t)
	reg := NewRegistry()
	var got Task
	reg.RegisterHandler(testJob, func(_ context.Context, task Task) error {
		got = task
		return nil
	})
	p := newTestProcessor(testConfig(), b, reg)

	p.Process(context.Background(), reserveOne(t, b))

	if got.JobType != testJob || got.Attempt != 1 || string(got.Args) != `{"page":1}` {
		t.Fatalf("unexpected task %+v", got)
	}
	if c, failed := counts(t, b); c.Total() != 0 || failed != 0 {
		t.Fatalf("entry should be gone, got %+v failed=%d", c, failed)
	}
}

func TestProcessRetriesWithBackoff(t *testing.T) {
	b := newTestBackend(t)
	reg := NewRegistry()
	reg.RegisterHandler(testJob, func(context.Context, Task) error { return errors.New("boom") })
	p := newTestProcessor(testConfig(), b, reg)

	p.Process(context.Background(), reserveOne(t, b))

	c, failed := counts(t, b)
	if c.Delayed != 1 || c.Reserved != 0 || failed != 0 {
		t.Fatalf("expected one delayed retry, got %+v failed=%d", c, failed)
	}
}

func TestProcessFailsWhenAttemptsSpent(t *testing.T) {
	b := newTestBackend(t)
	reg := NewRegistry()
	reg.RegisterHandler(testJob, func(context.Context, Task) error { return errors.New("boom") })
	cfg := testConfig()
	cfg.MaxAttempts = 1
	p := newTestProcessor(cfg, b, reg)

	p.Process(context.Background(), reserveOne(t, b))

	if c, failed := counts(t, b); c.Total() != 0 || failed != 1 {
		t.Fatalf("expected one failed entry, got %+v failed=%d", c, failed)
	}
}

func TestProcessUnknownJobFailsImmediately(t *testing.T) {
	b := newTestBackend(t)
	p := newTestProcessor(testConfig(), b, NewRegistry())

	p.Process(context.Background(), reserveOne(t, b))

	if _, failed := counts(t, b); failed != 1 {
		t.Fatalf("unknown job should be failed, got %d", failed)
	}
}

func TestProcessLeavesReleasedEntryAlone(t *testing.T) {
	b := newTestBackend(t)
	reg := NewRegistry()
	reg.RegisterHandler(testJob, func(ctx context.Context, task Task) error {
		return task.Unit.Release(ctx, time.Minute)
	})
	p := newTestProcessor(testConfig(), b, reg)

	p.Process(context.Background(), reserveOne(t, b))

	if c, failed := counts(t, b); c.Delayed != 1 || c.Total() != 1 || failed != 0 {
		t.Fatalf("released entry should be delayed once, got %+v failed=%d", c, failed)
	}
}

func TestProcessRecoversPanics(t *testing.T) {
	b := newTestBackend(t)
	reg := NewRegistry()
	reg.RegisterHandler(testJob, func(context.Context, Task) error { panic("nil map") })
	p := newTestProcessor(testConfig(), b, reg)

	p.Process(context.Background(), reserveOne(t, b))

	if c, _ := counts(t, b); c.Delayed != 1 {
		t.Fatalf("panicking handler should be retried, got %+v", c)
	}
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	b := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		if _, err := b.Dispatch(ctx, "sync", testJob, nil, 0); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	var done atomic.Int32
	finished := make(chan struct{})
	reg := NewRegistry()
	reg.RegisterHandler(testJob, func(context.Context, Task) error {
		if done.Add(1) == 5 {
			close(finished)
		}
		return nil
	})
	p := newTestProcessor(testConfig(), b, reg)

	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of 5 processed", done.Load())
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if c, _ := counts(t, b); c.Total() != 0 {
		t.Fatalf("queue should be drained, got %+v", c)
	}
}

func TestPromoteReclaimsAbandonedReservation(t *testing.T) {
	b := newTestBackend(t)
	abandoned := reserveOne(t, b)

	later := time.Now().Add(time.Hour)
	p := NewProcessor(testConfig(), b, NewRegistry(), WithClock(func() time.Time { return later }))
	p.promote(context.Background())

	c, _ := counts(t, b)
	if c != (queue.Counts{Waiting: 1}) {
		t.Fatalf("abandoned reservation should be waiting again, got %+v", c)
	}
	e, err := b.Reserve(context.Background(), "sync")
	if err != nil || e == nil {
		t.Fatalf("reserve: %v %v", e, err)
	}
	if e.ID != abandoned.ID || e.Attempts != 2 {
		t.Fatalf("expected the abandoned entry on its second attempt, got %+v", e)
	}
}
