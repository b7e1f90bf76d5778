package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

func TestAsynqCountsAndPurge(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	b := NewAsynqBackend(asynq.RedisClientOpt{Addr: mr.Addr()}, zerolog.Nop())
	defer b.Close()
	ctx := context.Background()

	for _, d := range []struct {
		job   string
		delay time.Duration
	}{
		{"sync:artists", 0},
		{"sync:artists", time.Hour},
		{"sync:albums", 0},
	} {
		if _, err := b.Dispatch(ctx, "sync", d.job, nil, d.delay); err != nil {
			t.Fatalf("dispatch %s: %v", d.job, err)
		}
	}

	counts, err := b.Counts(ctx, "sync", "sync:artists")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts != (Counts{Waiting: 1, Delayed: 1}) {
		t.Fatalf("unexpected counts %+v", counts)
	}

	removed, err := b.Purge(ctx, "sync", "sync:artists")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != counts {
		t.Fatalf("removed %+v, want %+v", removed, counts)
	}
	if other, _ := b.Counts(ctx, "sync", "sync:albums"); other.Waiting != 1 {
		t.Fatalf("albums task should remain, got %+v", other)
	}
}

func TestAsynqUnknownQueueCountsZero(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	b := NewAsynqBackend(asynq.RedisClientOpt{Addr: mr.Addr()}, zerolog.Nop())
	defer b.Close()

	counts, err := b.Counts(context.Background(), "missing", "sync:artists")
	if err != nil || counts.Total() != 0 {
		t.Fatalf("expected zero counts, got %+v %v", counts, err)
	}
}
