package heartbeat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-control-plane/internal/store"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *memorySink) Write(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type failingSink struct{}

func (failingSink) Write(context.Context, Event) error { return errors.New("table missing") }

type panickingSink struct{}

func (panickingSink) Write(context.Context, Event) error { panic("nil map") }

func TestPercent(t *testing.T) {
	cases := []struct {
		current, total int64
		want           float64
	}{
		{0, 0, 0},
		{5, 0, 0},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{1, 8, 12.5},
		{3, 3, 100},
	}
	for _, tc := range cases {
		if got := Percent(tc.current, tc.total); got != tc.want {
			t.Fatalf("Percent(%d, %d) = %v, want %v", tc.current, tc.total, got, tc.want)
		}
	}
}

func TestProgressContext(t *testing.T) {
	sink := &memorySink{}
	rec := New("sync:artists", sink)

	rec.Progress(context.Background(), 1, 3, map[string]any{"page": 2, "percent": 999})

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, MetricProgress, ev.Metric)
	assert.Equal(t, 33.3, ev.Context["percent"])
	assert.Equal(t, int64(1), ev.Context["current"])
	assert.Equal(t, 2, ev.Context["page"])
}

func TestRunIDIsStable(t *testing.T) {
	sink := &memorySink{}
	rec := New("sync:artists", sink)

	id := rec.RunID()
	require.NotEmpty(t, id)
	rec.Started(context.Background(), nil)
	rec.Completed(context.Background(), map[string]int64{"processed": 4})

	for _, ev := range sink.events {
		assert.Equal(t, id, ev.RunID)
	}
	assert.NotEqual(t, id, New("sync:artists", sink).RunID())
}

func TestRecordSwallowsSinkFailures(t *testing.T) {
	for name, sink := range map[string]Sink{"error": failingSink{}, "panic": panickingSink{}} {
		t.Run(name, func(t *testing.T) {
			rec := New("sync:artists", sink)
			assert.NotPanics(t, func() {
				rec.Started(context.Background(), nil)
				rec.Progress(context.Background(), 1, 2, nil)
				rec.Failed(context.Background(), errors.New("boom"), nil)
			})
		})
	}
}

func TestFailedTruncatesError(t *testing.T) {
	sink := &memorySink{}
	rec := New("sync:artists", sink)

	rec.Failed(context.Background(), errors.New(strings.Repeat("x", 800)), nil)

	require.Len(t, sink.events, 1)
	msg := sink.events[0].Context["error"].(string)
	assert.Len(t, msg, MaxErrorLength)
	assert.Equal(t, "*errors.errorString", sink.events[0].Context["error_type"])
}

func TestSQLSinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", "file:heartbeats?mode=memory&cache=shared")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.RunMigrations(ctx))

	sink := NewSQLSink(db)
	rec := New("sync:albums", sink, WithRunID("run-1"))
	rec.Started(ctx, map[string]any{"cursor": "Q1"})
	rec.Progress(ctx, 50, 100, nil)
	rec.Completed(ctx, map[string]int64{"created": 3})

	events, err := sink.ForRun(ctx, "sync:albums", "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, MetricStarted, events[0].Metric)
	assert.Equal(t, "Q1", events[0].Context["cursor"])
	assert.Equal(t, 50.0, events[1].Context["percent"])
	assert.Equal(t, float64(3), events[2].Context["created"])
}

func TestSQLSinkPrune(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", "file:heartbeats_prune?mode=memory&cache=shared")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.RunMigrations(ctx))

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	sink := NewSQLSink(db)
	old := New("sync:albums", sink, WithRunID("old"), WithClock(func() time.Time { return now.Add(-30 * 24 * time.Hour) }))
	fresh := New("sync:albums", sink, WithRunID("fresh"), WithClock(func() time.Time { return now }))
	old.Started(ctx, nil)
	old.Completed(ctx, nil)
	fresh.Started(ctx, nil)

	n, err := sink.Prune(ctx, now.Add(-14*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := sink.ForRun(ctx, "sync:albums", "fresh")
	require.NoError(t, err)
	assert.Len(t, left, 1)
	gone, err := sink.ForRun(ctx, "sync:albums", "old")
	require.NoError(t, err)
	assert.Empty(t, gone)
}
