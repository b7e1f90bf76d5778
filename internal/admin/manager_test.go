package admin

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-control-plane/internal/queue"
	"sync-control-plane/internal/runs"
)

func newTestManager(t *testing.T) (*Manager, *queue.RedisBackend, *runs.Tracker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := queue.NewRedisBackend(client)
	tracker := runs.NewTracker(runs.NewMemoryStore())
	m := NewManager(NewCatalog(DefaultCatalog()), backend, tracker)
	return m, backend, tracker
}

func TestCancelFailsRunningRuns(t *testing.T) {
	ctx := context.Background()
	m, backend, tracker := newTestManager(t)

	_, err := backend.Dispatch(ctx, "sync", JobWikidataArtists, nil, 0)
	require.NoError(t, err)
	run, err := tracker.Start(ctx, JobWikidataArtists, nil)
	require.NoError(t, err)

	res := m.Cancel(ctx, "wikidata-artists")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, res.Removed.Waiting)
	assert.Equal(t, 1, res.CancelledRuns)

	rec, ok, err := tracker.LastRun(ctx, JobWikidataArtists)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, run.ID(), rec.ID)
	assert.Equal(t, runs.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "Cancelled from admin console", *rec.ErrorMessage)

	again := m.Cancel(ctx, "wikidata-artists")
	assert.True(t, again.Success)
	assert.Equal(t, 0, again.CancelledRuns)
	assert.Equal(t, 0, again.Removed.Total())
}

func TestUnknownKeyIsTypedFailure(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	assert.False(t, m.Dispatch(ctx, "nope").Success)
	assert.False(t, m.Cancel(ctx, "nope").Success)
	assert.False(t, m.RetryFailed(ctx, "nope").Success)
	assert.False(t, m.ClearFailed(ctx, "nope").Success)
	assert.False(t, m.Runs(ctx, "nope", 5).Success)
	assert.Contains(t, m.Dispatch(ctx, "nope").Message, "Unknown job")
}

func TestUnsupportedBackendDegrades(t *testing.T) {
	ctx := context.Background()
	tracker := runs.NewTracker(runs.NewMemoryStore())
	m := NewManager(NewCatalog(DefaultCatalog()), queue.Unsupported{Connection: "sync"}, tracker)

	res := m.Cancel(ctx, "wikidata-artists")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not supported")

	statuses := m.JobsWithStatus(ctx)
	require.NotEmpty(t, statuses)
	for _, st := range statuses {
		assert.False(t, st.Counts.Supported)
		assert.Contains(t, st.Counts.Message, "not supported")
		assert.Empty(t, st.Error)
	}
}

func TestJobsWithStatusSortedAndDecorated(t *testing.T) {
	ctx := context.Background()
	m, backend, tracker := newTestManager(t)

	_, err := backend.Dispatch(ctx, "sync", JobMusicBrainzReleases, nil, time.Hour)
	require.NoError(t, err)
	run, err := tracker.Start(ctx, JobMusicBrainzReleases, nil)
	require.NoError(t, err)
	require.NoError(t, run.Increment(ctx, runs.MetricCreated, 4))
	require.NoError(t, run.Success(ctx, nil))
	live, err := tracker.Start(ctx, JobWikidataArtists, nil)
	require.NoError(t, err)

	statuses := m.JobsWithStatus(ctx)
	var keys []string
	for _, st := range statuses {
		keys = append(keys, st.Key)
	}
	assert.Equal(t, []string{"prune-heartbeats", "musicbrainz-releases", "wikidata-artists", "wikidata-genres"}, keys)

	mb := statuses[1]
	assert.Equal(t, JobMusicBrainzReleases, mb.JobName)
	assert.True(t, mb.Counts.Supported)
	assert.Empty(t, mb.Counts.Message)
	assert.Equal(t, 1, mb.Counts.Delayed)
	require.NotNil(t, mb.LastRun)
	assert.Equal(t, runs.StatusSuccess, mb.LastRun.Status)
	assert.EqualValues(t, 4, mb.LastRun.Totals[runs.MetricCreated])
	assert.NotEmpty(t, mb.LastRun.DurationHuman)
	assert.NotNil(t, mb.LastSuccessfulAt)
	assert.False(t, mb.IsRunning)
	assert.Empty(t, mb.Running)

	artists := statuses[2]
	assert.True(t, artists.IsRunning)
	require.Len(t, artists.Running, 1)
	assert.Equal(t, live.ID(), artists.Running[0].ID)
	assert.Equal(t, runs.StatusRunning, artists.Running[0].Status)
	assert.Nil(t, artists.Running[0].FinishedAt)
}

func TestDispatchAndFailedActions(t *testing.T) {
	ctx := context.Background()
	m, backend, _ := newTestManager(t)

	res := m.Dispatch(ctx, "wikidata-genres")
	require.True(t, res.Success, res.Message)
	assert.NotEmpty(t, res.ID)

	none := m.RetryFailed(ctx, "wikidata-genres")
	assert.False(t, none.Success)
	assert.Contains(t, none.Message, "No failed")

	e, err := backend.Reserve(ctx, "sync")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.NoError(t, backend.Fail(ctx, e, assert.AnError))

	retried := m.RetryFailed(ctx, "wikidata-genres")
	assert.True(t, retried.Success)
	assert.Equal(t, 1, retried.Count)

	statuses := m.JobsWithStatus(ctx)
	for _, st := range statuses {
		if st.Key == "wikidata-genres" {
			assert.Equal(t, 1, st.Counts.Waiting)
			assert.Equal(t, 0, st.Failed)
		}
	}
}

type panickyBackend struct{ queue.Unsupported }

func (panickyBackend) Supported() bool { return true }

func (panickyBackend) Dispatch(context.Context, string, string, any, time.Duration) (string, error) {
	panic("connection pool exhausted")
}

func TestDispatchNeverPanics(t *testing.T) {
	m := NewManager(NewCatalog(DefaultCatalog()), panickyBackend{}, nil)
	var res Result
	assert.NotPanics(t, func() { res = m.Dispatch(context.Background(), "wikidata-artists") })
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "connection pool exhausted")
}
