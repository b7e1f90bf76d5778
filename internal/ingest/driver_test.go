package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-control-plane/internal/archive"
	"sync-control-plane/internal/backoff"
	"sync-control-plane/internal/config"
	"sync-control-plane/internal/provider"
	"sync-control-plane/internal/runs"
	"sync-control-plane/internal/store"
	"sync-control-plane/internal/txretry"
)

type fakeUnit struct {
	mu       sync.Mutex
	released []time.Duration
}

func (u *fakeUnit) JobName() string { return "sync:test" }

func (u *fakeUnit) Release(_ context.Context, d time.Duration) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.released = append(u.released, d)
	return nil
}

type harness struct {
	db      *store.DB
	tracker *runs.Tracker
	driver  *Driver
	archive string
}

func newHarness(t *testing.T, name string, fetchers map[string]Fetcher) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.RunMigrations(ctx))

	dir := t.TempDir()
	tracker := runs.NewTracker(runs.NewSQLStore(db))
	d := NewDriver(tracker, txretry.New(db.DB), NewEntityWriter(db), fetchers, WithArchiver(archive.NewLocal(dir)))
	return &harness{db: db, tracker: tracker, driver: d, archive: dir}
}

func (h *harness) entityCount(t *testing.T, source string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM entities WHERE source = ?`, source).Scan(&n))
	return n
}

func testClient(t *testing.T, name string, handler http.HandlerFunc) *provider.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Provider{Endpoint: srv.URL, RetryAfterFallback: 60, RetryAfterCap: 300}
	return provider.New(name, cfg, provider.WithCalculator(backoff.NewCalculator(rand.NewSource(1))))
}

var afterRe = regexp.MustCompile(`FILTER\(\?num > (\d+)\)`)

// sparqlArtists serves Q1..Qn in pages honouring the numeric filter and LIMIT.
func sparqlArtists(t *testing.T, total int, status func(call int) int) (http.HandlerFunc, *[]int64) {
	var mu sync.Mutex
	var afters []int64
	limitRe := regexp.MustCompile(`LIMIT (\d+)`)
	return func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		q := r.PostForm.Get("query")
		after, _ := strconv.ParseInt(afterRe.FindStringSubmatch(q)[1], 10, 64)
		limit, _ := strconv.Atoi(limitRe.FindStringSubmatch(q)[1])

		mu.Lock()
		afters = append(afters, after)
		call := len(afters)
		mu.Unlock()
		if status != nil {
			if code := status(call); code != http.StatusOK {
				w.WriteHeader(code)
				return
			}
		}

		bindings := []map[string]map[string]string{}
		for i := after + 1; i <= int64(total) && len(bindings) < limit; i++ {
			bindings = append(bindings, map[string]map[string]string{
				"item":      {"type": "uri", "value": fmt.Sprintf("%sQ%d", wikidataEntityPrefix, i)},
				"itemLabel": {"type": "literal", "value": fmt.Sprintf("Artist %d", i)},
			})
		}
		w.Header().Set("Content-Type", "application/sparql-results+json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": map[string]any{"bindings": bindings}})
	}, &afters
}

func lastRecord(t *testing.T, tr *runs.Tracker, job string) runs.Record {
	t.Helper()
	rec, ok, err := tr.LastRun(context.Background(), job)
	require.NoError(t, err)
	require.True(t, ok)
	return rec
}

func TestDriverWatermarkRunAndResume(t *testing.T) {
	ctx := context.Background()
	handler, afters := sparqlArtists(t, 5, nil)
	h := newHarness(t, "ingest_watermark", map[string]Fetcher{"wikidata": testClient(t, "wikidata", handler)})
	job := Job{Name: "sync:artists", Source: WikidataArtists(), Strategy: Watermark{}, PageSize: 2}

	out, err := h.driver.Run(ctx, job, &fakeUnit{})
	require.NoError(t, err)
	assert.Equal(t, Completed, out)
	assert.Equal(t, []int64{0, 2, 4}, *afters)

	rec := lastRecord(t, h.tracker, job.Name)
	assert.Equal(t, runs.StatusSuccess, rec.Status)
	require.NotNil(t, rec.LastCursor)
	assert.Equal(t, "5", *rec.LastCursor)
	assert.Equal(t, int64(5), rec.Totals[runs.MetricProcessed])
	assert.Equal(t, int64(5), rec.Totals[runs.MetricCreated])
	assert.Equal(t, int64(3), rec.Totals[runs.MetricAPICalls])
	assert.Equal(t, 5, h.entityCount(t, "wikidata"))

	out, err = h.driver.Run(ctx, job, &fakeUnit{})
	require.NoError(t, err)
	assert.Equal(t, Completed, out)
	assert.Equal(t, int64(5), (*afters)[3], "second run resumes after the stored watermark")
	rec = lastRecord(t, h.tracker, job.Name)
	assert.Equal(t, int64(0), rec.Totals[runs.MetricProcessed])

	files := 0
	_ = filepath.Walk(h.archive, func(_ string, info os.FileInfo, _ error) error {
		if info != nil && !info.IsDir() {
			files++
		}
		return nil
	})
	assert.Equal(t, 4, files, "every fetched page is archived")
}

func TestDriverReleasesAndKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	handler, afters := sparqlArtists(t, 6, func(call int) int {
		if call == 2 {
			return http.StatusTooManyRequests
		}
		return http.StatusOK
	})
	h := newHarness(t, "ingest_release", map[string]Fetcher{"wikidata": testClient(t, "wikidata", handler)})
	job := Job{Name: "sync:artists", Source: WikidataArtists(), Strategy: Watermark{}, PageSize: 2}
	unit := &fakeUnit{}

	out, err := h.driver.Run(ctx, job, unit)
	require.NoError(t, err)
	assert.Equal(t, Released, out)
	assert.Len(t, unit.released, 1)

	rec := lastRecord(t, h.tracker, job.Name)
	assert.Equal(t, runs.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, ReleasedMessage, *rec.ErrorMessage)
	require.NotNil(t, rec.LastCursor)
	assert.Equal(t, "2", *rec.LastCursor)
	assert.Equal(t, int64(2), rec.Totals[runs.MetricAPICalls], "the throttled request still went out")

	running, err := h.tracker.IsRunning(ctx, job.Name)
	require.NoError(t, err)
	assert.False(t, running)

	out, err = h.driver.Run(ctx, job, unit)
	require.NoError(t, err)
	assert.Equal(t, Completed, out)
	assert.Equal(t, int64(2), (*afters)[2], "retry starts from the committed page")
	assert.Equal(t, 6, h.entityCount(t, "wikidata"))
}

func TestDriverHardErrorFailsRun(t *testing.T) {
	ctx := context.Background()
	handler, _ := sparqlArtists(t, 4, func(int) int { return http.StatusInternalServerError })
	h := newHarness(t, "ingest_hard", map[string]Fetcher{"wikidata": testClient(t, "wikidata", handler)})
	job := Job{Name: "sync:artists", Source: WikidataArtists(), Strategy: Watermark{}, PageSize: 2}

	_, err := h.driver.Run(ctx, job, &fakeUnit{})
	var se *provider.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)

	rec := lastRecord(t, h.tracker, job.Name)
	assert.Equal(t, runs.StatusFailed, rec.Status)
	assert.Equal(t, int64(1), rec.Totals[runs.MetricErrors])
	assert.Nil(t, rec.LastCursor)
}

func TestDriverRotatingOffsetWrapsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	var offsets []int
	mb := testClient(t, "musicbrainz", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/release", r.URL.Path)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offsets = append(offsets, offset)
		releases := []map[string]string{}
		for i := offset; i < 5 && len(releases) < limit; i++ {
			releases = append(releases, map[string]string{"id": fmt.Sprintf("rel-%d", i), "title": "T"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"count": 5, "releases": releases})
	})
	h := newHarness(t, "ingest_rotating", map[string]Fetcher{"musicbrainz": mb})
	job := Job{Name: "sync:releases", Source: MusicBrainzReleases{}, Strategy: RotatingOffset{PagesPerRun: 2}, PageSize: 2}

	_, err := h.driver.Run(ctx, job, &fakeUnit{})
	require.NoError(t, err)
	rec := lastRecord(t, h.tracker, job.Name)
	assert.Equal(t, "4", *rec.LastCursor)

	_, err = h.driver.Run(ctx, job, &fakeUnit{})
	require.NoError(t, err)
	rec = lastRecord(t, h.tracker, job.Name)
	assert.Equal(t, "0", *rec.LastCursor)

	_, err = h.driver.Run(ctx, job, &fakeUnit{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4, 0, 2}, offsets)
	assert.Equal(t, 5, h.entityCount(t, "musicbrainz"))

	rec = lastRecord(t, h.tracker, job.Name)
	assert.Equal(t, int64(4), rec.Totals[runs.MetricSkipped], "unchanged releases are skipped")
}

func TestDriverSkipsWhenAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	handler, afters := sparqlArtists(t, 2, nil)
	h := newHarness(t, "ingest_skip", map[string]Fetcher{"wikidata": testClient(t, "wikidata", handler)})
	job := Job{Name: "sync:artists", Source: WikidataArtists(), Strategy: Watermark{}, PageSize: 2}

	held, err := h.tracker.StartExclusive(ctx, job.Name, nil)
	require.NoError(t, err)
	defer held.Close()

	out, err := h.driver.Run(ctx, job, &fakeUnit{})
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
	assert.Empty(t, *afters)
}

func TestDriverUnknownProvider(t *testing.T) {
	h := newHarness(t, "ingest_unknown", map[string]Fetcher{})
	_, err := h.driver.Run(context.Background(), Job{Name: "x", Source: MusicBrainzReleases{}, Strategy: RotatingOffset{}}, &fakeUnit{})
	assert.ErrorContains(t, err, `no client for provider "musicbrainz"`)
}

type spentBudget struct{}

func (spentBudget) Take(context.Context, string) (time.Duration, error) { return 3 * time.Second, nil }

func TestDriverBudgetRejectionIsNotAnAPICall(t *testing.T) {
	ctx := context.Background()
	handler, afters := sparqlArtists(t, 4, nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := provider.New("wikidata", config.Provider{Endpoint: srv.URL, RetryAfterFallback: 60, RetryAfterCap: 300},
		provider.WithLimiter(spentBudget{}))
	h := newHarness(t, "ingest_budget", map[string]Fetcher{"wikidata": client})
	job := Job{Name: "sync:artists", Source: WikidataArtists(), Strategy: Watermark{}, PageSize: 2}
	unit := &fakeUnit{}

	out, err := h.driver.Run(ctx, job, unit)
	require.NoError(t, err)
	assert.Equal(t, Released, out)
	assert.Equal(t, []time.Duration{3 * time.Second}, unit.released)
	assert.Empty(t, *afters)

	rec := lastRecord(t, h.tracker, job.Name)
	assert.Zero(t, rec.Totals[runs.MetricAPICalls])
}
