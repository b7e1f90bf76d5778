package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/admin"
	"sync-control-plane/internal/queue"
	"sync-control-plane/internal/ratelimit"
	"sync-control-plane/internal/runs"
)

type denyLimiter struct{}

func (denyLimiter) Take(context.Context, string) (time.Duration, error) { return 5 * time.Second, nil }

func newTestServer(t *testing.T, limiter ratelimit.Limiter) (*httptest.Server, *runs.Tracker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tracker := runs.NewTracker(runs.NewMemoryStore())
	m := admin.NewManager(admin.NewCatalog(admin.DefaultCatalog()), queue.NewRedisBackend(client), tracker)
	srv := httptest.NewServer(New(m, limiter, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv, tracker
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["success"]; !ok {
		t.Fatalf("response without success flag: %v", body)
	}
	if _, ok := body["message"]; !ok {
		t.Fatalf("response without message: %v", body)
	}
	return body
}

func TestListJobs(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/jobs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decode(t, resp)
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != len(admin.DefaultCatalog()) {
		t.Fatalf("expected %d jobs, got %d", len(admin.DefaultCatalog()), len(jobs))
	}
}

func TestDispatchThenCancel(t *testing.T) {
	srv, tracker := newTestServer(t, nil)
	if _, err := tracker.Start(context.Background(), admin.JobWikidataArtists, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Post(srv.URL+"/jobs/wikidata-artists/dispatch", "application/json", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if body := decode(t, resp); resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("dispatch failed: %d %v", resp.StatusCode, body)
	}

	resp, err = http.Post(srv.URL+"/jobs/wikidata-artists/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	body := decode(t, resp)
	if body["cancelled_runs"] != float64(1) {
		t.Fatalf("expected one cancelled run, got %v", body)
	}
	removed := body["removed"].(map[string]any)
	if removed["waiting"] != float64(1) {
		t.Fatalf("expected one waiting entry removed, got %v", removed)
	}
}

func TestUnknownKeyIs404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/missing/failed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body := decode(t, resp); body["success"] != false {
		t.Fatalf("expected failure, got %v", body)
	}
}

func TestNothingToRetryIs422(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Post(srv.URL+"/jobs/wikidata-genres/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	decode(t, resp)
}

func TestRunsEndpoint(t *testing.T) {
	srv, tracker := newTestServer(t, nil)
	run, _ := tracker.Start(context.Background(), admin.JobWikidataGenres, nil)
	_ = run.Failure(context.Background(), "HTTP 500")

	resp, err := http.Get(srv.URL + "/jobs/wikidata-genres/runs?limit=5")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	body := decode(t, resp)
	list, _ := body["runs"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected one run, got %v", body)
	}
	first := list[0].(map[string]any)
	if first["status"] != "failed" || first["error_message"] != "HTTP 500" {
		t.Fatalf("unexpected run view %v", first)
	}

	resp, _ = http.Get(srv.URL + "/jobs/wikidata-genres/runs?limit=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
	decode(t, resp)
}

func TestActionsAreThrottled(t *testing.T) {
	srv, _ := newTestServer(t, denyLimiter{})
	resp, err := http.Post(srv.URL+"/jobs/wikidata-genres/dispatch", "application/json", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	decode(t, resp)

	// Reads are not throttled.
	resp, _ = http.Get(srv.URL + "/jobs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list should not be throttled, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
