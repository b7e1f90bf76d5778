// Package heartbeat records append-only progress events for a job execution.
// Recording is best effort: a failing sink never reaches the job.
package heartbeat

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/telemetry"
)

type Metric string

const (
	MetricStarted   Metric = "started"
	MetricProgress  Metric = "progress"
	MetricCompleted Metric = "completed"
	MetricFailed    Metric = "failed"
)

// MaxErrorLength bounds the error text stored by Failed.
const MaxErrorLength = 500

// Event is one heartbeat row.
type Event struct {
	Job       string         `json:"job"`
	RunID     string         `json:"run_id"`
	Metric    Metric         `json:"metric"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Write(context.Context, Event) error { return nil }

// Recorder emits heartbeats for one execution of a job.
type Recorder struct {
	job  string
	sink Sink
	log  zerolog.Logger
	now  func() time.Time

	once  sync.Once
	runID string
}

type Option func(*Recorder)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithRunID pins the correlation id instead of generating one.
func WithRunID(id string) Option {
	return func(r *Recorder) {
		r.once.Do(func() { r.runID = id })
	}
}

func New(job string, sink Sink, opts ...Option) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	r := &Recorder{job: job, sink: sink, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Job() string { return r.job }

// RunID is generated on first use and stable for the lifetime of the recorder.
func (r *Recorder) RunID() string {
	r.once.Do(func() { r.runID = uuid.NewString() })
	return r.runID
}

// Record writes one event. Errors and panics from the sink are logged and dropped.
func (r *Recorder) Record(ctx context.Context, metric Metric, fields map[string]any) {
	ev := Event{
		Job:       r.job,
		RunID:     r.RunID(),
		Metric:    metric,
		Context:   fields,
		CreatedAt: r.now().UTC(),
	}
	if ev.Context == nil {
		ev.Context = map[string]any{}
	}
	defer func() {
		if p := recover(); p != nil {
			r.drop(ev, fmt.Errorf("sink panic: %v", p))
		}
	}()
	if err := r.sink.Write(ctx, ev); err != nil {
		r.drop(ev, err)
	}
}

func (r *Recorder) drop(ev Event, err error) {
	telemetry.HeartbeatDrops.Inc()
	r.log.Debug().Err(err).Str("job", ev.Job).Str("run_id", ev.RunID).Str("metric", string(ev.Metric)).Msg("heartbeat dropped")
}

func (r *Recorder) Started(ctx context.Context, fields map[string]any) {
	r.Record(ctx, MetricStarted, fields)
}

// Progress records current out of total with a percentage rounded to one decimal.
func (r *Recorder) Progress(ctx context.Context, current, total int64, extra map[string]any) {
	fields := merge(extra, map[string]any{
		"current": current,
		"total":   total,
		"percent": Percent(current, total),
	})
	r.Record(ctx, MetricProgress, fields)
}

func (r *Recorder) Completed(ctx context.Context, totals map[string]int64) {
	fields := make(map[string]any, len(totals))
	for k, v := range totals {
		fields[k] = v
	}
	r.Record(ctx, MetricCompleted, fields)
}

func (r *Recorder) Failed(ctx context.Context, err error, extra map[string]any) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	fields := merge(extra, map[string]any{
		"error":      Truncate(msg, MaxErrorLength),
		"error_type": fmt.Sprintf("%T", err),
	})
	r.Record(ctx, MetricFailed, fields)
}

// Percent is current/total*100 rounded half away from zero to one decimal, 0 when total is 0.
func Percent(current, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(current)/float64(total)*1000) / 10
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func merge(extra, fixed map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+len(fixed))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range fixed {
		out[k] = v
	}
	return out
}
