// Package runs keeps the ledger of job executions: one Record per run, its counters,
// its checkpoint cursor and its terminal outcome.
package runs

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Well-known counter names.
const (
	MetricProcessed = "processed"
	MetricCreated   = "created"
	MetricUpdated   = "updated"
	MetricSkipped   = "skipped"
	MetricErrors    = "errors"
	MetricAPICalls  = "api_calls"
)

// CancelledMessage is written to runs failed by an operator cancel.
const CancelledMessage = "Cancelled from admin console"

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrNotFound       = errors.New("run not found")
	ErrNegativeAmount = errors.New("metric amount must not be negative")
)

// Totals holds the named counters of a run.
type Totals map[string]int64

// NewTotals returns the zeroed standard counter set.
func NewTotals() Totals {
	return Totals{
		MetricProcessed: 0,
		MetricCreated:   0,
		MetricUpdated:   0,
		MetricSkipped:   0,
		MetricErrors:    0,
		MetricAPICalls:  0,
	}
}

func (t Totals) clone() Totals {
	out := make(Totals, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Record is one execution of a named recurring job.
type Record struct {
	ID           int64      `json:"id"`
	JobName      string     `json:"job_name"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Totals       Totals     `json:"totals"`
	LastCursor   *string    `json:"last_cursor,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// Duration is the run time so far for running records, or the total for finished ones.
func (r Record) Duration(now time.Time) time.Duration {
	end := now
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	if end.Before(r.StartedAt) {
		return 0
	}
	return end.Sub(r.StartedAt)
}
