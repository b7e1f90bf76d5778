// Package queue dispatches, consumes and inspects units of work across queue backends.
package queue

import (
	"context"
	"errors"
	"time"
)

// State is the derived position of an entry in its queue.
type State string

const (
	StateWaiting  State = "waiting"
	StateReserved State = "reserved"
	StateDelayed  State = "delayed"
)

var ErrUnsupported = errors.New("queue backend does not support inspection")

// Counts tallies matching entries per state.
type Counts struct {
	Waiting  int `json:"waiting"`
	Reserved int `json:"reserved"`
	Delayed  int `json:"delayed"`
}

func (c Counts) Total() int { return c.Waiting + c.Reserved + c.Delayed }

func (c *Counts) add(s State) {
	switch s {
	case StateWaiting:
		c.Waiting++
	case StateReserved:
		c.Reserved++
	case StateDelayed:
		c.Delayed++
	}
}

// Entry is one unit of work taken from a queue. Payload is never rewritten.
type Entry struct {
	ID       string
	Queue    string
	Payload  []byte
	Attempts int
}

// JobName implements provider.WorkUnit's naming half.
func (e *Entry) JobName() string { return JobType(e.Payload) }

// Inspector counts and purges entries of a job type.
type Inspector interface {
	Name() string
	Supported() bool
	Counts(ctx context.Context, queue, jobType string) (Counts, error)
	Purge(ctx context.Context, queue, jobType string) (Counts, error)
}

// Dispatcher hands a job to the queue. delay <= 0 means immediately.
type Dispatcher interface {
	Dispatch(ctx context.Context, queue, jobType string, args any, delay time.Duration) (string, error)
}

// FailedStore manages entries that exhausted their attempts.
type FailedStore interface {
	CountFailed(ctx context.Context, queue, jobType string) (int, error)
	RetryFailed(ctx context.Context, queue, jobType string) (int, error)
	ClearFailed(ctx context.Context, queue, jobType string) (int, error)
}

// Consumer is the worker side of a polled backend.
type Consumer interface {
	Reserve(ctx context.Context, queue string) (*Entry, error)
	Ack(ctx context.Context, e *Entry) error
	Release(ctx context.Context, e *Entry, delay time.Duration) error
	Fail(ctx context.Context, e *Entry, cause error) error
}

// Promoter moves due delayed entries back to waiting. Backends that derive
// state from timestamps do not need it.
type Promoter interface {
	PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int64) (int, error)
}

// Reclaimer hands back reservations whose lease expired because their worker went away.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context, queue string, now time.Time, limit int64) (int, error)
}

// Backend is what the console needs from the active queue connection.
type Backend interface {
	Inspector
	Dispatcher
	FailedStore
}

// FailedRecord is a dead-lettered entry.
type FailedRecord struct {
	UUID       string    `json:"uuid"`
	Connection string    `json:"connection"`
	Queue      string    `json:"queue"`
	Payload    string    `json:"payload"`
	Exception  string    `json:"exception"`
	FailedAt   time.Time `json:"failed_at"`
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
