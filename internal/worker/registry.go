package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"sync-control-plane/internal/provider"
	"sync-control-plane/internal/queue"
)

// Task is what a handler sees of one unit of work.
type Task struct {
	JobType string
	Args    json.RawMessage
	Attempt int
	// Unit hands the work back to its queue. A handler that calls Release owns
	// the outcome; the runner will neither ack nor retry it.
	Unit provider.WorkUnit
}

// Handler executes a task for a given job type.
type Handler func(ctx context.Context, task Task) error

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterHandler binds a handler to a job type.
func (r *Registry) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// JobTypes lists registered job types in order.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func taskFromPayload(raw []byte, attempt int, unit provider.WorkUnit) Task {
	t := Task{JobType: queue.JobType(raw), Attempt: attempt, Unit: unit}
	if p, err := queue.DecodePayload(raw); err == nil {
		t.Args = p.Data.Args
	}
	return t
}

// releaseTracker wraps a WorkUnit and remembers whether it was handed back.
type releaseTracker struct {
	name     string
	release  func(ctx context.Context, delay time.Duration) error
	mu       sync.Mutex
	released bool
}

func (u *releaseTracker) JobName() string { return u.name }

func (u *releaseTracker) Release(ctx context.Context, delay time.Duration) error {
	if err := u.release(ctx, delay); err != nil {
		return err
	}
	u.mu.Lock()
	u.released = true
	u.mu.Unlock()
	return nil
}

func (u *releaseTracker) Released() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.released
}
