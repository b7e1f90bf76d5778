package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"sync-control-plane/internal/telemetry"
)

const asynqPageSize = 100

// AsynqBackend maps asynq task states onto queue states: pending is waiting, active is
// reserved, scheduled and retry are delayed, archived is failed.
type AsynqBackend struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	matchers  MatcherChain
	log       zerolog.Logger
}

func NewAsynqBackend(opt asynq.RedisClientOpt, log zerolog.Logger) *AsynqBackend {
	return &AsynqBackend{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		matchers:  DefaultMatchers(),
		log:       log,
	}
}

func (b *AsynqBackend) Name() string    { return "asynq" }
func (b *AsynqBackend) Supported() bool { return true }

func (b *AsynqBackend) Close() error {
	ierr := b.inspector.Close()
	if err := b.client.Close(); err != nil {
		return err
	}
	return ierr
}

func (b *AsynqBackend) Dispatch(ctx context.Context, queue, jobType string, args any, delay time.Duration) (string, error) {
	payload, err := NewPayload(jobType, args)
	if err != nil {
		return "", err
	}
	return b.Requeue(ctx, queue, jobType, payload, delay)
}

// Requeue enqueues an existing payload again, used when a running task is released.
func (b *AsynqBackend) Requeue(ctx context.Context, queue, jobType string, payload []byte, delay time.Duration) (string, error) {
	opts := []asynq.Option{asynq.Queue(queue)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(jobType, payload), opts...)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return info.ID, nil
}

type listFunc func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

func (b *AsynqBackend) list(queue string, fn listFunc) ([]*asynq.TaskInfo, error) {
	var out []*asynq.TaskInfo
	for page := 1; ; page++ {
		infos, err := fn(queue, asynq.PageSize(asynqPageSize), asynq.Page(page))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, infos...)
		if len(infos) < asynqPageSize {
			return out, nil
		}
	}
}

func (b *AsynqBackend) matches(info *asynq.TaskInfo, jobType string) bool {
	return info.Type == jobType || b.matchers.Matches(info.Payload, jobType)
}

type stateLister struct {
	state State
	fn    listFunc
}

func (b *AsynqBackend) listers() []stateLister {
	return []stateLister{
		{StateWaiting, b.inspector.ListPendingTasks},
		{StateReserved, b.inspector.ListActiveTasks},
		{StateDelayed, b.inspector.ListScheduledTasks},
		{StateDelayed, b.inspector.ListRetryTasks},
	}
}

func (b *AsynqBackend) Counts(ctx context.Context, queue, jobType string) (Counts, error) {
	var counts Counts
	for _, l := range b.listers() {
		infos, err := b.list(queue, l.fn)
		if err != nil {
			return Counts{}, fmt.Errorf("list %s tasks in %s: %w", l.state, queue, err)
		}
		for _, info := range infos {
			if b.matches(info, jobType) {
				counts.add(l.state)
			}
		}
	}
	return counts, nil
}

// Purge deletes matching tasks. Active tasks cannot be deleted, so they are sent a cancel signal.
func (b *AsynqBackend) Purge(ctx context.Context, queue, jobType string) (Counts, error) {
	var removed Counts
	for _, l := range b.listers() {
		infos, err := b.list(queue, l.fn)
		if err != nil {
			return removed, fmt.Errorf("list %s tasks in %s: %w", l.state, queue, err)
		}
		for _, info := range infos {
			if !b.matches(info, jobType) {
				continue
			}
			if l.state == StateReserved {
				err = b.inspector.CancelProcessing(info.ID)
			} else {
				err = b.inspector.DeleteTask(queue, info.ID)
			}
			if errors.Is(err, asynq.ErrTaskNotFound) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("remove task %s: %w", info.ID, err)
			}
			removed.add(l.state)
			telemetry.QueuePurged.WithLabelValues(queue, string(l.state)).Inc()
		}
	}
	return removed, nil
}

func (b *AsynqBackend) queues(queue string) ([]string, error) {
	if queue != "" {
		return []string{queue}, nil
	}
	return b.inspector.Queues()
}

func (b *AsynqBackend) archived(queue, jobType string) (map[string][]*asynq.TaskInfo, error) {
	names, err := b.queues(queue)
	if err != nil {
		return nil, err
	}
	out := map[string][]*asynq.TaskInfo{}
	for _, q := range names {
		infos, err := b.list(q, b.inspector.ListArchivedTasks)
		if err != nil {
			return nil, fmt.Errorf("list archived tasks in %s: %w", q, err)
		}
		for _, info := range infos {
			if b.matches(info, jobType) {
				out[q] = append(out[q], info)
			}
		}
	}
	return out, nil
}

func (b *AsynqBackend) CountFailed(ctx context.Context, queue, jobType string) (int, error) {
	byQueue, err := b.archived(queue, jobType)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, infos := range byQueue {
		n += len(infos)
	}
	return n, nil
}

func (b *AsynqBackend) RetryFailed(ctx context.Context, queue, jobType string) (int, error) {
	return b.eachArchived(queue, jobType, b.inspector.RunTask)
}

func (b *AsynqBackend) ClearFailed(ctx context.Context, queue, jobType string) (int, error) {
	return b.eachArchived(queue, jobType, b.inspector.DeleteTask)
}

func (b *AsynqBackend) eachArchived(queue, jobType string, fn func(queue, id string) error) (int, error) {
	byQueue, err := b.archived(queue, jobType)
	if err != nil {
		return 0, err
	}
	n := 0
	for q, infos := range byQueue {
		for _, info := range infos {
			if err := fn(q, info.ID); err != nil {
				if errors.Is(err, asynq.ErrTaskNotFound) {
					continue
				}
				return n, fmt.Errorf("task %s: %w", info.ID, err)
			}
			n++
		}
	}
	return n, nil
}
