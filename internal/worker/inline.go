package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sync-control-plane/internal/queue"
)

// Inline runs dispatched jobs immediately in the caller, for the sync connection.
// Released work is dropped; the next schedule picks it up again.
type Inline struct {
	registry *Registry
	log      zerolog.Logger
}

func NewInline(registry *Registry, log zerolog.Logger) *Inline {
	return &Inline{registry: registry, log: log}
}

func (in *Inline) Dispatch(ctx context.Context, queueName, jobType string, args any, delay time.Duration) (string, error) {
	payload, err := queue.NewPayload(jobType, args)
	if err != nil {
		return "", err
	}
	unit := &releaseTracker{
		name: jobType,
		release: func(_ context.Context, d time.Duration) error {
			in.log.Warn().Str("job", jobType).Dur("delay", d).Msg("inline job released, dropping")
			return nil
		},
	}
	if delay > 0 {
		in.log.Debug().Str("job", jobType).Dur("delay", delay).Msg("inline dispatch ignores delay")
	}
	if err := runHandler(ctx, in.registry, taskFromPayload(payload, 1, unit)); err != nil {
		return "", fmt.Errorf("run %s on %s: %w", jobType, queueName, err)
	}
	p, err := queue.DecodePayload(payload)
	if err != nil {
		return "", err
	}
	return p.UUID, nil
}
