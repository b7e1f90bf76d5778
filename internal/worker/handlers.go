package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"sync-control-plane/internal/admin"
	"sync-control-plane/internal/ingest"
)

// HeartbeatRetention is how long heartbeat events are kept.
const HeartbeatRetention = 14 * 24 * time.Hour

// Pruner deletes heartbeat events older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// SyncHandler runs job through driver. Skipped and released runs are not errors.
func SyncHandler(driver *ingest.Driver, job ingest.Job, log zerolog.Logger) Handler {
	return func(ctx context.Context, task Task) error {
		out, err := driver.Run(ctx, job, task.Unit)
		if err != nil {
			return err
		}
		log.Info().Str("job", job.Name).Str("outcome", string(out)).Int("attempt", task.Attempt).Msg("sync finished")
		return nil
	}
}

func PruneHandler(p Pruner, retention time.Duration, now func() time.Time, log zerolog.Logger) Handler {
	return func(ctx context.Context, _ Task) error {
		n, err := p.Prune(ctx, now().Add(-retention))
		if err != nil {
			return err
		}
		log.Info().Int64("deleted", n).Msg("heartbeats pruned")
		return nil
	}
}

// RegisterDefaults binds the sync jobs and heartbeat pruning.
func RegisterDefaults(reg *Registry, driver *ingest.Driver, jobs map[string]ingest.Job, pruner Pruner, log zerolog.Logger) {
	for name, job := range jobs {
		reg.RegisterHandler(name, SyncHandler(driver, job, log))
	}
	if pruner != nil {
		reg.RegisterHandler(admin.JobPruneHeartbeats, PruneHandler(pruner, HeartbeatRetention, time.Now, log))
	}
}
