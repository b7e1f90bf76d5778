package runs

import (
	"context"
	"time"
)

// Store persists Records. Finish and FailRunning only touch records still running.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	UpdateProgress(ctx context.Context, id int64, totals Totals, cursor *string) error
	Finish(ctx context.Context, id int64, status Status, at time.Time, totals Totals, cursor, errMsg *string) (bool, error)
	LastRun(ctx context.Context, jobName string) (Record, bool, error)
	LastSuccessful(ctx context.Context, jobName string) (Record, bool, error)
	LastCursor(ctx context.Context, jobName string) (*string, error)
	Running(ctx context.Context, jobName string) ([]Record, error)
	Recent(ctx context.Context, jobName string, limit int) ([]Record, error)
	FailRunning(ctx context.Context, jobName, message string, at time.Time) (int, error)
}
