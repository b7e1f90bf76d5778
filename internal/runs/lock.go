package runs

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
)

// Locker grants at most one holder per job name. release must be safe to call once.
type Locker interface {
	TryLock(ctx context.Context, jobName string) (release func(), ok bool, err error)
}

// AdvisoryLocker uses Postgres session advisory locks. The lock lives on a dedicated
// connection that is returned to the pool on release.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, jobName string) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("advisory lock conn: %w", err)
	}
	key := LockKey(jobName)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("advisory lock %s: %w", jobName, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		_ = conn.Close()
	}
	return release, true, nil
}

// LockKey maps a job name onto the bigint advisory lock space.
func LockKey(jobName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("job_runs:" + jobName))
	return int64(h.Sum64())
}

// LocalLocker guards job names within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) TryLock(_ context.Context, jobName string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[jobName] {
		return nil, false, nil
	}
	l.held[jobName] = true
	return func() {
		l.mu.Lock()
		delete(l.held, jobName)
		l.mu.Unlock()
	}, true, nil
}
