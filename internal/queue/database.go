package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"sync-control-plane/internal/store"
	"sync-control-plane/internal/telemetry"
	"sync-control-plane/internal/txretry"
)

// DefaultRetryAfter is how long a reservation may be held before another worker may take the entry.
const DefaultRetryAfter = 90 * time.Second

// DatabaseBackend keeps entries as rows of the jobs table. State is derived from
// reserved_at and available_at, both epoch seconds.
type DatabaseBackend struct {
	db         *store.DB
	tx         *txretry.Runner
	matchers   MatcherChain
	retryAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

type DatabaseOption func(*DatabaseBackend)

func WithDatabaseMatchers(m MatcherChain) DatabaseOption {
	return func(b *DatabaseBackend) { b.matchers = m }
}

func WithDatabaseLogger(l zerolog.Logger) DatabaseOption {
	return func(b *DatabaseBackend) { b.log = l }
}

func WithDatabaseClock(now func() time.Time) DatabaseOption {
	return func(b *DatabaseBackend) { b.now = now }
}

// WithRetryAfter sets how long a reservation is honoured.
func WithRetryAfter(d time.Duration) DatabaseOption {
	return func(b *DatabaseBackend) {
		if d > 0 {
			b.retryAfter = d
		}
	}
}

func NewDatabaseBackend(db *store.DB, runner *txretry.Runner, opts ...DatabaseOption) *DatabaseBackend {
	b := &DatabaseBackend{
		db:         db,
		tx:         runner,
		matchers:   DefaultMatchers(),
		retryAfter: DefaultRetryAfter,
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.tx == nil {
		b.tx = txretry.New(db, txretry.WithLogger(b.log))
	}
	return b
}

func (b *DatabaseBackend) Name() string    { return "database" }
func (b *DatabaseBackend) Supported() bool { return true }

// StateOf derives an entry's state from its row.
func StateOf(reservedAt sql.NullInt64, availableAt, now int64) State {
	switch {
	case reservedAt.Valid:
		return StateReserved
	case availableAt > now:
		return StateDelayed
	default:
		return StateWaiting
	}
}

func (b *DatabaseBackend) Dispatch(ctx context.Context, queue, jobType string, args any, delay time.Duration) (string, error) {
	payload, err := NewPayload(jobType, args)
	if err != nil {
		return "", err
	}
	if err := b.insert(ctx, b.db, queue, string(payload), delay); err != nil {
		return "", fmt.Errorf("dispatch %s: %w", jobType, err)
	}
	return payloadUUID(payload), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *DatabaseBackend) insert(ctx context.Context, ex execer, queue, payload string, delay time.Duration) error {
	now := b.now()
	available := now
	if delay > 0 {
		available = now.Add(delay)
	}
	q := b.db.Rebind(`INSERT INTO jobs (queue, payload, attempts, reserved_at, available_at, created_at)
		VALUES (?, ?, 0, NULL, ?, ?)`)
	_, err := ex.ExecContext(ctx, q, queue, payload, available.Unix(), now.Unix())
	return err
}

// Reserve claims the oldest available entry, including ones whose reservation expired.
func (b *DatabaseBackend) Reserve(ctx context.Context, queue string) (*Entry, error) {
	now := b.now().Unix()
	expired := now - int64(b.retryAfter/time.Second)
	sel := `SELECT id, payload, attempts FROM jobs
		WHERE queue = ? AND ((reserved_at IS NULL AND available_at <= ?) OR reserved_at <= ?)
		ORDER BY id LIMIT 1`
	if b.db.Dialect == store.Postgres {
		sel += ` FOR UPDATE SKIP LOCKED`
	}
	sel = b.db.Rebind(sel)
	upd := b.db.Rebind(`UPDATE jobs SET reserved_at = ?, attempts = attempts + 1 WHERE id = ?`)

	entry, err := txretry.Do(ctx, b.tx, func(ctx context.Context, tx *sql.Tx) (*Entry, error) {
		var (
			id       int64
			payload  string
			attempts int
		)
		err := tx.QueryRowContext(ctx, sel, queue, now, expired).Scan(&id, &payload, &attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, upd, now, id); err != nil {
			return nil, err
		}
		return &Entry{ID: strconv.FormatInt(id, 10), Queue: queue, Payload: []byte(payload), Attempts: attempts + 1}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve from %s: %w", queue, err)
	}
	return entry, nil
}

func rowID(e *Entry) (int64, error) {
	id, err := strconv.ParseInt(e.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("entry id %q: %w", e.ID, err)
	}
	return id, nil
}

func (b *DatabaseBackend) Ack(ctx context.Context, e *Entry) error {
	id, err := rowID(e)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.db.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	return err
}

func (b *DatabaseBackend) Release(ctx context.Context, e *Entry, delay time.Duration) error {
	id, err := rowID(e)
	if err != nil {
		return err
	}
	available := b.now()
	if delay > 0 {
		available = available.Add(delay)
	}
	q := b.db.Rebind(`UPDATE jobs SET reserved_at = NULL, available_at = ? WHERE id = ?`)
	_, err = b.db.ExecContext(ctx, q, available.Unix(), id)
	return err
}

// Fail moves an entry into failed_jobs in one transaction.
func (b *DatabaseBackend) Fail(ctx context.Context, e *Entry, cause error) error {
	id, err := rowID(e)
	if err != nil {
		return err
	}
	del := b.db.Rebind(`DELETE FROM jobs WHERE id = ?`)
	ins := b.db.Rebind(`INSERT INTO failed_jobs (uuid, connection, queue, payload, exception, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	return b.tx.Run(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, del, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, ins, payloadUUID(e.Payload), b.Name(), e.Queue, string(e.Payload), errorText(cause), b.now().UTC())
		return err
	})
}

type jobRow struct {
	id    int64
	state State
}

func (b *DatabaseBackend) matchingRows(ctx context.Context, queue, jobType string) ([]jobRow, error) {
	q := b.db.Rebind(`SELECT id, payload, reserved_at, available_at FROM jobs WHERE queue = ? ORDER BY id`)
	rows, err := b.db.QueryContext(ctx, q, queue)
	if err != nil {
		return nil, fmt.Errorf("scan queue %s: %w", queue, err)
	}
	defer rows.Close()

	now := b.now().Unix()
	var out []jobRow
	for rows.Next() {
		var (
			id          int64
			payload     string
			reservedAt  sql.NullInt64
			availableAt int64
		)
		if err := rows.Scan(&id, &payload, &reservedAt, &availableAt); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		if !b.matchers.Matches([]byte(payload), jobType) {
			continue
		}
		out = append(out, jobRow{id: id, state: StateOf(reservedAt, availableAt, now)})
	}
	return out, rows.Err()
}

func (b *DatabaseBackend) Counts(ctx context.Context, queue, jobType string) (Counts, error) {
	rows, err := b.matchingRows(ctx, queue, jobType)
	if err != nil {
		return Counts{}, err
	}
	var counts Counts
	for _, r := range rows {
		counts.add(r.state)
	}
	return counts, nil
}

// Purge deletes matching rows one at a time. Rows already gone are not counted.
func (b *DatabaseBackend) Purge(ctx context.Context, queue, jobType string) (Counts, error) {
	rows, err := b.matchingRows(ctx, queue, jobType)
	if err != nil {
		return Counts{}, err
	}
	var removed Counts
	del := b.db.Rebind(`DELETE FROM jobs WHERE id = ?`)
	for _, r := range rows {
		res, err := b.db.ExecContext(ctx, del, r.id)
		if err != nil {
			return removed, fmt.Errorf("delete job %d: %w", r.id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed.add(r.state)
			telemetry.QueuePurged.WithLabelValues(queue, string(r.state)).Inc()
		}
	}
	return removed, nil
}

type failedRow struct {
	id      int64
	queue   string
	payload string
}

func (b *DatabaseBackend) matchingFailed(ctx context.Context, queue, jobType string) ([]failedRow, error) {
	q := `SELECT id, queue, payload FROM failed_jobs`
	var args []any
	if queue != "" {
		q += ` WHERE queue = ?`
		args = append(args, queue)
	}
	rows, err := b.db.QueryContext(ctx, b.db.Rebind(q+` ORDER BY id`), args...)
	if err != nil {
		return nil, fmt.Errorf("scan failed jobs: %w", err)
	}
	defer rows.Close()

	var out []failedRow
	for rows.Next() {
		var r failedRow
		if err := rows.Scan(&r.id, &r.queue, &r.payload); err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		if b.matchers.Matches([]byte(r.payload), jobType) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (b *DatabaseBackend) CountFailed(ctx context.Context, queue, jobType string) (int, error) {
	rows, err := b.matchingFailed(ctx, queue, jobType)
	return len(rows), err
}

// RetryFailed moves matching failed rows back into jobs, each in its own transaction.
func (b *DatabaseBackend) RetryFailed(ctx context.Context, queue, jobType string) (int, error) {
	rows, err := b.matchingFailed(ctx, queue, jobType)
	if err != nil {
		return 0, err
	}
	del := b.db.Rebind(`DELETE FROM failed_jobs WHERE id = ?`)
	n := 0
	for _, r := range rows {
		err := b.tx.Run(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if err := b.insert(ctx, tx, r.queue, r.payload, 0); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, del, r.id)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("retry failed job %d: %w", r.id, err)
		}
		n++
	}
	return n, nil
}

func (b *DatabaseBackend) ClearFailed(ctx context.Context, queue, jobType string) (int, error) {
	rows, err := b.matchingFailed(ctx, queue, jobType)
	if err != nil {
		return 0, err
	}
	del := b.db.Rebind(`DELETE FROM failed_jobs WHERE id = ?`)
	n := 0
	for _, r := range rows {
		res, err := b.db.ExecContext(ctx, del, r.id)
		if err != nil {
			return n, fmt.Errorf("delete failed job %d: %w", r.id, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}
