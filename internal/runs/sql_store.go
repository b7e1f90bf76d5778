package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sync-control-plane/internal/store"
)

const recordColumns = `id, job_name, status, started_at, finished_at, totals, last_cursor, error_message`

// SQLStore keeps Records in the job_runs table.
type SQLStore struct {
	db *store.DB
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// ForDB builds a tracker over job_runs. On postgres exclusive runs are guarded by
// advisory locks so the guard holds across processes.
func ForDB(db *store.DB, opts ...Option) *Tracker {
	if db.Dialect == store.Postgres {
		opts = append([]Option{WithLocker(NewAdvisoryLocker(db.DB))}, opts...)
	}
	return NewTracker(NewSQLStore(db), opts...)
}

func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	totals, err := encodeTotals(rec.Totals)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`INSERT INTO job_runs (job_name, status, started_at, totals, last_cursor)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)
	if err := s.db.QueryRowContext(ctx, q, rec.JobName, string(rec.Status), rec.StartedAt.UTC(), totals, store.NullString(rec.LastCursor)).Scan(&rec.ID); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id int64, totals Totals, cursor *string) error {
	enc, err := encodeTotals(totals)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`UPDATE job_runs SET totals = ?, last_cursor = ? WHERE id = ? AND status = ?`)
	if _, err := s.db.ExecContext(ctx, q, enc, store.NullString(cursor), id, string(StatusRunning)); err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

func (s *SQLStore) Finish(ctx context.Context, id int64, status Status, at time.Time, totals Totals, cursor, errMsg *string) (bool, error) {
	enc, err := encodeTotals(totals)
	if err != nil {
		return false, err
	}
	q := s.db.Rebind(`UPDATE job_runs
		SET status = ?, finished_at = ?, totals = ?, last_cursor = ?, error_message = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, q, string(status), at.UTC(), enc, store.NullString(cursor), store.NullString(errMsg), id, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish run rows: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) LastRun(ctx context.Context, jobName string) (Record, bool, error) {
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM job_runs
		WHERE job_name = ? ORDER BY started_at DESC, id DESC LIMIT 1`)
	return s.one(ctx, q, jobName)
}

func (s *SQLStore) LastSuccessful(ctx context.Context, jobName string) (Record, bool, error) {
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM job_runs
		WHERE job_name = ? AND status = ? ORDER BY started_at DESC, id DESC LIMIT 1`)
	return s.one(ctx, q, jobName, string(StatusSuccess))
}

func (s *SQLStore) LastCursor(ctx context.Context, jobName string) (*string, error) {
	q := s.db.Rebind(`SELECT last_cursor FROM job_runs
		WHERE job_name = ? AND last_cursor IS NOT NULL ORDER BY started_at DESC, id DESC LIMIT 1`)
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx, q, jobName).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last cursor: %w", err)
	}
	return store.StringPtr(cursor), nil
}

func (s *SQLStore) Running(ctx context.Context, jobName string) ([]Record, error) {
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM job_runs
		WHERE job_name = ? AND status = ? ORDER BY started_at DESC, id DESC`)
	return s.many(ctx, q, jobName, string(StatusRunning))
}

func (s *SQLStore) Recent(ctx context.Context, jobName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM job_runs
		WHERE job_name = ? ORDER BY started_at DESC, id DESC LIMIT ?`)
	return s.many(ctx, q, jobName, limit)
}

func (s *SQLStore) FailRunning(ctx context.Context, jobName, message string, at time.Time) (int, error) {
	q := s.db.Rebind(`UPDATE job_runs SET status = ?, finished_at = ?, error_message = ?
		WHERE job_name = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, q, string(StatusFailed), at.UTC(), message, jobName, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("fail running runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail running rows: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec      Record
		status   string
		finished sql.NullTime
		totals   []byte
		cursor   sql.NullString
		errMsg   sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.JobName, &status, &rec.StartedAt, &finished, &totals, &cursor, &errMsg); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	rec.LastCursor = store.StringPtr(cursor)
	rec.ErrorMessage = store.StringPtr(errMsg)
	rec.Totals = Totals{}
	if len(totals) > 0 {
		if err := json.Unmarshal(totals, &rec.Totals); err != nil {
			return Record{}, fmt.Errorf("decode totals: %w", err)
		}
	}
	return rec, nil
}

func (s *SQLStore) one(ctx context.Context, q string, args ...any) (Record, bool, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("scan run: %w", err)
	}
	return rec, true, nil
}

func (s *SQLStore) many(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeTotals(t Totals) (string, error) {
	if t == nil {
		t = Totals{}
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode totals: %w", err)
	}
	return string(b), nil
}
