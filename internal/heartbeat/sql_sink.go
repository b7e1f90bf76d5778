package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sync-control-plane/internal/store"
)

// SQLSink appends events to job_heartbeats.
type SQLSink struct {
	db *store.DB
}

func NewSQLSink(db *store.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) Write(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("encode heartbeat context: %w", err)
	}
	q := s.db.Rebind(`INSERT INTO job_heartbeats (job, run_id, metric, context, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, ev.Job, ev.RunID, string(ev.Metric), string(payload), ev.CreatedAt); err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// ForRun lists the events of one run in insertion order.
func (s *SQLSink) ForRun(ctx context.Context, job, runID string) ([]Event, error) {
	q := s.db.Rebind(`SELECT job, run_id, metric, context, created_at FROM job_heartbeats
		WHERE job = ? AND run_id = ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, q, job, runID)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			metric string
			raw    []byte
		)
		if err := rows.Scan(&ev.Job, &ev.RunID, &metric, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		ev.Metric = Metric(metric)
		if err := json.Unmarshal(raw, &ev.Context); err != nil {
			return nil, fmt.Errorf("decode heartbeat context: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events created before cutoff and reports how many went.
func (s *SQLSink) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM job_heartbeats WHERE created_at < ?`)
	res, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune heartbeats: %w", err)
	}
	return res.RowsAffected()
}
