package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sync-control-plane/internal/store"
)

// EntityWriter keeps the raw provider payload of every item in the entities table,
// one row per (source, key).
type EntityWriter struct {
	db  *store.DB
	now func() time.Time
}

func NewEntityWriter(db *store.DB) *EntityWriter {
	return &EntityWriter{db: db, now: time.Now}
}

func (w *EntityWriter) Write(ctx context.Context, tx *sql.Tx, source string, items []Item) (WriteStats, error) {
	var stats WriteStats
	lock := ""
	if w.db.Dialect == store.Postgres {
		lock = " FOR UPDATE"
	}
	sel := w.db.Rebind(`SELECT data FROM entities WHERE source = ? AND key = ?` + lock)
	ins := w.db.Rebind(`INSERT INTO entities (source, key, seq, modified_at, data, synced_at) VALUES (?, ?, ?, ?, ?, ?)`)
	upd := w.db.Rebind(`UPDATE entities SET seq = ?, modified_at = ?, data = ?, synced_at = ? WHERE source = ? AND key = ?`)
	now := w.now().UTC()

	for _, it := range items {
		if it.Key == "" {
			stats.Skipped++
			continue
		}
		modified := sql.NullTime{Time: it.ModifiedAt.UTC(), Valid: !it.ModifiedAt.IsZero()}

		var existing string
		err := tx.QueryRowContext(ctx, sel, source, it.Key).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, ins, source, it.Key, it.Seq, modified, string(it.Data), now); err != nil {
				return stats, fmt.Errorf("insert entity %s/%s: %w", source, it.Key, err)
			}
			stats.Created++
		case err != nil:
			return stats, fmt.Errorf("load entity %s/%s: %w", source, it.Key, err)
		case bytes.Equal([]byte(existing), it.Data):
			stats.Skipped++
		default:
			if _, err := tx.ExecContext(ctx, upd, it.Seq, modified, string(it.Data), now, source, it.Key); err != nil {
				return stats, fmt.Errorf("update entity %s/%s: %w", source, it.Key, err)
			}
			stats.Updated++
		}
	}
	return stats, nil
}
