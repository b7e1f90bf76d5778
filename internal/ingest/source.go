package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"sync-control-plane/internal/provider"
)

// Item is one entity on a fetched page.
type Item struct {
	Key        string
	Seq        int64
	ModifiedAt time.Time
	Data       json.RawMessage
}

// Page is a parsed provider response. Total is the collection size when the provider reports it.
type Page struct {
	Items []Item
	Total int
}

// Source knows how to ask one provider for a page and how to read the answer.
type Source interface {
	Provider() string
	PageRequest(pos Position, pageSize int) provider.Request
	ParsePage(body []byte) (Page, error)
}

// WriteStats counts what a page write did.
type WriteStats struct {
	Created int
	Updated int
	Skipped int
}

// Writer persists a page inside the caller's transaction.
type Writer interface {
	Write(ctx context.Context, tx *sql.Tx, source string, items []Item) (WriteStats, error)
}
