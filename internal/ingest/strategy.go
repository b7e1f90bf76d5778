package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Position is where the next page starts. Each strategy uses its own fields.
type Position struct {
	After    int64
	Since    time.Time
	AfterKey string
	Offset   int
}

// Strategy turns a stored cursor into a position and advances it page by page.
type Strategy interface {
	Name() string
	Initial(last *string, lastSuccess *time.Time) (Position, error)
	// Advance returns the position after page and whether the walk is finished.
	Advance(pos Position, page Page, pageSize int) (Position, bool)
	Encode(pos Position) string
	// PageBudget caps pages per run; 0 means until done.
	PageBudget() int
}

// Watermark resumes after the highest numeric sequence seen.
type Watermark struct {
	MaxPages int
}

func (Watermark) Name() string { return "watermark" }

func (Watermark) Initial(last *string, _ *time.Time) (Position, error) {
	if last == nil || *last == "" {
		return Position{}, nil
	}
	n, err := strconv.ParseInt(*last, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("watermark cursor %q: %w", *last, err)
	}
	return Position{After: n}, nil
}

func (Watermark) Advance(pos Position, page Page, pageSize int) (Position, bool) {
	for _, it := range page.Items {
		if it.Seq > pos.After {
			pos.After = it.Seq
		}
	}
	return pos, len(page.Items) < pageSize
}

func (Watermark) Encode(pos Position) string { return strconv.FormatInt(pos.After, 10) }

func (w Watermark) PageBudget() int { return w.MaxPages }

// Timestamp resumes after the latest modification time seen, breaking ties by key.
// Without a cursor it starts from the last successful run, or from the beginning.
type Timestamp struct {
	MaxPages int
}

const timestampSep = "|"

func (Timestamp) Name() string { return "timestamp" }

func (Timestamp) Initial(last *string, lastSuccess *time.Time) (Position, error) {
	if last != nil && *last != "" {
		ts, key, _ := strings.Cut(*last, timestampSep)
		since, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Position{}, fmt.Errorf("timestamp cursor %q: %w", *last, err)
		}
		return Position{Since: since.UTC(), AfterKey: key}, nil
	}
	if lastSuccess != nil {
		return Position{Since: lastSuccess.UTC()}, nil
	}
	return Position{}, nil
}

func (Timestamp) Advance(pos Position, page Page, pageSize int) (Position, bool) {
	for _, it := range page.Items {
		m := it.ModifiedAt.UTC()
		if m.After(pos.Since) || (m.Equal(pos.Since) && it.Key > pos.AfterKey) {
			pos.Since = m
			pos.AfterKey = it.Key
		}
	}
	return pos, len(page.Items) < pageSize
}

func (Timestamp) Encode(pos Position) string {
	return pos.Since.UTC().Format(time.RFC3339Nano) + timestampSep + pos.AfterKey
}

func (t Timestamp) PageBudget() int { return t.MaxPages }

// RotatingOffset walks the whole collection a few pages per run and wraps to the
// start after a short page, for providers with no changed-since filter.
type RotatingOffset struct {
	PagesPerRun int
}

func (RotatingOffset) Name() string { return "rotating_offset" }

func (RotatingOffset) Initial(last *string, _ *time.Time) (Position, error) {
	if last == nil || *last == "" {
		return Position{}, nil
	}
	n, err := strconv.Atoi(*last)
	if err != nil || n < 0 {
		return Position{}, fmt.Errorf("offset cursor %q: invalid", *last)
	}
	return Position{Offset: n}, nil
}

func (RotatingOffset) Advance(pos Position, page Page, pageSize int) (Position, bool) {
	if len(page.Items) < pageSize || (page.Total > 0 && pos.Offset+len(page.Items) >= page.Total) {
		return Position{Offset: 0}, true
	}
	pos.Offset += len(page.Items)
	return pos, false
}

func (RotatingOffset) Encode(pos Position) string { return strconv.Itoa(pos.Offset) }

func (r RotatingOffset) PageBudget() int {
	if r.PagesPerRun <= 0 {
		return 1
	}
	return r.PagesPerRun
}
