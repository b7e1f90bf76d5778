package admin

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"sync-control-plane/internal/runs"
)

// RunView is the console projection of a run record.
type RunView struct {
	ID              int64       `json:"id"`
	Status          runs.Status `json:"status"`
	StartedAt       time.Time   `json:"started_at"`
	StartedAgo      string      `json:"started_ago"`
	FinishedAt      *time.Time  `json:"finished_at"`
	DurationSeconds int64       `json:"duration_seconds"`
	DurationHuman   string      `json:"duration_human"`
	ErrorMessage    *string     `json:"error_message"`
	Totals          runs.Totals `json:"totals"`
}

func newRunView(rec runs.Record, now time.Time) *RunView {
	end := now
	if rec.FinishedAt != nil {
		end = *rec.FinishedAt
	}
	return &RunView{
		ID:              rec.ID,
		Status:          rec.Status,
		StartedAt:       rec.StartedAt,
		StartedAgo:      humanize.RelTime(rec.StartedAt, now, "ago", "from now"),
		FinishedAt:      rec.FinishedAt,
		DurationSeconds: int64(rec.Duration(now).Seconds()),
		DurationHuman:   strings.TrimSpace(humanize.RelTime(rec.StartedAt, end, "", "")),
		ErrorMessage:    rec.ErrorMessage,
		Totals:          rec.Totals,
	}
}
