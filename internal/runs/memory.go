package runs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-binary setups.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, copyRecord(*rec))
	return nil
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id int64, totals Totals, cursor *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return ErrNotFound
	}
	if m.records[i].Status != StatusRunning {
		return nil
	}
	m.records[i].Totals = totals.clone()
	m.records[i].LastCursor = copyString(cursor)
	return nil
}

func (m *MemoryStore) Finish(_ context.Context, id int64, status Status, at time.Time, totals Totals, cursor, errMsg *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return false, ErrNotFound
	}
	rec := &m.records[i]
	if rec.Status != StatusRunning {
		return false, nil
	}
	rec.Status = status
	rec.FinishedAt = &at
	rec.Totals = totals.clone()
	rec.LastCursor = copyString(cursor)
	rec.ErrorMessage = copyString(errMsg)
	return true, nil
}

func (m *MemoryStore) LastRun(_ context.Context, jobName string) (Record, bool, error) {
	return m.first(func(r Record) bool { return r.JobName == jobName })
}

func (m *MemoryStore) LastSuccessful(_ context.Context, jobName string) (Record, bool, error) {
	return m.first(func(r Record) bool { return r.JobName == jobName && r.Status == StatusSuccess })
}

func (m *MemoryStore) LastCursor(_ context.Context, jobName string) (*string, error) {
	rec, ok, _ := m.first(func(r Record) bool { return r.JobName == jobName && r.LastCursor != nil })
	if !ok {
		return nil, nil
	}
	return rec.LastCursor, nil
}

func (m *MemoryStore) Running(_ context.Context, jobName string) ([]Record, error) {
	return m.filter(func(r Record) bool { return r.JobName == jobName && r.Status == StatusRunning }, 0), nil
}

func (m *MemoryStore) Recent(_ context.Context, jobName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.filter(func(r Record) bool { return r.JobName == jobName }, limit), nil
}

func (m *MemoryStore) FailRunning(_ context.Context, jobName, message string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.records {
		rec := &m.records[i]
		if rec.JobName != jobName || rec.Status != StatusRunning {
			continue
		}
		msg := message
		finished := at
		rec.Status = StatusFailed
		rec.FinishedAt = &finished
		rec.ErrorMessage = &msg
		n++
	}
	return n, nil
}

func (m *MemoryStore) index(id int64) int {
	for i := range m.records {
		if m.records[i].ID == id {
			return i
		}
	}
	return -1
}

// filter returns matching records newest first.
func (m *MemoryStore) filter(match func(Record) bool, limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if match(r) {
			out = append(out, copyRecord(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) first(match func(Record) bool) (Record, bool, error) {
	out := m.filter(match, 1)
	if len(out) == 0 {
		return Record{}, false, nil
	}
	return out[0], true, nil
}

func copyRecord(r Record) Record {
	r.Totals = r.Totals.clone()
	r.LastCursor = copyString(r.LastCursor)
	r.ErrorMessage = copyString(r.ErrorMessage)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
