package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskmill/internal/task"
)

// Memory is the in-process reference store.
//
// It implements the exact readiness semantics the SQL drivers express in
// their queries, which also makes it the test double for the scheduler.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	recs   map[int64]*task.Record
}

func NewMemory() *Memory {
	return &Memory{nextID: 1, recs: map[int64]*task.Record{}}
}

func (m *Memory) Create(ctx context.Context, rec *task.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID != 0 || rec.ParentID != nil {
		return task.ErrAlreadyPersisted
	}
	for _, c := range rec.Children {
		if c.ID != 0 {
			return task.ErrAlreadyPersisted
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.insertLocked(rec, now)
	for _, c := range rec.Children {
		pid := rec.ID
		c.ParentID = &pid
		m.insertLocked(c, now)
	}
	return nil
}

func (m *Memory) insertLocked(rec *task.Record, now time.Time) {
	rec.ID = m.nextID
	m.nextID++
	if rec.State == "" {
		rec.State = task.StatePending
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.recs[rec.ID] = rec.Clone()
}

func (m *Memory) FetchReady(ctx context.Context, limit int, exclude []int64) ([]*task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	ids := make([]int64, 0, len(m.recs))
	for id := range m.recs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*task.Record
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if _, ok := skip[id]; ok {
			continue
		}
		rec := m.recs[id]
		if rec.State != task.StatePending || !rec.Due(now) {
			continue
		}
		if m.hasActiveChildLocked(id) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *Memory) hasActiveChildLocked(parentID int64) bool {
	for _, rec := range m.recs {
		if rec.ParentID != nil && *rec.ParentID == parentID {
			if rec.State == task.StatePending || rec.State == task.StateInProgress {
				return true
			}
		}
	}
	return false
}

func (m *Memory) Persist(ctx context.Context, recs []*task.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for _, rec := range recs {
		cur, ok := m.recs[rec.ID]
		if !ok {
			continue
		}
		// Start transitions only land on rows still pending; a cancel that
		// raced the dispatch wins.
		if rec.State == task.StateInProgress && cur.State != task.StatePending {
			continue
		}
		cur.State = rec.State
		cur.ResultMessage = rec.ResultMessage
		cur.WarningMessage = rec.WarningMessage
		cur.FailureDetail = rec.FailureDetail
		cur.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) Get(ctx context.Context, id int64) (*task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Cancel(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	switch rec.State {
	case task.StateCancelled:
		return nil // idempotent
	case task.StatePending:
		rec.State = task.StateCancelled
		rec.UpdatedAt = time.Now()
		return nil
	default:
		return task.ErrNotCancellable
	}
}

func (m *Memory) Close() error { return nil }
