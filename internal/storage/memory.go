package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"intentd/internal/intent"
)

// Memory is an in-process intent.Backend. It backs the "memory" driver and
// tests; nothing survives a restart.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]intent.ExecutionIntent
	byKey map[intent.Key]string
}

func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[string]intent.ExecutionIntent),
		byKey: make(map[intent.Key]string),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Insert(_ context.Context, in intent.ExecutionIntent) (intent.ExecutionIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := in.Key()
	if id, ok := m.byKey[k]; ok {
		return m.byID[id], false, nil
	}
	m.byID[in.ID] = in
	m.byKey[k] = in.ID
	return in, true, nil
}

func (m *Memory) Get(_ context.Context, id string) (intent.ExecutionIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.byID[id]
	if !ok {
		return intent.ExecutionIntent{}, intent.ErrNotFound
	}
	return in, nil
}

func (m *Memory) FindByNaturalKey(_ context.Context, k intent.Key) (intent.ExecutionIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[k]
	if !ok {
		return intent.ExecutionIntent{}, intent.ErrNotFound
	}
	return m.byID[id], nil
}

func (m *Memory) Transition(_ context.Context, id string, from intent.Status, u intent.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.byID[id]
	if !ok {
		return intent.ErrNotFound
	}
	if in.Status != from {
		return &intent.TransitionError{ID: id, From: from, To: u.Status, Current: in.Status}
	}
	u.Apply(&in)
	m.byID[id] = in
	return nil
}

func (m *Memory) FindStalePending(_ context.Context, now time.Time) ([]intent.ExecutionIntent, error) {
	out := m.collect(func(in intent.ExecutionIntent) bool {
		return in.Status == intent.StatusPending && in.WindowEnd.Before(now)
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IntendedDate != out[j].IntendedDate {
			return out[i].IntendedDate < out[j].IntendedDate
		}
		return out[i].WindowEnd.Before(out[j].WindowEnd)
	})
	return out, nil
}

func (m *Memory) FindStaleRunning(_ context.Context, startedBefore time.Time) ([]intent.ExecutionIntent, error) {
	out := m.collect(func(in intent.ExecutionIntent) bool {
		return in.Status == intent.StatusRunning && !in.ActualStartedAt.IsZero() && in.ActualStartedAt.Before(startedBefore)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActualStartedAt.Before(out[j].ActualStartedAt) })
	return out, nil
}

func (m *Memory) LatestForTask(_ context.Context, schedulerType, taskID string) (intent.ExecutionIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  intent.ExecutionIntent
		found bool
	)
	for _, in := range m.byID {
		if in.SchedulerType != schedulerType || in.TaskID != taskID {
			continue
		}
		if !found || in.IntendedDate > best.IntendedDate {
			best, found = in, true
		}
	}
	if !found {
		return intent.ExecutionIntent{}, intent.ErrNotFound
	}
	return best, nil
}

func (m *Memory) List(_ context.Context, f intent.Filter) ([]intent.ExecutionIntent, error) {
	out := m.collect(f.Match)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IntendedDate != b.IntendedDate {
			return a.IntendedDate < b.IntendedDate
		}
		if a.SchedulerType != b.SchedulerType {
			return a.SchedulerType < b.SchedulerType
		}
		return a.TaskID < b.TaskID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, in := range m.byID {
		if in.Status.Terminal() && in.CreatedAt.Before(cutoff) {
			delete(m.byID, id)
			delete(m.byKey, in.Key())
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored intents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Memory) collect(keep func(intent.ExecutionIntent) bool) []intent.ExecutionIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []intent.ExecutionIntent
	for _, in := range m.byID {
		if keep(in) {
			out = append(out, in)
		}
	}
	return out
}
