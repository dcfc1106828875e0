package intent

import (
	"context"
	"time"
)

// Backend is the raw persistence contract implemented by internal/storage.
// It holds no policy: validation, ids, retries and logging live in Store.
type Backend interface {
	// Insert stores in unless its natural key already exists, in which case
	// the existing row is returned with created=false.
	Insert(ctx context.Context, in ExecutionIntent) (row ExecutionIntent, created bool, err error)
	Get(ctx context.Context, id string) (ExecutionIntent, error)
	FindByNaturalKey(ctx context.Context, k Key) (ExecutionIntent, error)
	// Transition applies u only if the row's status is still from.
	// It returns ErrNotFound for an unknown id and a *TransitionError when
	// the status no longer matches.
	Transition(ctx context.Context, id string, from Status, u Update) error
	FindStalePending(ctx context.Context, now time.Time) ([]ExecutionIntent, error)
	FindStaleRunning(ctx context.Context, startedBefore time.Time) ([]ExecutionIntent, error)
	LatestForTask(ctx context.Context, schedulerType, taskID string) (ExecutionIntent, error)
	List(ctx context.Context, f Filter) ([]ExecutionIntent, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Update carries the columns written by a status transition. Empty strings
// and zero times leave the stored value unchanged.
type Update struct {
	Status            Status
	ActualExecutionID string
	ActualStartedAt   time.Time
	ActualCompletedAt time.Time
	ErrorMessage      string
	Reason            string
	UpdatedAt         time.Time
}

// Filter selects intents for operator queries. Zero fields match everything.
type Filter struct {
	SchedulerType string
	TaskID        string
	Statuses      []Status
	FromDate      string // inclusive, YYYY-MM-DD
	ToDate        string // inclusive, YYYY-MM-DD
	Limit         int
}

// Apply mutates in the way a backend row is mutated by u.
func (u Update) Apply(in *ExecutionIntent) {
	in.Status = u.Status
	if u.ActualExecutionID != "" {
		in.ActualExecutionID = u.ActualExecutionID
	}
	if !u.ActualStartedAt.IsZero() {
		in.ActualStartedAt = u.ActualStartedAt
	}
	if !u.ActualCompletedAt.IsZero() {
		in.ActualCompletedAt = u.ActualCompletedAt
	}
	if u.ErrorMessage != "" {
		in.ErrorMessage = u.ErrorMessage
	}
	if u.Reason != "" {
		in.Reason = u.Reason
	}
	if !u.UpdatedAt.IsZero() {
		in.UpdatedAt = u.UpdatedAt
	}
}

// Match reports whether in satisfies f.
func (f Filter) Match(in ExecutionIntent) bool {
	if f.SchedulerType != "" && in.SchedulerType != f.SchedulerType {
		return false
	}
	if f.TaskID != "" && in.TaskID != f.TaskID {
		return false
	}
	if f.FromDate != "" && in.IntendedDate < f.FromDate {
		return false
	}
	if f.ToDate != "" && in.IntendedDate > f.ToDate {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if in.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
