package scheduler

import (
	"context"
	"errors"
	"time"

	"intentd/internal/intent"
	"intentd/internal/jobs"
	"intentd/internal/task/retry"
)

const DefaultWindow = 2 * time.Hour

var (
	ErrUnknownFamily = errors.New("unknown scheduler type")
	ErrUnknownTask   = errors.New("unknown task")
)

// Family is one job family: a scheduler type with its body and tasks.
type Family struct {
	Type string
	Body jobs.Body
	// Exclusive families run at most one body at a time.
	Exclusive bool
	// Window is how long after an occurrence a fire still counts as on time.
	Window time.Duration
	Tasks  []TaskDef
}

type TaskDef struct {
	ID       string
	Schedule string
	Timeout  time.Duration
	Disabled bool
}

// Guard is the dedup check consulted before every body invocation.
type Guard interface {
	HasRunOn(ctx context.Context, schedulerType, taskID, date string) bool
	HasRunToday(ctx context.Context, schedulerType, taskID string) bool
}

// Outcome classifies one pass through the execution path.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeAlreadyDone    Outcome = "already_done"
	OutcomeFailed         Outcome = "failed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeBusy           Outcome = "busy"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeMissing        Outcome = "missing"
)

// RunResult is what the execution path reports back to its caller.
type RunResult struct {
	Outcome     Outcome
	IntentID    string
	ExecutionID string
	Err         error
	Retry       retry.Decision
}

// OK reports whether the day's work is done.
func (r RunResult) OK() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeAlreadyDone
}

// RunOptions tweak one pass through the execution path.
type RunOptions struct {
	// NoRetry marks the intent failed on the first failure instead of
	// arming a retry.
	NoRetry bool
}

// ExecuteOptions selects the intent a manual trigger runs.
type ExecuteOptions struct {
	SchedulerType string
	TaskID        string
	// Date is YYYY-MM-DD in the scheduler location; empty means today.
	Date    string
	NoRetry bool
}

// ScheduleInfo describes one task for diagnostics.
type ScheduleInfo struct {
	SchedulerType string
	TaskID        string
	Schedule      string
	Next          time.Time
	IntentID      string
	Disabled      bool
	Error         string
	RetryPending  bool
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	Retries   []retry.PendingRetry
	Engine    EngineStats
	History   []HistoryItem
}

func retryKey(in intent.ExecutionIntent) retry.Key {
	return retryKeyFor(in.SchedulerType, in.TaskID)
}

func retryKeyFor(schedulerType, taskID string) retry.Key {
	return retry.Key{SchedulerType: schedulerType, TaskID: taskID}
}
