// Package jobs defines the contract between scheduler adapters and the work
// they trigger.
package jobs

import "context"

// Trigger names why a body is being invoked.
type Trigger string

const (
	TriggerLive     Trigger = "live"
	TriggerRetry    Trigger = "retry"
	TriggerRecovery Trigger = "recovery"
	TriggerManual   Trigger = "manual"
)

// ExecContext is what a body learns about the attempt it serves.
// ExecutionID is already stored on the intent when the body is called, so a
// body that keys its execution record by it can later prove the run happened.
type ExecContext struct {
	IntentID      string
	ExecutionID   string
	SchedulerType string
	IntendedDate  string
	Attempt       int
	Trigger       Trigger
}

// Result reports one body invocation. ExecutionID references the body's own
// execution record and is stored on the intent.
type Result struct {
	Success     bool
	ExecutionID string
	Err         error
}

// Body runs the work for a task of one job family.
type Body interface {
	Execute(ctx context.Context, taskID string, ec ExecContext) Result
}

// Func adapts a function to Body.
type Func func(ctx context.Context, taskID string, ec ExecContext) Result

func (f Func) Execute(ctx context.Context, taskID string, ec ExecContext) Result {
	return f(ctx, taskID, ec)
}

// ExecutionChecker is implemented by bodies that can tell whether an
// execution they started actually left a record. Recovery uses it to settle
// intents stuck in running.
type ExecutionChecker interface {
	ExecutionExists(ctx context.Context, executionID string) (bool, error)
}

// ExecutionIDMinter is implemented by bodies that want their own execution id
// format. Others get a random uuid.
type ExecutionIDMinter interface {
	NewExecutionID() string
}

// Resetter is implemented by bodies holding in-memory execution markers that
// must be dropped when all retries are cleared.
type Resetter interface {
	Reset()
}

// Failed is shorthand for a failed Result.
func Failed(err error) Result { return Result{Err: err} }

// Succeeded is shorthand for a successful Result.
func Succeeded(executionID string) Result { return Result{Success: true, ExecutionID: executionID} }
