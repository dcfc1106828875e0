package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"intentd/internal/intent"
	"intentd/internal/jobs"
	logx "intentd/pkg/logx"
)

// Run is the execution path shared by live fires, retries, recovery and
// manual triggers. Only one Run per natural key proceeds at a time; the
// others report OutcomeBusy.
//
// The execution id is chosen and stored with the running status before the
// body starts, so recovery can look it up after a crash.
//
// A failed intent can be run again (a presumed-crashed catch-up or a manual
// trigger). Its status stays failed: a successful re-run is recorded with
// RecordCatchUp, which the dedup guard honours, and a failing one is retried
// without touching the row. A crash during such a re-run leaves nothing for
// recovery to find.
func (a *Adapter) Run(ctx context.Context, in intent.ExecutionIntent, trig jobs.Trigger, opts RunOptions) RunResult {
	c := a.core
	res := RunResult{IntentID: in.ID}
	log := a.log.With(
		logx.String("key", in.Key().String()),
		logx.String("intent_id", in.ID),
		logx.String("trigger", string(trig)),
	)

	def, ok := a.task(in.TaskID)
	if !ok {
		log.Warn("run dropped: task no longer configured")
		res.Outcome, res.Err = OutcomeMissing, ErrUnknownTask
		return res
	}

	token, ok := c.acquire(in.Key())
	if !ok {
		log.Debug("run skipped: key in flight")
		res.Outcome = OutcomeBusy
		return res
	}
	defer c.release(in.Key(), token)

	persisted := true
	cur, err := c.store.Lookup(ctx, in.ID)
	switch {
	case err == nil:
		in = cur
	case errors.Is(err, intent.ErrNotFound):
		// Declared while storage was down; run it but its status cannot be
		// recorded.
		persisted = false
		log.Warn("intent not in store; running untracked")
	default:
		log.Warn("intent refresh failed; using in-memory state", logx.Err(err))
	}

	rk := retryKey(in)
	if in.Status == intent.StatusCompleted || c.guard.HasRunOn(ctx, in.SchedulerType, in.TaskID, in.IntendedDate) {
		if persisted && in.Status == intent.StatusPending {
			ref := "dedup:" + in.IntendedDate
			if err := c.store.MarkRunning(ctx, in.ID, ref); err == nil {
				_ = c.store.MarkCompleted(ctx, in.ID, ref)
			}
		}
		c.retry.Settle(rk, in.ID)
		log.Info("body skipped: already completed for date")
		res.Outcome = OutcomeAlreadyDone
		return res
	}

	execID := ""
	if in.Status == intent.StatusRunning {
		execID = in.ActualExecutionID
	}
	if execID == "" {
		execID = a.newExecutionID()
	}

	tracked := false
	switch in.Status {
	case intent.StatusPending:
		if !persisted {
			break
		}
		err := c.store.MarkRunning(ctx, in.ID, execID)
		switch {
		case err == nil:
			tracked = true
		case errors.Is(err, intent.ErrInvalidTransition):
			log.Debug("run skipped: intent claimed elsewhere", logx.Err(err))
			res.Outcome = OutcomeBusy
			return res
		case errors.Is(err, intent.ErrNotFound):
		default:
			// the store is behind; keep going on the in-memory state
			tracked = true
			log.Warn("mark running not persisted", logx.Err(err))
		}
	case intent.StatusRunning:
		if trig != jobs.TriggerRetry {
			log.Debug("run skipped: intent already running")
			res.Outcome = OutcomeBusy
			return res
		}
		tracked = true
	}
	// failed and skipped intents may be run again by hand or by a later
	// fire; their status is final and stays as it is.
	rerun := persisted && in.Status == intent.StatusFailed

	ec := jobs.ExecContext{
		IntentID:      in.ID,
		ExecutionID:   execID,
		SchedulerType: in.SchedulerType,
		IntendedDate:  in.IntendedDate,
		Attempt:       1,
		Trigger:       trig,
	}
	if trig == jobs.TriggerRetry {
		ec.Attempt = c.retry.AttemptsOf(rk, in.ID) + 1
	}

	started := time.Now()
	out := a.invoke(ctx, def, ec)
	dur := time.Since(started)
	res.ExecutionID = out.ExecutionID
	if res.ExecutionID == "" {
		res.ExecutionID = execID
	}

	if out.Success {
		switch {
		case tracked:
			if err := c.store.MarkCompleted(ctx, in.ID, out.ExecutionID); err != nil {
				log.Warn("mark completed not persisted", logx.Err(err))
			}
		case rerun:
			if err := c.store.RecordCatchUp(ctx, in.ID, res.ExecutionID); err != nil {
				log.Warn("catch-up not persisted", logx.Err(err))
			}
		}
		c.retry.Settle(rk, in.ID)
		log.Info("run completed", logx.String("execution_id", res.ExecutionID), logx.Int("attempt", ec.Attempt), logx.Duration("dur", dur))
		res.Outcome = OutcomeCompleted
		return res
	}

	cause := out.Err
	if cause == nil {
		cause = errBodyFailed
	}
	jerr := &intent.JobBodyError{SchedulerType: in.SchedulerType, TaskID: in.TaskID, Err: cause}
	res.Err = jerr

	if errors.Is(ctx.Err(), context.Canceled) {
		if tracked {
			if err := c.store.MarkFailed(context.WithoutCancel(ctx), in.ID, "cancelled"); err != nil {
				log.Warn("mark failed not persisted", logx.Err(err))
			}
		}
		c.retry.Settle(rk, in.ID)
		log.Info("run cancelled", logx.Duration("dur", dur))
		res.Outcome = OutcomeCancelled
		return res
	}

	if !tracked && !rerun {
		log.Warn("run failed; intent status unchanged", logx.String("status", string(in.Status)), logx.Err(jerr))
		res.Outcome = OutcomeFailed
		return res
	}

	if !opts.NoRetry {
		retryIn := in
		if tracked {
			retryIn.Status = intent.StatusRunning
			retryIn.ActualExecutionID = execID
		}
		d := c.retry.Failed(rk, in.ID, jerr, func() { a.dispatch(retryIn, jobs.TriggerRetry) })
		res.Retry = d
		if d.Superseded != "" {
			a.failSuperseded(ctx, d.Superseded, in.IntendedDate)
		}
		if d.Scheduled {
			log.Warn("run failed; retry scheduled", logx.Int("attempt", ec.Attempt), logx.Duration("retry_in", d.Delay), logx.Bool("contention", d.Contention), logx.Err(jerr))
			res.Outcome = OutcomeRetryScheduled
			return res
		}
	} else {
		c.retry.Settle(rk, in.ID)
	}

	if tracked {
		if err := c.store.MarkFailed(ctx, in.ID, jerr.Error()); err != nil {
			log.Warn("mark failed not persisted", logx.Err(err))
		}
	}
	log.Error("run failed", logx.Int("attempt", ec.Attempt), logx.Duration("dur", dur), logx.Err(jerr))
	res.Outcome = OutcomeFailed
	return res
}

// failSuperseded closes an intent whose armed retry gave way to a retry of
// another date of the same task.
func (a *Adapter) failSuperseded(ctx context.Context, id, by string) {
	err := a.core.store.MarkFailed(ctx, id, "superseded by retry of "+by)
	switch {
	case err == nil:
		a.log.Warn("intent failed: retry superseded", logx.String("intent_id", id), logx.String("by", by))
	case errors.Is(err, intent.ErrInvalidTransition):
		// a failed re-run keeps its status
	default:
		a.log.Warn("mark failed not persisted", logx.String("intent_id", id), logx.Err(err))
	}
}

func (a *Adapter) newExecutionID() string {
	if m, ok := a.body.(jobs.ExecutionIDMinter); ok {
		if id := m.NewExecutionID(); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// invoke calls the body under the task timeout. A panic is reported as a
// failed result.
func (a *Adapter) invoke(ctx context.Context, def TaskDef, ec jobs.ExecContext) (res jobs.Result) {
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("job body panic", logx.String("task", def.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = jobs.Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	return a.body.Execute(ctx, def.ID, ec)
}
