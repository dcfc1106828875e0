package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentd/internal/dedup"
	"intentd/internal/intent"
	"intentd/internal/jobs"
	"intentd/internal/storage"
	"intentd/internal/task/engine"
	"intentd/internal/task/retry"
	logx "intentd/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	core  *Core
	store *intent.Store
	clock *clock
}

func newFixture(t *testing.T, p retry.Policy, opts ...Option) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, plus7)}
	store := intent.NewStore(storage.NewMemory(), logx.Nop(), intent.WithClock(clk.Now), intent.WithWriteRetry(1, 0))
	guard := dedup.New(store, plus7, dedup.WithClock(clk.Now))
	rc := retry.New(p, logx.Nop(), nil)
	opts = append([]Option{WithClock(clk.Now), WithLocation(plus7)}, opts...)
	c := NewCore(store, guard, rc, logx.Nop(), opts...)
	t.Cleanup(func() {
		rc.ClearAll()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Stop(ctx)
	})
	return &fixture{core: c, store: store, clock: clk}
}

// recorder is a scripted body: each call pops the next result, the last one
// repeats.
type recorder struct {
	mu      sync.Mutex
	results []jobs.Result
	calls   []jobs.ExecContext
	block   chan struct{}
	started chan struct{}
}

func (r *recorder) Execute(ctx context.Context, _ string, ec jobs.ExecContext) jobs.Result {
	r.mu.Lock()
	r.calls = append(r.calls, ec)
	res := jobs.Succeeded("exec-ok")
	if len(r.results) > 0 {
		res = r.results[0]
		if len(r.results) > 1 {
			r.results = r.results[1:]
		}
	}
	block, started := r.block, r.started
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return jobs.Failed(ctx.Err())
		}
	}
	return res
}

func (r *recorder) Calls() []jobs.ExecContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.ExecContext(nil), r.calls...)
}

func (f *fixture) register(t *testing.T, body jobs.Body, tasks ...TaskDef) {
	t.Helper()
	if len(tasks) == 0 {
		tasks = []TaskDef{{ID: "db", Schedule: "daily 02:00"}}
	}
	require.NoError(t, f.core.Register(Family{Type: "backup", Body: body, Window: 2 * time.Hour, Tasks: tasks}))
}

func (f *fixture) declare(t *testing.T, date string) intent.ExecutionIntent {
	t.Helper()
	start, err := intent.StartOfDate(date, plus7)
	require.NoError(t, err)
	start = start.Add(2 * time.Hour)
	in, err := f.store.Create(context.Background(), "backup", "db", date, intent.Window{Start: start, End: start.Add(2 * time.Hour)})
	require.NoError(t, err)
	return in
}

func (f *fixture) status(t *testing.T, id string) intent.ExecutionIntent {
	t.Helper()
	in, ok := f.store.Get(context.Background(), id)
	require.True(t, ok)
	return in
}

func TestRunCompletesPendingIntent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	body := &recorder{}
	f.register(t, body)
	in := f.declare(t, "2026-03-09")

	res := f.core.Run(context.Background(), in, jobs.TriggerRecovery, RunOptions{})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, "exec-ok", res.ExecutionID)

	got := f.status(t, in.ID)
	assert.Equal(t, intent.StatusCompleted, got.Status)
	assert.Equal(t, "exec-ok", got.ActualExecutionID)
	assert.False(t, got.ActualStartedAt.IsZero())

	calls := body.Calls()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].ExecutionID)
	calls[0].ExecutionID = ""
	assert.Equal(t, jobs.ExecContext{IntentID: in.ID, SchedulerType: "backup", IntendedDate: "2026-03-09", Attempt: 1, Trigger: jobs.TriggerRecovery}, calls[0])
}

// vouchingBody vouches for every execution id it was handed.
type vouchingBody struct {
	*recorder
}

func (p vouchingBody) ExecutionExists(_ context.Context, id string) (bool, error) {
	for _, c := range p.Calls() {
		if c.ExecutionID == id {
			return true, nil
		}
	}
	return false, nil
}

func (p vouchingBody) NewExecutionID() string { return "rec-1" }

func TestRunStoresExecutionIDBeforeBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	body := vouchingBody{&recorder{block: make(chan struct{}), started: make(chan struct{}, 1)}}
	f.register(t, body)
	in := f.declare(t, "2026-03-10")

	done := make(chan RunResult, 1)
	go func() { done <- f.core.Run(context.Background(), in, jobs.TriggerLive, RunOptions{}) }()
	<-body.started

	mid := f.status(t, in.ID)
	calls := body.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, intent.StatusRunning, mid.Status)
	assert.Regexp(t, `^rec-`, mid.ActualExecutionID)
	assert.Equal(t, calls[0].ExecutionID, mid.ActualExecutionID)
	assert.True(t, f.core.ExecutionExists(context.Background(), mid))

	close(body.block)
	require.Equal(t, OutcomeCompleted, (<-done).Outcome)
}

func TestRunRetryReusesExecutionID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.Policy{RetryDelay: 5 * time.Millisecond, MaxRetries: 2})
	body := &recorder{results: []jobs.Result{jobs.Failed(errors.New("exit 1")), {Success: true}}}
	f.register(t, body)
	in := f.declare(t, "2026-03-10")

	require.Equal(t, OutcomeRetryScheduled, f.core.Run(context.Background(), in, jobs.TriggerLive, RunOptions{}).Outcome)
	require.Eventually(t, func() bool {
		return f.status(t, in.ID).Status == intent.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	calls := body.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].ExecutionID, calls[1].ExecutionID)
	assert.Equal(t, calls[0].ExecutionID, f.status(t, in.ID).ActualExecutionID)
}

func TestRunFailsIntentWhoseRetryWasSuperseded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.Policy{RetryDelay: time.Hour, MaxRetries: 3})
	f.register(t, &recorder{results: []jobs.Result{jobs.Failed(errors.New("exit 1"))}})
	day1 := f.declare(t, "2026-03-08")
	day2 := f.declare(t, "2026-03-09")

	// recovery replays missed days one after another
	require.Equal(t, OutcomeRetryScheduled, f.core.Run(context.Background(), day1, jobs.TriggerRecovery, RunOptions{}).Outcome)
	res := f.core.Run(context.Background(), day2, jobs.TriggerRecovery, RunOptions{})
	require.Equal(t, OutcomeRetryScheduled, res.Outcome)
	assert.Equal(t, day1.ID, res.Retry.Superseded)

	got := f.status(t, day1.ID)
	assert.Equal(t, intent.StatusFailed, got.Status)
	assert.Equal(t, "superseded by retry of 2026-03-09", got.ErrorMessage)
	assert.Equal(t, intent.StatusRunning, f.status(t, day2.ID).Status)

	pending := f.core.Retry().Snapshot()
	require.Len(t, pending, 1)
	assert.Equal(t, day2.ID, pending[0].IntentID)
}

func TestRunRecordsCatchUpOfFailedIntent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.Policy{RetryDelay: 5 * time.Millisecond, MaxRetries: 2})
	body := &recorder{results: []jobs.Result{jobs.Failed(errors.New("exit 1")), jobs.Succeeded("exec-late")}}
	f.register(t, body)
	in := f.declare(t, "2026-03-09")
	ctx := context.Background()
	require.NoError(t, f.store.MarkRunning(ctx, in.ID, "exec-lost"))
	require.NoError(t, f.store.MarkFailed(ctx, in.ID, "presumed crashed"))

	// the re-run fails first and is retried without touching the row
	res := f.core.Run(ctx, in, jobs.TriggerRecovery, RunOptions{})
	require.Equal(t, OutcomeRetryScheduled, res.Outcome)
	assert.Equal(t, intent.StatusFailed, f.status(t, in.ID).Status)

	require.Eventually(t, func() bool {
		return f.status(t, in.ID).CaughtUp()
	}, 2*time.Second, 5*time.Millisecond)
	got := f.status(t, in.ID)
	assert.Equal(t, intent.StatusFailed, got.Status)
	assert.Equal(t, "presumed crashed", got.ErrorMessage)
	assert.Equal(t, "exec-late", got.ActualExecutionID)

	// a restart inside the window does not run the date again
	assert.Equal(t, OutcomeAlreadyDone, f.core.Run(ctx, in, jobs.TriggerLive, RunOptions{}).Outcome)
	assert.Len(t, body.Calls(), 2)
}

func TestRunSkipsBodyWhenDateAlreadyCompleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	body := &recorder{}
	f.register(t, body)
	in := f.declare(t, "2026-03-10")
	require.Equal(t, OutcomeCompleted, f.core.Run(context.Background(), in, jobs.TriggerLive, RunOptions{}).Outcome)

	// a stale copy still says pending
	res := f.core.Run(context.Background(), in, jobs.TriggerRecovery, RunOptions{})
	assert.Equal(t, OutcomeAlreadyDone, res.Outcome)
	assert.True(t, res.OK())
	assert.Len(t, body.Calls(), 1)
	assert.True(t, f.core.HasRunToday(context.Background(), "backup", "db"))
}

func TestRunRetriesWithSameIntentAfterContention(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.Policy{RetryDelay: 20 * time.Millisecond, MaxRetries: 3, ResourceReleaseBuffer: 30 * time.Millisecond})
	body := &recorder{results: []jobs.Result{
		jobs.Failed(&intent.ResourceContentionError{Resource: "/dev/ttyUSB0"}),
		jobs.Succeeded("exec-2"),
	}}
	f.register(t, body)
	in := f.declare(t, "2026-03-10")

	res := f.core.Run(context.Background(), in, jobs.TriggerLive, RunOptions{})
	require.Equal(t, OutcomeRetryScheduled, res.Outcome)
	assert.True(t, res.Retry.Contention)
	assert.Equal(t, 50*time.Millisecond, res.Retry.Delay)
	assert.Equal(t, intent.StatusRunning, f.status(t, in.ID).Status)

	require.Eventually(t, func() bool {
		return f.status(t, in.ID).Status == intent.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	calls := body.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, in.ID, calls[1].IntentID)
	assert.Equal(t, jobs.TriggerRetry, calls[1].Trigger)
	assert.Equal(t, 2, calls[1].Attempt)
	assert.Equal(t, "exec-2", f.status(t, in.ID).ActualExecutionID)
	assert.Empty(t, f.core.Retry().Snapshot())
}

func TestRunMarksFailedWhenRetriesExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.Policy{RetryDelay: 5 * time.Millisecond, MaxRetries: 1})
	body := &recorder{results: []jobs.Result{jobs.Failed(errors.New("disk full"))}}
	f.register(t, body)
	in := f.declare(t, "2026-03-10")

	require.Equal(t, OutcomeRetryScheduled, f.core.Run(context.Background(), in, jobs.TriggerLive, RunOptions{}).Outcome)
	require.Eventually(t, func() bool {
		return f.status(t, in.ID).Status == intent.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got := f.status(t, in.ID)
	assert.Contains(t, got.ErrorMessage, "disk full")
	assert.Len(t, body.Calls(), 2)
}

func TestRunNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, &recorder{results: []jobs.Result{jobs.Failed(errors.New("exit 1"))}})
	in := f.declare(t, "2026-03-10")

	res := f.core.Run(context.Background(), in, jobs.TriggerManual, RunOptions{NoRetry: true})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	var jerr *intent.JobBodyError
	require.ErrorAs(t, res.Err, &jerr)
	assert.Equal(t, "db", jerr.TaskID)
	assert.Equal(t, intent.StatusFailed, f.status(t, in.ID).Status)
	assert.False(t, f.core.Retry().Pending(retry.Key{SchedulerType: "backup", TaskID: "db"}))
}

func TestRunPermanentBodyErrorSkipsRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, &recorder{results: []jobs.Result{jobs.Failed(retry.NoRetry(errors.New("bad config")))}})
	in := f.declare(t, "2026-03-10")

	res := f.core.Run(context.Background(), in, jobs.TriggerLive, RunOptions{})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Retry.Exhausted)
}

func TestRunIsBusyWhileKeyInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	body := &recorder{block: make(chan struct{}), started: make(chan struct{}, 1)}
	f.register(t, body)
	in := f.declare(t, "2026-03-10")

	done := make(chan RunResult, 1)
	go func() { done <- f.core.Run(context.Background(), in, jobs.TriggerLive, RunOptions{}) }()
	<-body.started

	assert.Equal(t, OutcomeBusy, f.core.Run(context.Background(), in, jobs.TriggerRecovery, RunOptions{}).Outcome)
	close(body.block)
	assert.Equal(t, OutcomeCompleted, (<-done).Outcome)
	assert.Len(t, body.Calls(), 1)
}

func TestRunRunningIntentIsBusyUnlessRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	body := &recorder{}
	f.register(t, body)
	in := f.declare(t, "2026-03-10")
	require.NoError(t, f.store.MarkRunning(context.Background(), in.ID, ""))

	assert.Equal(t, OutcomeBusy, f.core.Run(context.Background(), in, jobs.TriggerRecovery, RunOptions{}).Outcome)
	assert.Equal(t, OutcomeCompleted, f.core.Run(context.Background(), in, jobs.TriggerRetry, RunOptions{}).Outcome)
	assert.Len(t, body.Calls(), 1)
}

func TestRunCancelledMarksFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	body := &recorder{block: make(chan struct{}), started: make(chan struct{}, 1)}
	f.register(t, body)
	in := f.declare(t, "2026-03-10")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan RunResult, 1)
	go func() { done <- f.core.Run(ctx, in, jobs.TriggerLive, RunOptions{}) }()
	<-body.started
	cancel()

	res := <-done
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	got := f.status(t, in.ID)
	assert.Equal(t, intent.StatusFailed, got.Status)
	assert.Equal(t, "cancelled", got.ErrorMessage)
	assert.Empty(t, f.core.Retry().Snapshot())
}

func TestRunPanicIsAFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, jobs.Func(func(context.Context, string, jobs.ExecContext) jobs.Result { panic("boom") }))
	in := f.declare(t, "2026-03-10")

	res := f.core.Run(context.Background(), in, jobs.TriggerManual, RunOptions{NoRetry: true})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, f.status(t, in.ID).ErrorMessage, "panic: boom")
}

func TestRunUnknownFamilyOrTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, &recorder{})
	in := f.declare(t, "2026-03-10")

	other := in
	other.SchedulerType = "flash"
	assert.Equal(t, OutcomeMissing, f.core.Run(context.Background(), other, jobs.TriggerRecovery, RunOptions{}).Outcome)
	assert.False(t, f.core.Owns(other))

	other = in
	other.TaskID = "gone"
	assert.Equal(t, OutcomeMissing, f.core.Run(context.Background(), other, jobs.TriggerRecovery, RunOptions{}).Outcome)
	assert.True(t, f.core.Owns(in))
}

func TestExecuteDefaultsToToday(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	body := &recorder{}
	f.register(t, body)

	res, err := f.core.Execute(context.Background(), ExecuteOptions{SchedulerType: "backup", TaskID: "db"})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	in, ok := f.store.FindByNaturalKey(context.Background(), "backup", "db", "2026-03-10")
	require.True(t, ok)
	assert.Equal(t, res.IntentID, in.ID)
	assert.True(t, in.WindowStart.Equal(time.Date(2026, 3, 10, 2, 0, 0, 0, plus7)))
	assert.Equal(t, jobs.TriggerManual, body.Calls()[0].Trigger)

	res, err = f.core.Execute(context.Background(), ExecuteOptions{SchedulerType: "backup", TaskID: "db"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDone, res.Outcome)
	assert.Len(t, body.Calls(), 1)
}

func TestExecuteRejectsUnknownTargets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, &recorder{})

	_, err := f.core.Execute(context.Background(), ExecuteOptions{SchedulerType: "nope", TaskID: "db"})
	assert.ErrorIs(t, err, ErrUnknownFamily)
	_, err = f.core.Execute(context.Background(), ExecuteOptions{SchedulerType: "backup", TaskID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = f.core.Execute(context.Background(), ExecuteOptions{SchedulerType: "backup", TaskID: "db", Date: "10/03/2026"})
	assert.Error(t, err)
}

func TestBackfillDeclaresClosedWindowsOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, &recorder{}, TaskDef{ID: "db", Schedule: "daily 02:00"}, TaskDef{ID: "never", Schedule: "daily 03:00"})
	f.declare(t, "2026-03-06")
	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, plus7))

	since := time.Date(2026, 3, 7, 0, 0, 0, 0, plus7)
	assert.Equal(t, 4, f.core.Backfill(context.Background(), since))
	assert.Zero(t, f.core.Backfill(context.Background(), since), "idempotent")

	for _, d := range []string{"2026-03-07", "2026-03-08", "2026-03-09", "2026-03-10"} {
		in, ok := f.store.FindByNaturalKey(context.Background(), "backup", "db", d)
		require.True(t, ok, d)
		assert.Equal(t, intent.StatusPending, in.Status)
	}
	assert.Empty(t, f.store.List(context.Background(), intent.Filter{TaskID: "never"}))
}

func TestBackfillRespectsLookback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, &recorder{})
	f.declare(t, "2026-03-01")
	f.clock.Set(time.Date(2026, 3, 10, 3, 0, 0, 0, plus7))

	// the 10th's window is still open at 03:00
	assert.Equal(t, 2, f.core.Backfill(context.Background(), time.Date(2026, 3, 8, 0, 0, 0, 0, plus7)))
	_, ok := f.store.FindByNaturalKey(context.Background(), "backup", "db", "2026-03-07")
	assert.False(t, ok)
}

func TestStartDeclaresNextOccurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, &recorder{}, TaskDef{ID: "db", Schedule: "daily 02:00"}, TaskDef{ID: "broken", Schedule: "61 * * * *"}, TaskDef{ID: "off", Schedule: "daily 05:00", Disabled: true})
	f.core.Start(context.Background())

	in, ok := f.store.FindByNaturalKey(context.Background(), "backup", "db", "2026-03-11")
	require.True(t, ok)
	assert.Equal(t, intent.StatusPending, in.Status)
	assert.Empty(t, f.store.List(context.Background(), intent.Filter{TaskID: "off"}))

	snap := f.core.Snapshot()
	assert.True(t, snap.Running)
	require.Len(t, snap.Schedules, 3)
	byID := map[string]ScheduleInfo{}
	for _, s := range snap.Schedules {
		byID[s.TaskID] = s
	}
	assert.True(t, byID["db"].Next.Equal(time.Date(2026, 3, 11, 2, 0, 0, 0, plus7)))
	assert.Equal(t, in.ID, byID["db"].IntentID)
	assert.True(t, byID["broken"].Disabled)
	assert.NotEmpty(t, byID["broken"].Error)
	assert.True(t, byID["off"].Disabled)
}

func TestTimerFireRunsThroughEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	f := newFixture(t, retry.DefaultPolicy(), WithEngine(eng))
	now := time.Now()
	f.core.now = time.Now
	f.clock.Set(now)

	var calls atomic.Int32
	body := jobs.Func(func(_ context.Context, _ string, ec jobs.ExecContext) jobs.Result {
		calls.Add(1)
		return jobs.Succeeded("exec-" + ec.IntendedDate)
	})
	// an occurrence from the last hour is inside its window and fires at once
	f.register(t, body, TaskDef{ID: "db", Schedule: "1m"})
	f.core.Start(context.Background())

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, in := range f.store.List(context.Background(), intent.Filter{TaskID: "db"}) {
			if in.Status == intent.StatusCompleted {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestApplyReplacesFamilies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.DefaultPolicy())
	f.register(t, &recorder{}, TaskDef{ID: "db", Schedule: "61 * * * *"})
	f.core.Start(context.Background())
	assert.True(t, f.core.Snapshot().Schedules[0].Disabled)

	require.NoError(t, f.core.Apply([]Family{{Type: "backup", Body: &recorder{}, Tasks: []TaskDef{{ID: "db", Schedule: "daily 02:00"}}}}))
	snap := f.core.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.False(t, snap.Schedules[0].Disabled)
	assert.Equal(t, []string{"backup"}, f.core.Types())

	assert.Error(t, f.core.Apply([]Family{{Type: "a", Body: &recorder{}}, {Type: "a", Body: &recorder{}}}))
	assert.Error(t, f.core.Register(Family{Type: "backup", Body: &recorder{}}))
}

func TestClearAllRetriesCancelsTimersAndMarkers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, retry.Policy{RetryDelay: time.Hour, MaxRetries: 3})
	f.register(t, &recorder{results: []jobs.Result{jobs.Failed(errors.New("boom"))}})
	in := f.declare(t, "2026-03-10")

	require.Equal(t, OutcomeRetryScheduled, f.core.Run(context.Background(), in, jobs.TriggerLive, RunOptions{}).Outcome)
	_, held := f.core.acquire(intent.Key{SchedulerType: "backup", TaskID: "db", IntendedDate: "2026-03-11"})
	require.True(t, held)

	assert.Equal(t, 1, f.core.ClearAllRetries())
	assert.Empty(t, f.core.Retry().Snapshot())
	_, ok := f.core.acquire(intent.Key{SchedulerType: "backup", TaskID: "db", IntendedDate: "2026-03-11"})
	assert.True(t, ok, "markers dropped")
	assert.Equal(t, intent.StatusRunning, f.status(t, in.ID).Status, "intents untouched")
}
