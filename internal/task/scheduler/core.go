package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"intentd/internal/intent"
	"intentd/internal/jobs"
	"intentd/internal/task/engine"
	"intentd/internal/task/retry"
	logx "intentd/pkg/logx"
)

// Core owns the adapter registry and the references every adapter shares:
// the intent store, the dedup guard, the retry coordinator and the engine.
// One Core is built per process and passed to whoever needs it.
type Core struct {
	log    logx.Logger
	store  *intent.Store
	guard  Guard
	retry  *retry.Coordinator
	engine *engine.Service
	loc    *time.Location
	now    func() time.Time

	mu       sync.Mutex
	families map[string]*Adapter
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc

	// in-flight markers per natural key; release only clears the token it set.
	imu      sync.Mutex
	inflight map[string]uint64
	tokenSeq uint64

	wg sync.WaitGroup

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Option func(*Core)

func WithClock(now func() time.Time) Option {
	return func(c *Core) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(c *Core) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithEngine hands fires to e. Without a running engine, fires run on their
// own goroutine.
func WithEngine(e *engine.Service) Option { return func(c *Core) { c.engine = e } }

func NewCore(store *intent.Store, guard Guard, rc *retry.Coordinator, log logx.Logger, opts ...Option) *Core {
	c := &Core{
		log:         log,
		store:       store,
		guard:       guard,
		retry:       rc,
		loc:         time.Local,
		now:         time.Now,
		families:    map[string]*Adapter{},
		inflight:    map[string]uint64{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(c)
	}
	rc.OnClear(c.resetExecuting)
	return c
}

// LoadLocation resolves an IANA zone name, falling back to Local.
func LoadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (c *Core) Location() *time.Location { return c.loc }

func (c *Core) Now() time.Time { return c.now() }

func (c *Core) Today() string { return intent.DateOf(c.now(), c.loc) }

func (c *Core) Store() *intent.Store { return c.store }

func (c *Core) Retry() *retry.Coordinator { return c.retry }

// Register adds a family. Registering a type twice is an error; use Apply
// to replace the whole set.
func (c *Core) Register(f Family) error {
	a, err := newAdapter(c, f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, dup := c.families[a.typ]; dup {
		c.mu.Unlock()
		return fmt.Errorf("scheduler type %q already registered", a.typ)
	}
	c.families[a.typ] = a
	running, ctx := c.running, c.baseCtx
	c.mu.Unlock()

	if running {
		a.armAll(ctx)
	}
	return nil
}

// Apply replaces every family. Tasks disabled by a schedule error are
// re-parsed, and timers are re-armed when the core is running.
func (c *Core) Apply(fams []Family) error {
	next := make(map[string]*Adapter, len(fams))
	for _, f := range fams {
		a, err := newAdapter(c, f)
		if err != nil {
			return err
		}
		if _, dup := next[a.typ]; dup {
			return fmt.Errorf("scheduler type %q listed twice", a.typ)
		}
		next[a.typ] = a
	}

	c.mu.Lock()
	prev := c.families
	c.families = next
	running, ctx := c.running, c.baseCtx
	c.mu.Unlock()

	for _, a := range prev {
		a.stopAll()
	}
	if running {
		for _, a := range next {
			a.armAll(ctx)
		}
	}
	c.log.Info("families applied", logx.Int("families", len(next)))
	return nil
}

func (c *Core) Adapter(schedulerType string) (*Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.families[schedulerType]
	return a, ok
}

// Types returns the registered scheduler types, sorted.
func (c *Core) Types() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.families))
	for t := range c.families {
		out = append(out, t)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

func (c *Core) adapters() []*Adapter {
	c.mu.Lock()
	out := make([]*Adapter, 0, len(c.families))
	for _, a := range c.families {
		out = append(out, a)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].typ < out[j].typ })
	return out
}

// Start arms a timer for every enabled task. Call it after recovery so a
// live fire and a catch-up never race for the same day.
func (c *Core) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.baseCtx, c.cancel = context.WithCancel(ctx)
	c.running = true
	runCtx := c.baseCtx
	c.mu.Unlock()

	adapters := c.adapters()
	for _, a := range adapters {
		a.armAll(runCtx)
	}
	c.log.Info("scheduler started", logx.String("tz", c.loc.String()), logx.Int("families", len(adapters)))
}

// Stop disarms every timer, cancels fallback runs and waits for them.
// Engine-run bodies are cancelled by stopping the engine.
func (c *Core) Stop(ctx context.Context) {
	start := time.Now()
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	for _, a := range c.adapters() {
		a.stopAll()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("scheduler stop timed out waiting for runs", logx.Err(ctx.Err()))
	}
	c.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (c *Core) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Core) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx != nil && c.running {
		return c.baseCtx
	}
	return context.Background()
}

// Run sends in through its family's execution path.
func (c *Core) Run(ctx context.Context, in intent.ExecutionIntent, trig jobs.Trigger, opts RunOptions) RunResult {
	a, ok := c.Adapter(in.SchedulerType)
	if !ok {
		c.log.Warn("no adapter for intent", logx.String("key", in.Key().String()), logx.String("intent_id", in.ID))
		return RunResult{Outcome: OutcomeMissing, IntentID: in.ID, Err: ErrUnknownFamily}
	}
	return a.Run(ctx, in, trig, opts)
}

// Owns reports whether a configured task backs in.
func (c *Core) Owns(in intent.ExecutionIntent) bool {
	a, ok := c.Adapter(in.SchedulerType)
	if !ok {
		return false
	}
	_, ok = a.task(in.TaskID)
	return ok
}

// Backfill declares intents for occurrences whose window closed since the
// last declared intent of each task, looking back no further than since.
func (c *Core) Backfill(ctx context.Context, since time.Time) int {
	now := c.now()
	n := 0
	for _, a := range c.adapters() {
		n += a.Backfill(ctx, since, now)
	}
	if n > 0 {
		c.log.Info("missed occurrences declared", logx.Int("count", n), logx.Time("since", since))
	}
	return n
}

// Execute is the manual trigger: it runs the intent for opts.Date (today by
// default) through the normal execution path and waits for the result.
func (c *Core) Execute(ctx context.Context, opts ExecuteOptions) (RunResult, error) {
	a, ok := c.Adapter(strings.TrimSpace(opts.SchedulerType))
	if !ok {
		return RunResult{}, fmt.Errorf("%w: %s", ErrUnknownFamily, opts.SchedulerType)
	}
	taskID := strings.TrimSpace(opts.TaskID)
	if _, ok := a.task(taskID); !ok {
		return RunResult{}, fmt.Errorf("%w: %s/%s", ErrUnknownTask, a.typ, taskID)
	}
	date := strings.TrimSpace(opts.Date)
	if date == "" {
		date = c.Today()
	}
	if _, err := intent.StartOfDate(date, c.loc); err != nil {
		return RunResult{}, fmt.Errorf("date %q: expected YYYY-MM-DD", date)
	}

	in, found := c.store.FindByNaturalKey(ctx, a.typ, taskID, date)
	if !found {
		var err error
		in, err = c.store.Create(ctx, a.typ, taskID, date, a.windowOn(taskID, date))
		if err != nil && in.ID == "" {
			return RunResult{}, err
		}
	}
	return a.Run(ctx, in, jobs.TriggerManual, RunOptions{NoRetry: opts.NoRetry}), nil
}

func (c *Core) HasRunToday(ctx context.Context, schedulerType, taskID string) bool {
	return c.guard.HasRunToday(ctx, schedulerType, taskID)
}

// ExecutionExists asks the family body whether the execution referenced by
// in left a record. Bodies that cannot tell answer false.
func (c *Core) ExecutionExists(ctx context.Context, in intent.ExecutionIntent) bool {
	a, ok := c.Adapter(in.SchedulerType)
	if !ok {
		return false
	}
	return a.executionExists(ctx, in)
}

// ClearAllRetries cancels every pending retry and drops in-flight markers.
// Intents are left as they are.
func (c *Core) ClearAllRetries() int {
	return c.retry.ClearAll()
}

// Busy reports whether any intent is executing right now.
func (c *Core) Busy() bool {
	c.imu.Lock()
	defer c.imu.Unlock()
	return len(c.inflight) > 0
}

func (c *Core) resetExecuting() {
	c.imu.Lock()
	c.inflight = map[string]uint64{}
	c.imu.Unlock()
	if c.engine != nil {
		c.engine.ResetRunStates()
	}
	for _, a := range c.adapters() {
		if r, ok := a.body.(jobs.Resetter); ok {
			r.Reset()
		}
	}
}

func (c *Core) acquire(k intent.Key) (uint64, bool) {
	key := k.String()
	c.imu.Lock()
	defer c.imu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return 0, false
	}
	c.tokenSeq++
	c.inflight[key] = c.tokenSeq
	return c.tokenSeq, true
}

func (c *Core) release(k intent.Key, token uint64) {
	key := k.String()
	c.imu.Lock()
	if c.inflight[key] == token {
		delete(c.inflight, key)
	}
	c.imu.Unlock()
}

// goRun runs fn outside the engine, tracked so Stop can wait for it.
func (c *Core) goRun(fn func(ctx context.Context)) {
	ctx := c.runContext()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

var errBodyFailed = errors.New("job body reported failure")
