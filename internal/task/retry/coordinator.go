// Package retry schedules bounded re-attempts of failed job runs, one state
// machine per (scheduler type, task id).
package retry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"intentd/internal/eventbus"
	"intentd/internal/intent"
	logx "intentd/pkg/logx"
)

const EventScheduled = "retry.scheduled"

const (
	DefaultRetryDelay            = 5 * time.Minute
	DefaultMaxRetries            = 3
	DefaultResourceReleaseBuffer = 2 * time.Second
)

// Policy bounds retries. Total attempts per intent are 1 + MaxRetries.
type Policy struct {
	RetryDelay            time.Duration
	MaxRetries            int
	ResourceReleaseBuffer time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RetryDelay:            DefaultRetryDelay,
		MaxRetries:            DefaultMaxRetries,
		ResourceReleaseBuffer: DefaultResourceReleaseBuffer,
	}
}

type Key struct {
	SchedulerType string
	TaskID        string
}

func (k Key) String() string { return k.SchedulerType + "/" + k.TaskID }

// Decision is the outcome of reporting a failure.
type Decision struct {
	Scheduled  bool
	Attempt    int // retry number, 1-based
	Delay      time.Duration
	Contention bool
	// Exhausted is set when no retry was armed: the budget is spent or the
	// error is permanent. The caller marks the intent failed.
	Exhausted bool
	// Superseded is the intent whose armed retry was dropped to make room
	// for this one. It gets no further attempt; the caller marks it failed.
	Superseded string
}

// Scheduled is the payload of retry.scheduled events.
type Scheduled struct {
	SchedulerType string        `json:"scheduler_type"`
	TaskID        string        `json:"task_id"`
	IntentID      string        `json:"intent_id"`
	Attempt       int           `json:"attempt"`
	Delay         time.Duration `json:"delay"`
	DueAt         time.Time     `json:"due_at"`
	Contention    bool          `json:"contention"`
	Err           string        `json:"err,omitempty"`
}

type entry struct {
	intentID string
	attempts int
	ver      uint64
	timer    *time.Timer
	dueAt    time.Time
}

// Coordinator owns every pending retry timer. Timer callbacks carry the
// generation and version they were armed with and do nothing once either
// moved on, so Cancel and ClearAll never leave a callback that still fires.
type Coordinator struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	policy  Policy
	entries map[Key]*entry
	// attempt counts of fired retries displaced by another intent of the
	// same key, picked up again when that retry reports back
	parked map[string]int
	gen    uint64
	hooks   []func()
}

func New(p Policy, log logx.Logger, bus eventbus.Bus) *Coordinator {
	return &Coordinator{
		log:     log,
		bus:     bus,
		policy:  normalize(p),
		entries: map[Key]*entry{},
		parked:  map[string]int{},
	}
}

func normalize(p Policy) Policy {
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.ResourceReleaseBuffer < 0 {
		p.ResourceReleaseBuffer = 0
	}
	return p
}

// SetPolicy swaps the policy for future decisions. Armed timers keep their delay.
func (c *Coordinator) SetPolicy(p Policy) {
	c.mu.Lock()
	c.policy = normalize(p)
	c.mu.Unlock()
}

func (c *Coordinator) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// OnClear registers a hook run by ClearAll after timers are cancelled.
func (c *Coordinator) OnClear(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Delay computes the wait before the next attempt for err.
func (c *Coordinator) Delay(err error) (time.Duration, bool) {
	c.mu.Lock()
	p := c.policy
	c.mu.Unlock()
	return delayFor(p, err)
}

func delayFor(p Policy, err error) (time.Duration, bool) {
	d := p.RetryDelay
	var hint intent.RetryHint
	if errors.As(err, &hint) && hint.RetryAfter() > d {
		d = hint.RetryAfter()
	}
	contention := intent.IsResourceContention(err)
	if contention {
		d += p.ResourceReleaseBuffer
	}
	return d, contention
}

// Failed records a failed attempt of intentID and, while the budget allows,
// arms a timer that calls fire. fire must only hand work off; it runs on the
// timer goroutine.
//
// A key holds one retry at a time. When another intent of the same task still
// has a timer armed, that timer is dropped and its id returned in
// Decision.Superseded. A retry that already fired is in flight and reports
// back on its own, so it is never superseded.
func (c *Coordinator) Failed(k Key, intentID string, err error, fire func()) Decision {
	if IsNoRetry(err) {
		c.Settle(k, intentID)
		return Decision{Exhausted: true}
	}

	var superseded string
	c.mu.Lock()
	cur := c.entries[k]
	attempts := c.parked[intentID]
	if cur != nil && cur.intentID == intentID {
		attempts = cur.attempts
	}
	if attempts >= c.policy.MaxRetries {
		delete(c.parked, intentID)
		if cur != nil && cur.intentID == intentID {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		c.log.Warn("retries exhausted", logx.String("key", k.String()), logx.String("intent_id", intentID), logx.Int("retries", attempts), logx.Err(err))
		return Decision{Attempt: attempts, Exhausted: true}
	}

	e := cur
	if e == nil || e.intentID != intentID {
		switch {
		case e != nil && e.timer != nil:
			// a callback already blocked on mu sees the new entry and bails
			e.timer.Stop()
			superseded = e.intentID
		case e != nil:
			c.parked[e.intentID] = e.attempts
		}
		e = &entry{intentID: intentID, attempts: attempts}
		delete(c.parked, intentID)
		c.entries[k] = e
	}

	delay, contention := delayFor(c.policy, err)
	e.attempts++
	e.ver++
	if e.timer != nil {
		e.timer.Stop()
	}
	e.dueAt = time.Now().Add(delay)

	gen, ver, attempt, armed := c.gen, e.ver, e.attempts, e
	e.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.gen != gen || c.entries[k] != armed || armed.ver != ver {
			c.mu.Unlock()
			return
		}
		armed.timer = nil
		armed.dueAt = time.Time{}
		c.mu.Unlock()
		fire()
	})
	dueAt := e.dueAt
	c.mu.Unlock()

	if superseded != "" {
		c.log.Warn("armed retry superseded", logx.String("key", k.String()), logx.String("intent_id", superseded), logx.String("by", intentID))
	}
	c.log.Info("retry scheduled",
		logx.String("key", k.String()),
		logx.String("intent_id", intentID),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.Bool("contention", contention),
		logx.Err(err),
	)
	ev := Scheduled{
		SchedulerType: k.SchedulerType,
		TaskID:        k.TaskID,
		IntentID:      intentID,
		Attempt:       attempt,
		Delay:         delay,
		DueAt:         dueAt,
		Contention:    contention,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	eventbus.Publish(c.bus, EventScheduled, ev)
	return Decision{Scheduled: true, Attempt: attempt, Delay: delay, Contention: contention, Superseded: superseded}
}

// Succeeded returns k to idle.
func (c *Coordinator) Succeeded(k Key) { c.Cancel(k) }

// Cancel stops a pending retry for k and forgets its attempt count.
func (c *Coordinator) Cancel(k Key) {
	c.mu.Lock()
	if e := c.entries[k]; e != nil {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, k)
	}
	c.mu.Unlock()
}

// Settle is Cancel limited to the entry of intentID. A retry armed for
// another intent of the same task is left alone.
func (c *Coordinator) Settle(k Key, intentID string) {
	c.mu.Lock()
	delete(c.parked, intentID)
	if e := c.entries[k]; e != nil && e.intentID == intentID {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, k)
	}
	c.mu.Unlock()
}

// Attempts returns the number of retries already armed for k.
func (c *Coordinator) Attempts(k Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[k]; e != nil {
		return e.attempts
	}
	return 0
}

// AttemptsOf is Attempts for the retry of intentID, which may have been
// displaced from k by another intent while in flight.
func (c *Coordinator) AttemptsOf(k Key, intentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[k]; e != nil && e.intentID == intentID {
		return e.attempts
	}
	return c.parked[intentID]
}

// Pending reports whether a retry timer for k is armed and not yet fired.
func (c *Coordinator) Pending(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[k]
	return e != nil && e.timer != nil
}

// PendingRetry describes an armed retry.
type PendingRetry struct {
	Key      Key
	IntentID string
	Attempt  int
	DueAt    time.Time
}

func (c *Coordinator) Snapshot() []PendingRetry {
	c.mu.Lock()
	out := make([]PendingRetry, 0, len(c.entries))
	for k, e := range c.entries {
		if e.timer == nil {
			continue
		}
		out = append(out, PendingRetry{Key: k, IntentID: e.intentID, Attempt: e.attempts, DueAt: e.dueAt})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// ClearAll cancels every pending retry and runs the OnClear hooks. It never
// touches persisted intents. It returns the number of timers cancelled.
func (c *Coordinator) ClearAll() int {
	c.mu.Lock()
	n := 0
	for _, e := range c.entries {
		if e.timer != nil && e.timer.Stop() {
			n++
		}
	}
	c.entries = map[Key]*entry{}
	c.parked = map[string]int{}
	c.gen++
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	c.log.Info("retries cleared", logx.Int("cancelled", n))
	return n
}
