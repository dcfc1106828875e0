package retry

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentd/internal/eventbus"
	"intentd/internal/intent"
	logx "intentd/pkg/logx"
)

var k = Key{SchedulerType: "backup", TaskID: "db"}

func TestDelayAddsReleaseBufferOnContention(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: 5 * time.Minute, MaxRetries: 3, ResourceReleaseBuffer: 2 * time.Second}, logx.Nop(), nil)

	d, contention := c.Delay(errors.New("exit 1"))
	assert.Equal(t, 5*time.Minute, d)
	assert.False(t, contention)

	busy := &intent.JobBodyError{SchedulerType: "backup", TaskID: "db", Err: &intent.ResourceContentionError{Resource: "/dev/ttyUSB0"}}
	d, contention = c.Delay(busy)
	assert.Equal(t, 5*time.Minute+2*time.Second, d)
	assert.True(t, contention)

	d, _ = c.Delay(After(errors.New("rate limited"), 10*time.Minute))
	assert.Equal(t, 10*time.Minute, d)

	d, _ = c.Delay(After(errors.New("soon"), time.Second))
	assert.Equal(t, 5*time.Minute, d, "hint never shortens the delay")
}

func TestRetryBoundIsMaxRetries(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: time.Hour, MaxRetries: 3}, logx.Nop(), nil)
	defer c.ClearAll()

	for i := 1; i <= 3; i++ {
		d := c.Failed(k, "intent-1", errors.New("boom"), func() {})
		require.True(t, d.Scheduled, "retry %d", i)
		assert.Equal(t, i, d.Attempt)
	}
	d := c.Failed(k, "intent-1", errors.New("boom"), func() {})
	assert.True(t, d.Exhausted)
	assert.False(t, d.Scheduled)
	assert.Equal(t, 0, c.Attempts(k), "exhaustion returns the key to idle")
}

func TestNewIntentResetsBudget(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: time.Hour, MaxRetries: 1}, logx.Nop(), nil)
	defer c.ClearAll()

	require.True(t, c.Failed(k, "day-1", errors.New("boom"), func() {}).Scheduled)
	assert.True(t, c.Failed(k, "day-1", errors.New("boom"), func() {}).Exhausted)
	assert.True(t, c.Failed(k, "day-2", errors.New("boom"), func() {}).Scheduled)
}

func TestNoRetryIsExhaustedImmediately(t *testing.T) {
	t.Parallel()
	c := New(DefaultPolicy(), logx.Nop(), nil)
	d := c.Failed(k, "intent-1", NoRetry(fmt.Errorf("bad config")), func() {})
	assert.True(t, d.Exhausted)
	assert.False(t, c.Pending(k))
}

func TestTimerFiresAfterDelay(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	c := New(Policy{RetryDelay: 20 * time.Millisecond, MaxRetries: 3, ResourceReleaseBuffer: 30 * time.Millisecond}, logx.Nop(), bus)
	fired := make(chan time.Time, 1)
	start := time.Now()
	d := c.Failed(k, "intent-1", &intent.ResourceContentionError{Resource: "usb"}, func() { fired <- time.Now() })
	require.True(t, d.Scheduled)
	assert.True(t, d.Contention)
	assert.True(t, c.Pending(k))
	require.Len(t, c.Snapshot(), 1)

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not fire")
	}
	assert.False(t, c.Pending(k))
	assert.Equal(t, 1, c.Attempts(k), "attempt count survives until success")

	ev := <-events
	assert.Equal(t, EventScheduled, ev.Type)
	assert.Equal(t, "intent-1", ev.Data.(Scheduled).IntentID)

	c.Succeeded(k)
	assert.Equal(t, 0, c.Attempts(k))
}

func TestCancelStopsPendingRetry(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: 30 * time.Millisecond, MaxRetries: 3}, logx.Nop(), nil)
	var fired atomic.Int32
	c.Failed(k, "intent-1", errors.New("boom"), func() { fired.Add(1) })
	c.Cancel(k)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestClearAllLeavesNoOrphanCallbacks(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: 30 * time.Millisecond, MaxRetries: 3}, logx.Nop(), nil)
	var fired, hooks atomic.Int32
	c.OnClear(func() { hooks.Add(1) })

	for i := 0; i < 5; i++ {
		key := Key{SchedulerType: "backup", TaskID: fmt.Sprintf("t%d", i)}
		require.True(t, c.Failed(key, "intent", errors.New("boom"), func() { fired.Add(1) }).Scheduled)
	}
	assert.Equal(t, 5, c.ClearAll())
	assert.EqualValues(t, 1, hooks.Load())
	assert.Empty(t, c.Snapshot())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestSetPolicyAppliesToNextDecision(t *testing.T) {
	t.Parallel()
	c := New(DefaultPolicy(), logx.Nop(), nil)
	c.SetPolicy(Policy{RetryDelay: time.Second, MaxRetries: 0})
	assert.Equal(t, time.Second, c.Policy().RetryDelay)
	assert.True(t, c.Failed(k, "intent-1", errors.New("boom"), func() {}).Exhausted)
}

func TestSettleIgnoresOtherIntent(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: time.Hour, MaxRetries: 3}, logx.Nop(), nil)
	defer c.ClearAll()

	require.True(t, c.Failed(k, "day-2", errors.New("boom"), func() {}).Scheduled)
	c.Settle(k, "day-1")
	assert.True(t, c.Pending(k))
	assert.Equal(t, 1, c.Attempts(k))

	c.Settle(k, "day-2")
	assert.False(t, c.Pending(k))
	assert.Equal(t, 0, c.Attempts(k))
}

func TestOtherIntentSupersedesArmedRetry(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: 30 * time.Millisecond, MaxRetries: 3}, logx.Nop(), nil)
	defer c.ClearAll()

	var fired atomic.Int32
	require.True(t, c.Failed(k, "day-1", errors.New("boom"), func() { fired.Add(1) }).Scheduled)
	d := c.Failed(k, "day-2", errors.New("boom"), func() {})
	require.True(t, d.Scheduled)
	assert.Equal(t, "day-1", d.Superseded)
	assert.Equal(t, 1, d.Attempt)

	pending := c.Snapshot()
	require.Len(t, pending, 1)
	assert.Equal(t, "day-2", pending[0].IntentID)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load(), "superseded timer never fires")
}

func TestInFlightRetryKeepsItsBudget(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: 10 * time.Millisecond, MaxRetries: 2}, logx.Nop(), nil)
	defer c.ClearAll()

	fired := make(chan struct{}, 1)
	require.True(t, c.Failed(k, "day-1", errors.New("boom"), func() { fired <- struct{}{} }).Scheduled)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not fire")
	}

	// day-1's retry is running while day-2 fails
	d := c.Failed(k, "day-2", errors.New("boom"), func() {})
	require.True(t, d.Scheduled)
	assert.Empty(t, d.Superseded, "a fired retry is not superseded")
	assert.Equal(t, 1, c.AttemptsOf(k, "day-1"))

	d = c.Failed(k, "day-1", errors.New("boom"), func() {})
	require.True(t, d.Scheduled)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, "day-2", d.Superseded)

	d = c.Failed(k, "day-1", errors.New("boom"), func() {})
	assert.True(t, d.Exhausted)
	assert.Empty(t, d.Superseded)
}

func TestExhaustionLeavesOtherIntentArmed(t *testing.T) {
	t.Parallel()
	c := New(Policy{RetryDelay: time.Hour, MaxRetries: 1}, logx.Nop(), nil)
	defer c.ClearAll()

	require.True(t, c.Failed(k, "day-2", errors.New("boom"), func() {}).Scheduled)
	c.SetPolicy(Policy{RetryDelay: time.Hour, MaxRetries: 0})

	d := c.Failed(k, "day-1", errors.New("boom"), func() {})
	assert.True(t, d.Exhausted)
	assert.Empty(t, d.Superseded)
	assert.True(t, c.Pending(k))
}
