package scheduler

import (
	"errors"
	"time"

	"intentd/internal/task/engine"
	logx "intentd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a fire the engine refused. The intent stays
// pending, so recovery picks it up after its window closes.
func (c *Core) reportEnqueueError(name, trigger string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen whenever a retry or catch-up is already running.
	if errors.Is(err, engine.ErrOverlapSkip) {
		c.log.Debug("fire skipped: key already running", logx.String("key", name), logx.String("trigger", trigger))
		return
	}

	now := time.Now()
	c.enqMu.Lock()
	last := c.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		c.enqMu.Unlock()
		return
	}
	c.lastEnqWarn[name] = now
	c.enqMu.Unlock()

	c.log.Warn("fire not enqueued; left for recovery", logx.String("key", name), logx.String("trigger", trigger), logx.Err(err))
}
