package engine

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	logx "intentd/pkg/logx"
)

// slowTask is the duration above which a completed task logs at info.
const slowTask = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, r *run) {
	for {
		// a closed stop channel wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case qt := <-r.queue:
			leave, ok := s.gate.enter(qt.task)
			if !ok {
				s.requeue(ctx, r, qt)
				continue
			}
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
			if leave != nil {
				leave()
			}
		}
	}
}

// requeue puts back a task whose family is at its cap so other families
// keep moving.
func (s *Service) requeue(ctx context.Context, r *run, qt queuedTask) {
	select {
	case r.queue <- qt:
		runtime.Gosched()
		return
	case <-ctx.Done():
	case <-r.stop:
	default:
		s.onQueueFull(time.Now(), qt.task, r.queue)
	}
	if qt.track {
		qt.state.release()
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	if qt.track {
		defer qt.state.release()
	}
	t := qt.task
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	log := s.log.With(logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStale(start, t, queueDelay)
		s.appendHistory(HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Error: string(dropStale)})
		return
	}

	log.Debug("task started")
	s.publish(EventStarted, t, start, queueDelay, 0, "")

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	err := runRecovered(runCtx, t, log)
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	switch {
	case err != nil:
		item.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Duration("dur", dur))
		s.publish(EventFailed, t, start, queueDelay, dur, item.Error)
	case dur >= slowTask:
		log.Info("task completed", logx.Duration("dur", dur))
		s.publish(EventFinished, t, start, queueDelay, dur, "")
	default:
		log.Debug("task completed", logx.Duration("dur", dur))
		s.publish(EventFinished, t, start, queueDelay, dur, "")
	}
	s.appendHistory(item)
}

// runRecovered runs t, turning a panic into an error so the worker survives.
func runRecovered(ctx context.Context, t Task, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
