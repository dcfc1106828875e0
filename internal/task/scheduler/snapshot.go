package scheduler

import (
	"intentd/internal/task/engine"
)

// Snapshot gathers the schedule table, pending retries and engine counters
// for the status command.
func (c *Core) Snapshot() Snapshot {
	snap := Snapshot{
		Running:  c.Running(),
		Timezone: c.loc.String(),
		Retries:  c.retry.Snapshot(),
	}
	for _, a := range c.adapters() {
		snap.Schedules = append(snap.Schedules, a.scheduleInfo()...)
	}

	eng := c.engine
	if eng == nil {
		return snap
	}
	es := eng.Snapshot()
	snap.Engine = EngineStats{
		Running:          es.Running,
		Workers:          es.Workers,
		QueueLen:         es.QueueLen,
		QueueCap:         es.QueueCap,
		InFlight:         es.InFlight,
		Dropped:          es.Dropped,
		DroppedQueueFull: es.DroppedQueueFull,
		DroppedStale:     es.DroppedStale,
	}
	snap.History = es.History
	return snap
}

// EngineStats is the subset of engine counters worth surfacing per fire.
type EngineStats struct {
	Running          bool
	Workers          int
	QueueLen         int
	QueueCap         int
	InFlight         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
}

type HistoryItem = engine.HistoryItem
