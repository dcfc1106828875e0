package recovery

import (
	"context"

	"intentd/internal/intent"
)

// MissedOptions narrows GetMissed. Zero LookbackDays means no lower bound.
type MissedOptions struct {
	SchedulerType string
	TaskID        string
	LookbackDays  int
	Limit         int
}

// GetMissed lists intents whose window closed without a terminal status,
// oldest first. It is read-only.
func (s *Service) GetMissed(ctx context.Context, o MissedOptions) []intent.ExecutionIntent {
	now := s.now()
	f := intent.Filter{
		SchedulerType: o.SchedulerType,
		TaskID:        o.TaskID,
		Statuses:      []intent.Status{intent.StatusPending, intent.StatusRunning},
	}
	if o.LookbackDays > 0 {
		f.FromDate = lookbackCutoff(now, s.exec.Location(), o.LookbackDays)
	}
	var out []intent.ExecutionIntent
	for _, in := range s.store.List(ctx, f) {
		if !in.Missed(now) {
			continue
		}
		out = append(out, in)
		if o.Limit > 0 && len(out) == o.Limit {
			break
		}
	}
	return out
}
