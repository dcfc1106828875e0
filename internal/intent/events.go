package intent

// Event types published on the event bus by Store.
const (
	EventCreated   = "intent.created"
	EventRunning   = "intent.running"
	EventCompleted = "intent.completed"
	EventFailed    = "intent.failed"
	EventSkipped   = "intent.skipped"
	EventCaughtUp  = "intent.caught_up"
)

// Change is the payload of every intent event.
type Change struct {
	Intent ExecutionIntent `json:"intent"`
	From   Status          `json:"from,omitempty"`
}

// EventFor maps a target status to its event type.
func EventFor(s Status) string {
	switch s {
	case StatusRunning:
		return EventRunning
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	case StatusSkipped:
		return EventSkipped
	default:
		return EventCreated
	}
}
