package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// IsUnavailable reports whether err means the engine cannot accept work at
// all, as opposed to rejecting one task.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrDisabled) || errors.Is(err, ErrStopped) || errors.Is(err, ErrStopping)
}
