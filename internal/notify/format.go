package notify

import (
	"fmt"
	"strings"

	"intentd/internal/eventbus"
	"intentd/internal/intent"
	"intentd/internal/recovery"
	"intentd/internal/task/retry"
)

// Format renders ev as a short message, or "" when it is not worth sending.
func Format(ev eventbus.Event, onRetry bool) string {
	switch ev.Type {
	case recovery.EventReport:
		rep, ok := ev.Data.(recovery.Report)
		if !ok {
			return ""
		}
		return formatReport(rep)
	case intent.EventFailed:
		ch, ok := ev.Data.(intent.Change)
		if !ok {
			return ""
		}
		in := ch.Intent
		msg := strings.TrimSpace(in.ErrorMessage)
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("❌ %s/%s %s failed: %s", in.SchedulerType, in.TaskID, in.IntendedDate, msg)
	case retry.EventScheduled:
		if !onRetry {
			return ""
		}
		sc, ok := ev.Data.(retry.Scheduled)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🔁 %s/%s retry #%d in %s", sc.SchedulerType, sc.TaskID, sc.Attempt, sc.Delay)
	}
	return ""
}

func formatReport(rep recovery.Report) string {
	if rep.Detected == 0 && rep.PresumedCrashed == 0 && rep.Settled == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "♻️ recovery: %d detected, %d executed, %d skipped, %d failed", rep.Detected, rep.Executed, rep.Skipped, rep.Failed)
	if rep.PresumedCrashed > 0 {
		fmt.Fprintf(&b, ", %d presumed crashed", rep.PresumedCrashed)
	}
	if rep.Settled > 0 {
		fmt.Fprintf(&b, ", %d settled", rep.Settled)
	}
	return b.String()
}
