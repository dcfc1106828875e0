package app

import (
	"encoding/json"
	"net/http"
	"strconv"

	"intentd/internal/notify"
	"intentd/internal/recovery"
	"intentd/internal/retention"
	"intentd/internal/task/retry"
	"intentd/internal/task/scheduler"
)

type statusView struct {
	Scheduler     scheduler.Snapshot   `json:"scheduler"`
	RetryPolicy   retry.Policy         `json:"retry_policy"`
	Recovery      recovery.Options     `json:"recovery"`
	Retention     retention.Config     `json:"retention"`
	NotifyHistory []notify.HistoryItem `json:"notify_history,omitempty"`
}

func (a *App) debugRoutes() map[string]http.Handler {
	return map[string]http.Handler{
		"/status": http.HandlerFunc(a.serveStatus),
		"/missed": http.HandlerFunc(a.serveMissed),
	}
}

func (a *App) serveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, statusView{
		Scheduler:     a.core.Snapshot(),
		RetryPolicy:   a.retry.Policy(),
		Recovery:      a.rec.Options(),
		Retention:     a.sweep.Config(),
		NotifyHistory: a.notif.History(),
	})
}

// serveMissed takes the same filters as the missed command:
// ?type=&task=&lookback=&limit=
func (a *App) serveMissed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	o := recovery.MissedOptions{SchedulerType: q.Get("type"), TaskID: q.Get("task")}
	for name, dst := range map[string]*int{"lookback": &o.LookbackDays, "limit": &o.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, name+" must be a non-negative integer", http.StatusBadRequest)
			return
		}
		*dst = n
	}
	writeJSON(w, a.rec.GetMissed(r.Context(), o))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
