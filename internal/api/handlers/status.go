package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/photodup/photodup/internal/pipeline"
	"github.com/photodup/photodup/internal/pool"
	"github.com/photodup/photodup/internal/scheduler"
	"github.com/photodup/photodup/internal/store"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	St      *store.Store
	Manager *pipeline.Manager
	Pool    *pool.Pool
	Sched   *scheduler.Scheduler
	Version string
}

type activeRunInfo struct {
	ID          int64        `json:"id"`
	Mode        string       `json:"mode"`
	Phase       string       `json:"phase"`
	StartedAt   time.Time    `json:"started_at"`
	TriggeredBy string       `json:"triggered_by"`
	Counters    countersJSON `json:"counters"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

type workerInfo struct {
	State         string `json:"state"`
	ActiveWorkers int    `json:"active_workers"`
	QueuedTasks   int    `json:"queued_tasks"`
}

type lastRunInfo struct {
	ID         int64        `json:"id"`
	Mode       string       `json:"mode"`
	FinishedAt time.Time    `json:"finished_at"`
	Counters   countersJSON `json:"counters"`
	Efficiency float64      `json:"efficiency"`
}

// ServeHTTP returns the live system status: the in-flight run with its
// phase and counters, the schedule, the worker pool and the last completed
// run.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Version   string         `json:"version"`
		ActiveRun *activeRunInfo `json:"active_run"`
		Schedule  scheduleInfo   `json:"schedule"`
		Workers   workerInfo     `json:"workers"`
		LastRun   *lastRunInfo   `json:"last_completed_run"`
	}{
		Version: h.Version,
	}

	if active, ok := h.Manager.Active(); ok {
		resp.ActiveRun = &activeRunInfo{
			ID:          active.ID,
			Mode:        string(active.Mode),
			Phase:       active.Progress.Phase(),
			StartedAt:   active.StartedAt.UTC(),
			TriggeredBy: active.TriggeredBy,
			Counters:    toCountersJSON(active.Progress.Counters()),
		}
	}

	if h.Sched != nil {
		resp.Schedule.Cron = h.Sched.Spec()
		resp.Schedule.NextRunAt = h.Sched.NextRunAt()
	}

	if h.Pool != nil {
		stats := h.Pool.Stats()
		queued := 0
		for _, n := range stats.QueueDepth {
			queued += n
		}
		resp.Workers = workerInfo{
			State:         stats.State.String(),
			ActiveWorkers: stats.ActiveWorkers,
			QueuedTasks:   queued,
		}
	}

	last, err := h.St.LastCompletedRun()
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		slog.Error("status: last run", "error", err)
	case last.FinishedAt != nil:
		resp.LastRun = &lastRunInfo{
			ID:         last.ID,
			Mode:       string(last.Mode),
			FinishedAt: last.FinishedAt.UTC(),
			Counters:   toCountersJSON(last.Counters),
			Efficiency: last.Efficiency,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
