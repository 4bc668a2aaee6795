package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clawde-io/cortexd/internal/task"
)

// HeartbeatMonitor is the background liveness checker: every interval it
// interrupts tasks whose last heartbeat is older than timeout, releasing
// their claims and emitting task.interrupted: periodic check, act on
// stragglers, log, continue.
type HeartbeatMonitor struct {
	tasks    *task.Manager
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHeartbeatMonitor builds (but does not start) a monitor. interval is
// how often the check runs; timeout is how stale a heartbeat must be
// before its task is interrupted.
func NewHeartbeatMonitor(tasks *task.Manager, interval, timeout time.Duration, logger *slog.Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HeartbeatMonitor{tasks: tasks, interval: interval, timeout: timeout, logger: logger}
}

// CheckOnce runs a single interruption pass, returning the interrupted
// task ids. Tests call this directly instead of Run.
func (h *HeartbeatMonitor) CheckOnce(now time.Time) ([]string, error) {
	return h.tasks.InterruptStale(now.Add(-h.timeout))
}

// StartTaskHeartbeat begins recording heartbeats for a claimed task every
// interval, extending its lease by extendSecs on each beat. The returned
// stop function ends the loop; it also ends on its own when a heartbeat
// is refused (task released, completed, or reclaimed by another agent).
func (r *Runtime) StartTaskHeartbeat(taskID, agent string, interval time.Duration, extendSecs int) (stop func()) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if _, err := r.tasks.Heartbeat(taskID, agent, extendSecs); err != nil {
					r.logger.Debug("task heartbeat ended", "task_id", taskID, "error", err)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Run loops CheckOnce until stop closes. Failed passes log a warning and
// the loop continues; the monitor never crashes the daemon.
func (h *HeartbeatMonitor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ids, err := h.CheckOnce(time.Now())
			if err != nil {
				h.logger.Warn("heartbeat check failed", "error", err)
				continue
			}
			if len(ids) > 0 {
				h.logger.Info("interrupted stale tasks", "count", len(ids))
			}
		}
	}
}
