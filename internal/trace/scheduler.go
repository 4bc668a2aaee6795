package trace

import (
	"log/slog"
	"time"

	"github.com/robfig/cron"
)

// Scheduler runs the daily trace aggregation and retention-pruning passes
// on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	dir  string
	logger *slog.Logger
}

// NewScheduler builds (but does not start) a daily aggregation/pruning
// scheduler for the trace directory at dir, retaining rotated files for
// retention.
func NewScheduler(dir string, retention time.Duration, onSummary func(map[string]DailySummary), logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	err := c.AddFunc("@midnight", func() {
		summaries, err := Aggregate(dir)
		if err != nil {
			logger.Error("trace: daily aggregation failed", "error", err)
		} else if onSummary != nil {
			onSummary(summaries)
		}

		removed, err := Prune(dir, retention, time.Now())
		if err != nil {
			logger.Error("trace: retention prune failed", "error", err)
		} else if removed > 0 {
			logger.Info("trace: pruned rotated files", "removed", removed)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, dir: dir, logger: logger}, nil
}

// Start begins the cron scheduler in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Scheduler) Stop() { s.cron.Stop() }
