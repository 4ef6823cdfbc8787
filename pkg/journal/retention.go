package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Retention prunes old journal rows on a cron schedule.
type Retention struct {
	store    Store
	days     int
	schedule string
	logger   *slog.Logger
	gron     *gronx.Gronx
}

// NewRetention builds a retention sweeper. days <= 0 disables pruning.
func NewRetention(store Store, days int, schedule string, logger *slog.Logger) (*Retention, error) {
	g := gronx.New()
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	if !g.IsValid(schedule) {
		return nil, &InvalidScheduleError{Schedule: schedule}
	}
	return &Retention{store: store, days: days, schedule: schedule, logger: logger, gron: g}, nil
}

// InvalidScheduleError reports a malformed cron expression.
type InvalidScheduleError struct{ Schedule string }

func (e *InvalidScheduleError) Error() string {
	return "invalid retention cron schedule: " + e.Schedule
}

// Run blocks until ctx is cancelled, sweeping whenever the schedule is due.
// Checked at minute granularity, matching cron semantics.
func (r *Retention) Run(ctx context.Context) {
	if r.days <= 0 {
		r.logger.Info("journal retention disabled")
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := r.gron.IsDue(r.schedule, time.Now())
			if err != nil || !due {
				continue
			}
			r.Sweep(ctx)
		}
	}
}

// Sweep deletes rows older than the retention window.
func (r *Retention) Sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -r.days)
	n, err := r.store.PruneBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("journal retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("journal retention sweep", "removed", n, "cutoff", cutoff)
	}
}
