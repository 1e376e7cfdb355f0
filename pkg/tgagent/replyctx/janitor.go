package replyctx

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor runs the cache purge pass on a cron schedule.
type Janitor struct {
	cache    *Cache
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewJanitor creates a janitor for cache. An empty schedule uses the default.
func NewJanitor(cache *Cache, schedule string, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultConfig().SweepSchedule
	}
	return &Janitor{
		cache:    cache,
		schedule: schedule,
		logger:   logger.With("component", "replyctx-janitor"),
	}
}

// Start registers the purge job and starts the cron scheduler.
func (j *Janitor) Start() error {
	j.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	if _, err := j.cron.AddFunc(j.schedule, j.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	j.logger.Info("reply cache janitor started", "schedule", j.schedule)
	return nil
}

// Stop stops the scheduler and waits briefly for a running sweep.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	ctx := j.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		j.logger.Warn("reply cache janitor stop timed out")
	}
}

func (j *Janitor) sweep() {
	start := time.Now()
	removed := j.cache.Purge()
	j.logger.Debug("reply cache swept",
		"removed", removed,
		"remaining", j.cache.Len(),
		"duration", time.Since(start),
	)
}
