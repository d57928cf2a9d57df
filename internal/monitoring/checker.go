package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/config"
	"github.com/traceline/bomflow/internal/store"
)

// Checker runs periodic alert checks and the archival sweep in the
// background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	store     store.Store
	cfg       config.MonitoringConfig
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, st store.Store, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		store:     st,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("stall_after_secs", c.cfg.StallAfterSecs),
		zap.Int("archive_after_hours", c.cfg.ArchiveAfterHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
			c.archive(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	stallAfter := time.Duration(c.cfg.StallAfterSecs) * time.Second
	if stallAfter <= 0 {
		stallAfter = 5 * time.Minute
	}

	snap, err := c.collector.Collect(ctx, stallAfter)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}

// archive flags terminal jobs older than the retention window. Archived jobs
// drop out of default listings but keep their rows for audit.
func (c *Checker) archive(ctx context.Context, log *zap.Logger) {
	if c.cfg.ArchiveAfterHours <= 0 {
		return
	}
	n, err := c.store.ArchiveTerminalJobs(ctx, time.Duration(c.cfg.ArchiveAfterHours)*time.Hour)
	if err != nil {
		log.Error("monitoring: archival sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("monitoring: archived terminal jobs", zap.Int("count", n))
	}
}
