package main

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/jony/taskchaser/internal/config"
)

// checkpointStore is the narrow slice of pkg/store the maintenance job
// depends on.
type checkpointStore interface {
	Checkpoint(mode string) error
}

// maintenanceJob periodically issues the wal_checkpoint of spec.md §4.4.
// When CheckpointCronExpr is set, the cadence follows that cron expression
// (via adhocore/gronx) instead of the fixed interval, grounded on
// other_examples' internal-jobs-service CronNextTime helper.
type maintenanceJob struct {
	store  checkpointStore
	cfg    config.DatabaseMaintenance
	logger *zap.Logger
	cron   gronx.Gronx
}

func newMaintenanceJob(store checkpointStore, cfg config.DatabaseMaintenance, logger *zap.Logger) *maintenanceJob {
	return &maintenanceJob{store: store, cfg: cfg, logger: logger, cron: gronx.New()}
}

func (m *maintenanceJob) run(ctx context.Context) {
	for {
		wait := m.nextInterval()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := m.store.Checkpoint(m.cfg.CheckpointMode); err != nil {
			m.logger.Warn("wal checkpoint failed", zap.Error(err), zap.String("mode", m.cfg.CheckpointMode))
		}
	}
}

func (m *maintenanceJob) nextInterval() time.Duration {
	if m.cfg.CheckpointCronExpr != "" && m.cron.IsValid(m.cfg.CheckpointCronExpr) {
		next, err := gronx.NextTickAfter(m.cfg.CheckpointCronExpr, time.Now(), false)
		if err == nil {
			return time.Until(next)
		}
		m.logger.Warn("invalid checkpoint cron expression, falling back to fixed interval",
			zap.String("cron", m.cfg.CheckpointCronExpr), zap.Error(err))
	}
	return time.Duration(m.cfg.CheckpointIntervalHours) * time.Hour
}
