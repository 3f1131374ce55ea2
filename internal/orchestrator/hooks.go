package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/metrics"
)

// AttemptFailed is the single writer of the failure ledger. It returns true
// to stop pool retries once a unit reaches the permanent failure threshold,
// so a unit already counted toward completion cannot produce a late artifact.
func (o *Orchestrator) AttemptFailed(ctx context.Context, task export.Task, err error) bool {
	switch task.Kind {
	case export.TaskUnit:
		entry, rerr := o.repo.RecordFailure(ctx, task.ExportID, task.Unit, err.Error())
		if rerr != nil {
			o.logger.Error("failed to record unit failure",
				zap.String("export_id", task.ExportID),
				zap.Int("unit", task.Unit),
				zap.Error(rerr),
			)
			return false
		}
		if entry.Attempts >= o.cfg.PermanentFailureThreshold {
			metrics.ObserveUnit("permanently_failed")
			o.logger.Warn("unit permanently failed",
				zap.String("export_id", task.ExportID),
				zap.Int("unit", task.Unit),
				zap.Int("attempts", entry.Attempts),
				zap.String("reason", entry.Reason),
			)
			return true
		}
	case export.TaskDiscover:
		if task.Final() {
			o.failDiscovery(ctx, task.ExportID, err)
		}
	case export.TaskNotify:
		if task.Final() {
			o.recordProcessError(ctx, task.ExportID, "notification task failed: "+err.Error(), err)
		}
	}
	return false
}

// AttemptSettled runs the completion check after every unit attempt.
func (o *Orchestrator) AttemptSettled(ctx context.Context, task export.Task, _ error) {
	if task.Kind != export.TaskUnit {
		return
	}
	if _, err := o.CheckCompletion(ctx, task.ExportID); err != nil {
		o.logger.Error("completion check failed",
			zap.String("export_id", task.ExportID),
			zap.Int("unit", task.Unit),
			zap.Error(err),
		)
	}
}
