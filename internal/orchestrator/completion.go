package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/metrics"
)

// CheckCompletion marks an export complete once every unit is accounted
// for, either by an artifact or by a permanently failed ledger entry. Only
// the caller that performs the transition submits the notify task; it
// reports whether that happened.
func (o *Orchestrator) CheckCompletion(ctx context.Context, exportID string) (bool, error) {
	exp, err := o.repo.GetExport(ctx, exportID)
	if err != nil {
		return false, fmt.Errorf("load export: %w", err)
	}
	if exp.Complete || !exp.Discovered() {
		return false, nil
	}

	produced, err := o.producedUnits(ctx, exportID)
	if err != nil {
		return false, err
	}
	if len(produced) < *exp.TotalUnits {
		return false, nil
	}

	flipped, err := o.repo.MarkComplete(ctx, exportID)
	if err != nil {
		return false, fmt.Errorf("mark complete: %w", err)
	}
	if !flipped {
		return false, nil
	}
	o.forgetSubmitted(exportID)
	metrics.ObserveExportCompleted()
	o.logger.Info("export complete",
		zap.String("export_id", exportID),
		zap.Int("total_units", *exp.TotalUnits),
		zap.Int("accounted_units", len(produced)),
	)
	if err := o.submitter.Submit(ctx, export.TaskNotify, exportID, 0); err != nil {
		return true, fmt.Errorf("submit notify: %w", err)
	}
	return true, nil
}

// producedUnits returns the set of units with an artifact or with a ledger
// entry at or above the permanent failure threshold.
func (o *Orchestrator) producedUnits(ctx context.Context, exportID string) (map[int]struct{}, error) {
	arts, err := o.repo.ListArtifacts(ctx, exportID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	failures, err := o.repo.ListFailures(ctx, exportID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	units := make(map[int]struct{}, len(arts)+len(failures))
	for _, a := range arts {
		units[a.Unit] = struct{}{}
	}
	for _, f := range failures {
		if f.Attempts >= o.cfg.PermanentFailureThreshold {
			units[f.Unit] = struct{}{}
		}
	}
	return units, nil
}

// Sweep re-runs the completion check for every discovered, incomplete
// export and returns how many it completed.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	pending, err := o.repo.ListIncomplete(ctx)
	if err != nil {
		return 0, fmt.Errorf("list incomplete exports: %w", err)
	}
	completed := 0
	for _, exp := range pending {
		if !exp.Discovered() {
			continue
		}
		flipped, err := o.CheckCompletion(ctx, exp.ID)
		if err != nil {
			o.logger.Warn("completion sweep failed for export", zap.String("export_id", exp.ID), zap.Error(err))
			continue
		}
		if flipped {
			completed++
		}
	}
	return completed, nil
}
