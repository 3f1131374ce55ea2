package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

// HandleDiscover determines the unit count of an export and submits one
// unit task per unit. A discovery failure is terminal for the export: it is
// recorded, the export is marked complete and nil is returned so the pool
// does not retry it.
func (o *Orchestrator) HandleDiscover(ctx context.Context, task export.Task) error {
	exp, err := o.repo.GetExport(ctx, task.ExportID)
	if err != nil {
		return fmt.Errorf("load export %s: %w", task.ExportID, err)
	}
	if exp.Complete {
		o.logger.Info("export already complete, skipping discovery", zap.String("export_id", exp.ID))
		return nil
	}

	var total int
	if exp.Discovered() {
		total = *exp.TotalUnits
	} else {
		reported, err := o.extractor.Discover(ctx, exp.Params)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("discover: %w", err)
			}
			o.failDiscovery(ctx, exp.ID, err)
			return nil
		}
		total = o.clamp(reported, exp.Params.MaxUnits)
		if err := o.repo.SetTotalUnits(ctx, exp.ID, total); err != nil {
			return fmt.Errorf("set total units: %w", err)
		}
		o.logger.Info("export discovered",
			zap.String("export_id", exp.ID),
			zap.Int("reported_units", reported),
			zap.Int("total_units", total),
		)
	}

	done, err := o.producedUnits(ctx, exp.ID)
	if err != nil {
		return err
	}
	for unit := 1; unit <= total; unit++ {
		if _, ok := done[unit]; ok || o.wasSubmitted(exp.ID, unit) {
			continue
		}
		if err := o.submitter.Submit(ctx, export.TaskUnit, exp.ID, unit); err != nil {
			return fmt.Errorf("submit unit %d: %w", unit, err)
		}
		o.markSubmitted(exp.ID, unit)
	}
	if total == 0 {
		if _, err := o.CheckCompletion(ctx, exp.ID); err != nil {
			return err
		}
	}
	return nil
}

// failDiscovery records the failure and closes the export. No unit tasks
// exist, so nothing else would ever complete it.
func (o *Orchestrator) failDiscovery(ctx context.Context, exportID string, cause error) {
	o.logger.Error("discovery failed", zap.String("export_id", exportID), zap.Error(cause))
	o.recordProcessError(ctx, exportID, "discovery failed: "+cause.Error(), cause)
	if _, err := o.repo.MarkComplete(ctx, exportID); err != nil {
		o.logger.Error("failed to close undiscoverable export", zap.String("export_id", exportID), zap.Error(err))
	}
}

func (o *Orchestrator) clamp(reported int, maxUnits *int) int {
	total := reported
	if total < 1 {
		total = 1
	}
	if maxUnits != nil && *maxUnits >= 1 && *maxUnits < total {
		total = *maxUnits
	}
	if o.cfg.MaxUnitsCap > 0 && total > o.cfg.MaxUnitsCap {
		total = o.cfg.MaxUnitsCap
	}
	return total
}
