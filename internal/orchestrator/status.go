package orchestrator

import (
	"context"
	"fmt"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

// Status summarizes the progress of one export. ProcessedUnits counts every
// unit that produced an artifact or has failed at least once.
type Status struct {
	Export         export.Export         `json:"export"`
	ProcessedUnits int                   `json:"processed_units"`
	TotalUnits     *int                  `json:"total_units"`
	Failures       []export.FailureEntry `json:"failures"`
	Errors         []export.ProcessError `json:"errors"`
}

// Status reports progress for one export.
func (o *Orchestrator) Status(ctx context.Context, exportID string) (Status, error) {
	exp, err := o.repo.GetExport(ctx, exportID)
	if err != nil {
		return Status{}, fmt.Errorf("load export: %w", err)
	}
	return o.statusOf(ctx, exp)
}

// ListStatus reports progress for every incomplete export.
func (o *Orchestrator) ListStatus(ctx context.Context) ([]Status, error) {
	pending, err := o.repo.ListIncomplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("list incomplete exports: %w", err)
	}
	out := make([]Status, 0, len(pending))
	for _, exp := range pending {
		st, err := o.statusOf(ctx, exp)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (o *Orchestrator) statusOf(ctx context.Context, exp export.Export) (Status, error) {
	arts, err := o.repo.ListArtifacts(ctx, exp.ID)
	if err != nil {
		return Status{}, fmt.Errorf("list artifacts: %w", err)
	}
	failures, err := o.repo.ListFailures(ctx, exp.ID)
	if err != nil {
		return Status{}, fmt.Errorf("list failures: %w", err)
	}
	errs, err := o.repo.ListProcessErrors(ctx, exp.ID)
	if err != nil {
		return Status{}, fmt.Errorf("list process errors: %w", err)
	}
	processed := make(map[int]struct{}, len(arts)+len(failures))
	for _, a := range arts {
		processed[a.Unit] = struct{}{}
	}
	for _, f := range failures {
		processed[f.Unit] = struct{}{}
	}
	return Status{
		Export:         exp,
		ProcessedUnits: len(processed),
		TotalUnits:     exp.TotalUnits,
		Failures:       failures,
		Errors:         errs,
	}, nil
}
