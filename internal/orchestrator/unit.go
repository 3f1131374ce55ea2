package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/extract/registry"
	"github.com/JakeFAU/precatorio-exporter/internal/metrics"
	"github.com/JakeFAU/precatorio-exporter/internal/parallel"
)

// HandleUnit extracts, enriches and persists one unit. Failures are
// returned as *export.UnitError; the ledger is written by AttemptFailed.
func (o *Orchestrator) HandleUnit(ctx context.Context, task export.Task) error {
	logger := o.logger.With(
		zap.String("export_id", task.ExportID),
		zap.Int("unit", task.Unit),
		zap.Int("attempt", task.Attempt),
	)

	exp, err := o.repo.GetExport(ctx, task.ExportID)
	if err != nil {
		return &export.UnitError{Unit: task.Unit, Stage: export.StageExtract, Err: err}
	}
	if exp.Complete {
		logger.Info("export already complete, skipping unit")
		return nil
	}

	start := time.Now()
	records, err := o.extractor.ExtractUnit(ctx, exp.Params, task.Unit)
	if err != nil {
		metrics.ObserveUnit("extract_failed")
		return &export.UnitError{Unit: task.Unit, Stage: export.StageExtract, Err: err}
	}
	records = o.dropDetailFailures(ctx, exp.ID, task.Unit, records)
	if len(records) == 0 {
		metrics.ObserveUnit("empty")
		return &export.UnitError{Unit: task.Unit, Stage: export.StageExtract, Err: export.ErrNoRecords}
	}
	for i := range records {
		records[i].ExportID = exp.ID
		records[i].Unit = task.Unit
		if records[i].Parties == nil {
			records[i].Parties = []export.Party{}
		}
	}

	o.enrich(ctx, exp.ID, records)

	written, err := o.artifacts.Write(ctx, exp.ID, task.Unit, records)
	if err != nil {
		metrics.ObserveUnit("persist_failed")
		return &export.UnitError{Unit: task.Unit, Stage: export.StagePersist, Err: err}
	}
	artifact := export.Artifact{
		ExportID:  exp.ID,
		Unit:      task.Unit,
		Location:  written.Location,
		Checksum:  written.Checksum,
		CreatedAt: o.now(),
	}
	if err := o.repo.RecordArtifact(ctx, artifact); err != nil {
		metrics.ObserveUnit("persist_failed")
		return &export.UnitError{Unit: task.Unit, Stage: export.StagePersist, Err: err}
	}
	if err := o.repo.ClearFailure(ctx, exp.ID, task.Unit); err != nil {
		// The artifact counts for completion either way.
		logger.Warn("failed to clear failure entry", zap.Error(err))
	}

	metrics.ObserveUnit("succeeded")
	logger.Info("unit stored",
		zap.Int("records", len(records)),
		zap.String("location", written.Location),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// dropDetailFailures reports every record whose detail view could not be
// read and returns the rest.
func (o *Orchestrator) dropDetailFailures(ctx context.Context, exportID string, unit int, records []export.Record) []export.Record {
	kept := records[:0]
	for _, rec := range records {
		if rec.DetailErr == nil {
			kept = append(kept, rec)
			continue
		}
		code := rec.Fields[registry.ColumnCode]
		o.logger.Warn("record details failed",
			zap.String("export_id", exportID),
			zap.Int("unit", unit),
			zap.String("precatorio", code),
			zap.Error(rec.DetailErr),
		)
		o.recordProcessError(ctx, exportID, fmt.Sprintf("details failed for precatorio %s: %v", code, rec.DetailErr), rec.DetailErr)
	}
	return kept
}

// enrich resolves parties for every record carrying a lookup key. A failed
// lookup leaves the record's parties empty and is recorded against the export.
func (o *Orchestrator) enrich(ctx context.Context, exportID string, records []export.Record) {
	if o.lookup == nil {
		return
	}
	var (
		indexes []int
		thunks  []parallel.Thunk[[]export.Party]
	)
	for i := range records {
		key := records[i].LookupKey
		if key == "" {
			continue
		}
		indexes = append(indexes, i)
		thunks = append(thunks, func(ctx context.Context) ([]export.Party, error) {
			return o.lookup.LookupParties(ctx, key)
		})
	}
	if len(thunks) == 0 {
		return
	}

	results := parallel.Run(ctx, o.cfg.LookupConcurrency, thunks)
	for i, res := range results {
		rec := &records[indexes[i]]
		if res.Err != nil {
			metrics.ObserveLookup("failed")
			rec.Parties = []export.Party{}
			o.logger.Warn("party lookup failed",
				zap.String("export_id", exportID),
				zap.Int("unit", rec.Unit),
				zap.String("lookup_key", rec.LookupKey),
				zap.Error(res.Err),
			)
			o.recordProcessError(ctx, exportID, "party lookup failed for "+rec.LookupKey+": "+res.Err.Error(), res.Err)
			continue
		}
		metrics.ObserveLookup("succeeded")
		if res.Value == nil {
			rec.Parties = []export.Party{}
			continue
		}
		rec.Parties = res.Value
	}
}
