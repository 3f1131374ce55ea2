// Package orchestrator drives an export through discovery, per-unit
// extraction and completion. It owns the failure ledger writes and the
// completion transition; the worker pool only executes what it submits.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/artifacts"
	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

const (
	defaultPermanentFailureThreshold = 2
	defaultLookupConcurrency         = 5
)

// ArtifactWriter stores the records of one unit.
type ArtifactWriter interface {
	Write(ctx context.Context, exportID string, unit int, records []export.Record) (artifacts.Written, error)
}

// Config tunes orchestration behavior.
type Config struct {
	// PermanentFailureThreshold is the ledger attempt count at which a unit
	// counts as accounted for and stops being retried.
	PermanentFailureThreshold int
	// LookupConcurrency caps simultaneous party lookups within one unit.
	LookupConcurrency int
	// MaxUnitsCap bounds the discovered unit count regardless of the
	// export's own limit. Zero disables it.
	MaxUnitsCap int
}

// Deps are the collaborators of an Orchestrator. Lookup may be nil.
type Deps struct {
	Repo      export.Repository
	Extractor export.Extractor
	Lookup    export.Lookup
	Artifacts ArtifactWriter
	Submitter export.Submitter
	IDs       export.IDGenerator
	Clock     export.Clock
}

// Orchestrator implements the discover and unit task handlers and the
// worker pool hooks.
type Orchestrator struct {
	repo      export.Repository
	extractor export.Extractor
	lookup    export.Lookup
	artifacts ArtifactWriter
	submitter export.Submitter
	ids       export.IDGenerator
	clock     export.Clock
	cfg       Config
	logger    *zap.Logger

	// submitted remembers unit tasks this process already queued, so a
	// retried discovery does not queue them twice.
	submittedMu sync.Mutex
	submitted   map[string]map[int]struct{}
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.PermanentFailureThreshold <= 0 {
		cfg.PermanentFailureThreshold = defaultPermanentFailureThreshold
	}
	if cfg.LookupConcurrency <= 0 {
		cfg.LookupConcurrency = defaultLookupConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		repo:      deps.Repo,
		extractor: deps.Extractor,
		lookup:    deps.Lookup,
		artifacts: deps.Artifacts,
		submitter: deps.Submitter,
		ids:       deps.IDs,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger,
		submitted: make(map[string]map[int]struct{}),
	}
}

// Start creates an export and submits its discovery task.
func (o *Orchestrator) Start(ctx context.Context, params export.Params) (export.Export, error) {
	id, err := o.ids.NewID()
	if err != nil {
		return export.Export{}, fmt.Errorf("generate export id: %w", err)
	}
	exp := export.Export{
		ID:        id,
		Params:    params,
		CreatedAt: o.now(),
	}
	if err := o.repo.CreateExport(ctx, exp); err != nil {
		return export.Export{}, fmt.Errorf("create export: %w", err)
	}
	if err := o.submitter.Submit(ctx, export.TaskDiscover, exp.ID, 0); err != nil {
		return export.Export{}, fmt.Errorf("submit discovery: %w", err)
	}
	o.logger.Info("export created",
		zap.String("export_id", exp.ID),
		zap.String("entity", params.Entity),
		zap.Int("year_start", params.YearStart),
		zap.Int("year_end", params.YearEnd),
	)
	return exp, nil
}

func (o *Orchestrator) wasSubmitted(exportID string, unit int) bool {
	o.submittedMu.Lock()
	defer o.submittedMu.Unlock()
	_, ok := o.submitted[exportID][unit]
	return ok
}

func (o *Orchestrator) markSubmitted(exportID string, unit int) {
	o.submittedMu.Lock()
	defer o.submittedMu.Unlock()
	units, ok := o.submitted[exportID]
	if !ok {
		units = make(map[int]struct{})
		o.submitted[exportID] = units
	}
	units[unit] = struct{}{}
}

func (o *Orchestrator) forgetSubmitted(exportID string) {
	o.submittedMu.Lock()
	defer o.submittedMu.Unlock()
	delete(o.submitted, exportID)
}

func (o *Orchestrator) recordProcessError(ctx context.Context, exportID, message string, cause error) {
	perr := export.ProcessError{
		ExportID:  exportID,
		Message:   message,
		Trace:     export.Trace(cause),
		CreatedAt: o.now(),
	}
	if err := o.repo.AddProcessError(ctx, perr); err != nil {
		o.logger.Error("failed to record process error",
			zap.String("export_id", exportID),
			zap.String("message", message),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}
