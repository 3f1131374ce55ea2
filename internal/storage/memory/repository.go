// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

type unitKey struct {
	exportID string
	unit     int
}

// Repository is an in-memory export.Repository. Every read-modify-write
// happens inside a single critical section.
type Repository struct {
	mu        sync.RWMutex
	exports   map[string]export.Export
	artifacts map[string]map[int]export.Artifact
	failures  map[unitKey]export.FailureEntry
	errors    map[string][]export.ProcessError
	now       func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository() *Repository {
	return &Repository{
		exports:   make(map[string]export.Export),
		artifacts: make(map[string]map[int]export.Artifact),
		failures:  make(map[unitKey]export.FailureEntry),
		errors:    make(map[string][]export.ProcessError),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateExport stores a new export.
func (r *Repository) CreateExport(_ context.Context, exp export.Export) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.exports[exp.ID]; exists {
		return errors.New("export already exists")
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = r.now()
	}
	r.exports[exp.ID] = exp
	return nil
}

// GetExport fetches an export by ID.
func (r *Repository) GetExport(_ context.Context, exportID string) (export.Export, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.exports[exportID]
	if !ok {
		return export.Export{}, export.ErrNotFound
	}
	return exp, nil
}

// SetTotalUnits records the discovered unit count.
func (r *Repository) SetTotalUnits(_ context.Context, exportID string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.exports[exportID]
	if !ok {
		return export.ErrNotFound
	}
	exp.TotalUnits = &total
	r.exports[exportID] = exp
	return nil
}

// MarkComplete flips the completion flag and reports whether this call did it.
func (r *Repository) MarkComplete(_ context.Context, exportID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.exports[exportID]
	if !ok {
		return false, export.ErrNotFound
	}
	if exp.Complete {
		return false, nil
	}
	exp.Complete = true
	r.exports[exportID] = exp
	return true, nil
}

// MarkNotified sets the delivery flag once.
func (r *Repository) MarkNotified(_ context.Context, exportID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.exports[exportID]
	if !ok {
		return false, export.ErrNotFound
	}
	if exp.NotifiedAt != nil {
		return false, nil
	}
	stamp := at
	exp.NotifiedAt = &stamp
	r.exports[exportID] = exp
	return true, nil
}

// ListIncomplete returns exports not yet complete, oldest first.
func (r *Repository) ListIncomplete(_ context.Context) ([]export.Export, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]export.Export, 0)
	for _, exp := range r.exports {
		if !exp.Complete {
			out = append(out, exp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListCompleted returns a page of complete exports, newest first, and the total count.
func (r *Repository) ListCompleted(_ context.Context, limit, offset int) ([]export.Export, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]export.Export, 0)
	for _, exp := range r.exports {
		if exp.Complete {
			all = append(all, exp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []export.Export{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]export.Export(nil), all[offset:end]...), total, nil
}

// RecordArtifact stores the artifact of a unit. A second write for the same unit replaces the first.
func (r *Repository) RecordArtifact(_ context.Context, artifact export.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = r.now()
	}
	units, ok := r.artifacts[artifact.ExportID]
	if !ok {
		units = make(map[int]export.Artifact)
		r.artifacts[artifact.ExportID] = units
	}
	units[artifact.Unit] = artifact
	return nil
}

// ListArtifacts returns the artifacts of an export ordered by unit.
func (r *Repository) ListArtifacts(_ context.Context, exportID string) ([]export.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	units := r.artifacts[exportID]
	out := make([]export.Artifact, 0, len(units))
	for _, a := range units {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out, nil
}

// RecordFailure increments the attempt counter of a unit, creating the entry on first failure.
func (r *Repository) RecordFailure(
	_ context.Context,
	exportID string,
	unit int,
	reason string,
) (export.FailureEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := unitKey{exportID: exportID, unit: unit}
	now := r.now()
	entry, ok := r.failures[key]
	if !ok {
		entry = export.FailureEntry{ExportID: exportID, Unit: unit, CreatedAt: now}
	}
	entry.Attempts++
	entry.Reason = reason
	entry.UpdatedAt = now
	r.failures[key] = entry
	return entry, nil
}

// ClearFailure removes the failure entry of a unit, if any.
func (r *Repository) ClearFailure(_ context.Context, exportID string, unit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, unitKey{exportID: exportID, unit: unit})
	return nil
}

// ListFailures returns the failure entries of an export ordered by unit.
func (r *Repository) ListFailures(_ context.Context, exportID string) ([]export.FailureEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]export.FailureEntry, 0)
	for key, entry := range r.failures {
		if key.exportID == exportID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out, nil
}

// AddProcessError appends a diagnostic to an export.
func (r *Repository) AddProcessError(_ context.Context, perr export.ProcessError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perr.CreatedAt.IsZero() {
		perr.CreatedAt = r.now()
	}
	r.errors[perr.ExportID] = append(r.errors[perr.ExportID], perr)
	return nil
}

// ListProcessErrors returns a copy of the diagnostics of an export.
func (r *Repository) ListProcessErrors(_ context.Context, exportID string) ([]export.ProcessError, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	errs := r.errors[exportID]
	out := make([]export.ProcessError, len(errs))
	copy(out, errs)
	return out, nil
}
