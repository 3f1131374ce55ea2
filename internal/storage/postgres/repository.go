package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

const exportColumns = `id, params, total_units, complete, notified_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateExport inserts a new export row.
func (s *Store) CreateExport(ctx context.Context, exp export.Export) error {
	params, err := json.Marshal(exp.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	createdAt := exp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO exports (id, params, total_units, complete, created_at) VALUES ($1, $2, $3, $4, $5)`,
		exp.ID, params, exp.TotalUnits, exp.Complete, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert export: %w", err)
	}
	return nil
}

// GetExport fetches an export by ID.
func (s *Store) GetExport(ctx context.Context, exportID string) (export.Export, error) {
	row := s.db.QueryRow(ctx, `SELECT `+exportColumns+` FROM exports WHERE id = $1`, exportID)
	exp, err := scanExport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return export.Export{}, export.ErrNotFound
		}
		return export.Export{}, fmt.Errorf("get export: %w", err)
	}
	return exp, nil
}

// SetTotalUnits records the discovered unit count.
func (s *Store) SetTotalUnits(ctx context.Context, exportID string, total int) error {
	tag, err := s.db.Exec(ctx, `UPDATE exports SET total_units = $2 WHERE id = $1`, exportID, total)
	if err != nil {
		return fmt.Errorf("set total units: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return export.ErrNotFound
	}
	return nil
}

// MarkComplete flips the completion flag with a single conditional update.
func (s *Store) MarkComplete(ctx context.Context, exportID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE exports SET complete = TRUE WHERE id = $1 AND complete = FALSE`, exportID)
	if err != nil {
		return false, fmt.Errorf("mark complete: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.ensureExists(ctx, exportID)
}

// MarkNotified sets the delivery flag with a single conditional update.
func (s *Store) MarkNotified(ctx context.Context, exportID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE exports SET notified_at = $2 WHERE id = $1 AND notified_at IS NULL`, exportID, at)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.ensureExists(ctx, exportID)
}

func (s *Store) ensureExists(ctx context.Context, exportID string) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM exports WHERE id = $1)`, exportID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check export: %w", err)
	}
	if !exists {
		return export.ErrNotFound
	}
	return nil
}

// ListIncomplete returns exports not yet complete, oldest first.
func (s *Store) ListIncomplete(ctx context.Context) ([]export.Export, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+exportColumns+` FROM exports WHERE complete = FALSE ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list incomplete exports: %w", err)
	}
	return collectExports(rows)
}

// ListCompleted returns a page of complete exports, newest first, and the total count.
func (s *Store) ListCompleted(ctx context.Context, limit, offset int) ([]export.Export, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM exports WHERE complete = TRUE`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count completed exports: %w", err)
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+exportColumns+` FROM exports WHERE complete = TRUE ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list completed exports: %w", err)
	}
	exports, err := collectExports(rows)
	if err != nil {
		return nil, 0, err
	}
	return exports, total, nil
}

// RecordArtifact stores the artifact row of a unit.
func (s *Store) RecordArtifact(ctx context.Context, artifact export.Artifact) error {
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO artifacts (export_id, unit, location, checksum, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (export_id, unit) DO UPDATE
SET location = EXCLUDED.location, checksum = EXCLUDED.checksum, created_at = EXCLUDED.created_at`,
		artifact.ExportID, artifact.Unit, artifact.Location, artifact.Checksum, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifacts of an export ordered by unit.
func (s *Store) ListArtifacts(ctx context.Context, exportID string) ([]export.Artifact, error) {
	rows, err := s.db.Query(ctx, `
SELECT export_id, unit, location, checksum, created_at
FROM artifacts WHERE export_id = $1 ORDER BY unit ASC`, exportID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]export.Artifact, 0)
	for rows.Next() {
		var a export.Artifact
		if err := rows.Scan(&a.ExportID, &a.Unit, &a.Location, &a.Checksum, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

// RecordFailure increments or creates the failure entry of a unit in one statement.
func (s *Store) RecordFailure(
	ctx context.Context,
	exportID string,
	unit int,
	reason string,
) (export.FailureEntry, error) {
	entry := export.FailureEntry{ExportID: exportID, Unit: unit, Reason: reason}
	err := s.db.QueryRow(ctx, `
INSERT INTO failures (export_id, unit, attempts, reason, created_at, updated_at)
VALUES ($1, $2, 1, $3, $4, $4)
ON CONFLICT (export_id, unit) DO UPDATE
SET attempts = failures.attempts + 1, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at
RETURNING attempts, created_at, updated_at`,
		exportID, unit, reason, s.now(),
	).Scan(&entry.Attempts, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return export.FailureEntry{}, fmt.Errorf("record failure: %w", err)
	}
	return entry, nil
}

// ClearFailure removes the failure entry of a unit, if any.
func (s *Store) ClearFailure(ctx context.Context, exportID string, unit int) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM failures WHERE export_id = $1 AND unit = $2`, exportID, unit); err != nil {
		return fmt.Errorf("clear failure: %w", err)
	}
	return nil
}

// ListFailures returns the failure entries of an export ordered by unit.
func (s *Store) ListFailures(ctx context.Context, exportID string) ([]export.FailureEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT export_id, unit, attempts, reason, created_at, updated_at
FROM failures WHERE export_id = $1 ORDER BY unit ASC`, exportID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	out := make([]export.FailureEntry, 0)
	for rows.Next() {
		var f export.FailureEntry
		if err := rows.Scan(&f.ExportID, &f.Unit, &f.Attempts, &f.Reason, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}

// AddProcessError appends a diagnostic to an export.
func (s *Store) AddProcessError(ctx context.Context, perr export.ProcessError) error {
	createdAt := perr.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO process_errors (export_id, message, trace, created_at) VALUES ($1, $2, $3, $4)`,
		perr.ExportID, perr.Message, perr.Trace, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert process error: %w", err)
	}
	return nil
}

// ListProcessErrors returns the diagnostics of an export in insertion order.
func (s *Store) ListProcessErrors(ctx context.Context, exportID string) ([]export.ProcessError, error) {
	rows, err := s.db.Query(ctx, `
SELECT export_id, message, trace, created_at
FROM process_errors WHERE export_id = $1 ORDER BY created_at ASC, id ASC`, exportID)
	if err != nil {
		return nil, fmt.Errorf("list process errors: %w", err)
	}
	defer rows.Close()

	out := make([]export.ProcessError, 0)
	for rows.Next() {
		var p export.ProcessError
		if err := rows.Scan(&p.ExportID, &p.Message, &p.Trace, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan process error row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate process errors: %w", err)
	}
	return out, nil
}

func scanExport(row rowScanner) (export.Export, error) {
	var (
		exp    export.Export
		params []byte
	)
	if err := row.Scan(&exp.ID, &params, &exp.TotalUnits, &exp.Complete, &exp.NotifiedAt, &exp.CreatedAt); err != nil {
		return export.Export{}, err
	}
	if err := json.Unmarshal(params, &exp.Params); err != nil {
		return export.Export{}, fmt.Errorf("decode params of %s: %w", exp.ID, err)
	}
	return exp, nil
}

func collectExports(rows pgx.Rows) ([]export.Export, error) {
	defer rows.Close()
	out := make([]export.Export, 0)
	for rows.Next() {
		exp, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exports: %w", err)
	}
	return out, nil
}
