package export

import (
	"context"
	"time"
)

// Repository persists exports and the per-unit bookkeeping around them.
//
// RecordFailure and MarkComplete must be atomic with respect to concurrent
// callers: RecordFailure increments-or-creates in one step and returns the
// resulting entry, MarkComplete flips the flag only if it was unset and
// reports whether this call performed the transition.
type Repository interface {
	CreateExport(ctx context.Context, exp Export) error
	GetExport(ctx context.Context, exportID string) (Export, error)
	SetTotalUnits(ctx context.Context, exportID string, total int) error
	MarkComplete(ctx context.Context, exportID string) (bool, error)
	MarkNotified(ctx context.Context, exportID string, at time.Time) (bool, error)
	ListIncomplete(ctx context.Context) ([]Export, error)
	ListCompleted(ctx context.Context, limit, offset int) ([]Export, int, error)

	RecordArtifact(ctx context.Context, artifact Artifact) error
	ListArtifacts(ctx context.Context, exportID string) ([]Artifact, error)

	RecordFailure(ctx context.Context, exportID string, unit int, reason string) (FailureEntry, error)
	ClearFailure(ctx context.Context, exportID string, unit int) error
	ListFailures(ctx context.Context, exportID string) ([]FailureEntry, error)

	AddProcessError(ctx context.Context, perr ProcessError) error
	ListProcessErrors(ctx context.Context, exportID string) ([]ProcessError, error)
}

// Settings is a small key/value store for operator-editable values.
// GetSetting returns ErrNotFound for unknown keys.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Extractor talks to the paginated source registry.
type Extractor interface {
	Discover(ctx context.Context, params Params) (int, error)
	ExtractUnit(ctx context.Context, params Params, unit int) ([]Record, error)
}

// Lookup resolves the parties of a lawsuit from the secondary source.
type Lookup interface {
	LookupParties(ctx context.Context, key string) ([]Party, error)
}

// Submitter enqueues tasks for the worker pool.
type Submitter interface {
	Submit(ctx context.Context, kind TaskKind, exportID string, unit int) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces export IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}
