package export

import (
	"time"
)

// TaskKind identifies the handler a queued task is routed to.
type TaskKind string

// Task kinds handled by the worker pool.
const (
	TaskDiscover TaskKind = "discover"
	TaskUnit     TaskKind = "unit"
	TaskNotify   TaskKind = "notify"
)

// Setting keys understood by the notification dispatcher.
const (
	SettingWebhookURL      = "webhook_url"
	SettingErrorWebhookURL = "error_webhook_url"
)

// Params are the user supplied query parameters of an export.
type Params struct {
	Entity     string `json:"entity"`
	YearStart  int    `json:"year_start"`
	YearEnd    int    `json:"year_end"`
	MaxUnits   *int   `json:"max_units,omitempty"`
	HideClosed bool   `json:"hide_closed"`
	Headless   bool   `json:"headless"`
}

// Export is one user-initiated extraction request.
type Export struct {
	ID         string     `json:"id"`
	Params     Params     `json:"params"`
	TotalUnits *int       `json:"total_units,omitempty"`
	Complete   bool       `json:"complete"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Discovered reports whether discovery has persisted the unit count.
func (e Export) Discovered() bool {
	return e.TotalUnits != nil
}

// Artifact is the durable output of one successful unit.
type Artifact struct {
	ExportID  string    `json:"export_id"`
	Unit      int       `json:"unit"`
	Location  string    `json:"location"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FailureEntry counts failed attempts of a single unit.
type FailureEntry struct {
	ExportID  string    `json:"export_id"`
	Unit      int       `json:"unit"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessError is an append-only diagnostic attached to an export.
type ProcessError struct {
	ExportID  string    `json:"export_id"`
	Message   string    `json:"message"`
	Trace     string    `json:"trace,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Party is one participant of a lawsuit returned by the secondary lookup.
type Party struct {
	Name     string `json:"name"`
	Document string `json:"cpf_cnpj"`
	Role     string `json:"role"`
	Lawyers  string `json:"lawyers"`
}

// Record is a single row extracted from a unit.
type Record struct {
	ExportID  string            `json:"export_id"`
	Unit      int               `json:"unit"`
	Fields    map[string]string `json:"fields"`
	LookupKey string            `json:"lookup_key,omitempty"`
	Parties   []Party           `json:"parties"`
	// DetailErr is set when the row's detail view could not be read. Such
	// records are reported and left out of the artifact.
	DetailErr error `json:"-"`
}

// Task is the unit of work moved through the queue.
type Task struct {
	ID          string    `json:"id"`
	Kind        TaskKind  `json:"kind"`
	ExportID    string    `json:"export_id"`
	Unit        int       `json:"unit,omitempty"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Final reports whether the current attempt is the last one the pool will make.
func (t Task) Final() bool {
	return t.MaxAttempts > 0 && t.Attempt >= t.MaxAttempts
}
