// run.go — Version snapshots and import-run bookkeeping.
package types

import "time"

// Version is an immutable snapshot of an entity's field map, written only
// when the map's fingerprint differs from the entity's current version.
// Rows for one entity are totally ordered by CreatedAt; writers hold the
// page's keyed lock, so no two versions of one entity share an instant.
type Version struct {
	ID            string     `json:"id" db:"id"`
	TenantSlug    string     `json:"tenant_slug" db:"tenant_slug"`
	EntityKind    EntityKind `json:"entity_kind" db:"entity_kind"`
	EntityID      string     `json:"entity_id" db:"entity_id"` // ID reference, never a pointer
	ImportRunID   string     `json:"import_run_id" db:"import_run_id"`
	Fingerprint   string     `json:"fingerprint" db:"fingerprint"` // SHA-256 of the canonical field map
	Snapshot      []byte     `json:"snapshot" db:"snapshot"`       // full field-map JSON
	DiffSummary   string     `json:"diff_summary,omitempty" db:"diff_summary"`
	ChangedFields []string   `json:"changed_fields,omitempty" db:"-"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// RunStatus is the lifecycle state of an import run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial" // finished, but some pages errored
)

// ImportRun is one pass of the scheduler over a tenant's pages. Opened as
// running when the pass starts, finished with aggregate counters. Budget
// denials and errors land in the counters; ErrorJSON carries the detail
// payload so no emission is ever lost silently.
type ImportRun struct {
	ID               string     `json:"id" db:"id"`
	TenantSlug       string     `json:"tenant_slug" db:"tenant_slug"`
	Status           RunStatus  `json:"status" db:"status"`
	PagesChecked     int        `json:"pages_checked" db:"pages_checked"`
	PagesChanged     int        `json:"pages_changed" db:"pages_changed"`
	PagesErrored     int        `json:"pages_errored" db:"pages_errored"`
	PagesRendered    int        `json:"pages_rendered" db:"pages_rendered"`
	BudgetDenials    int        `json:"budget_denials" db:"budget_denials"`
	EntitiesUpserted int        `json:"entities_upserted" db:"entities_upserted"`
	EventsEmitted    int        `json:"events_emitted" db:"events_emitted"`
	LLMCalls         int        `json:"llm_calls" db:"llm_calls"`
	ErrorJSON        []byte     `json:"error_json,omitempty" db:"error_json"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}
