// events.go — Versions, change events, and import runs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forecourt/oemwatch/internal/types"
)

// InsertVersion appends an immutable snapshot row.
func (r *Repository) InsertVersion(ctx context.Context, v *types.Version) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO versions (id, tenant_slug, entity_kind, entity_id, import_run_id,
                      fingerprint, snapshot, diff_summary, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		v.ID, v.TenantSlug, v.EntityKind, v.EntityID, nullable(v.ImportRunID),
		v.Fingerprint, v.Snapshot, v.DiffSummary, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version for %s %s: %w", v.EntityKind, v.EntityID, err)
	}
	return nil
}

// InsertChangeEvent persists one routed event, diff payload included.
func (r *Repository) InsertChangeEvent(ctx context.Context, ev *types.ChangeEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	diff, err := json.Marshal(ev.Diff)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO change_events (id, tenant_slug, import_run_id, entity_kind, entity_id,
                           entity_name, event_type, severity, channel, summary, diff, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ev.ID, ev.TenantSlug, nullable(ev.ImportRunID), ev.EntityKind, ev.EntityID,
		ev.EntityName, ev.EventType, ev.Severity, ev.Channel, ev.Summary, diff, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert change event for %s %s: %w", ev.EntityKind, ev.EntityID, err)
	}
	return nil
}

// MarkNotified confirms delivery for a set of events.
func (r *Repository) MarkNotified(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE change_events SET notified_at = $2 WHERE id = ANY($1) AND notified_at IS NULL`,
		eventIDs, at)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// UnnotifiedEvents returns events still awaiting dispatch on one channel,
// oldest first.
func (r *Repository) UnnotifiedEvents(ctx context.Context, channel types.Channel, limit int) ([]types.ChangeEvent, error) {
	rows, err := r.db.QueryxContext(ctx, `
SELECT id, tenant_slug, COALESCE(import_run_id::text, '') AS import_run_id, entity_kind,
       entity_id, entity_name, event_type, severity, channel, summary, diff, created_at, notified_at
FROM change_events
WHERE channel = $1 AND notified_at IS NULL
ORDER BY created_at
LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("unnotified events on %s: %w", channel, err)
	}
	defer rows.Close()
	var out []types.ChangeEvent
	for rows.Next() {
		var ev types.ChangeEvent
		var diff []byte
		if err := rows.Scan(&ev.ID, &ev.TenantSlug, &ev.ImportRunID, &ev.EntityKind,
			&ev.EntityID, &ev.EntityName, &ev.EventType, &ev.Severity, &ev.Channel,
			&ev.Summary, &diff, &ev.CreatedAt, &ev.NotifiedAt); err != nil {
			return nil, err
		}
		if len(diff) > 0 {
			if err := json.Unmarshal(diff, &ev.Diff); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertImportRun opens a run row in the running state.
func (r *Repository) InsertImportRun(ctx context.Context, run *types.ImportRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = r.now()
	}
	if run.Status == "" {
		run.Status = types.RunRunning
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_runs (id, tenant_slug, status, started_at) VALUES ($1,$2,$3,$4)`,
		run.ID, run.TenantSlug, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert import run for %s: %w", run.TenantSlug, err)
	}
	return nil
}

// FinishImportRun writes the final status and counters.
func (r *Repository) FinishImportRun(ctx context.Context, run *types.ImportRun) error {
	if run.FinishedAt == nil {
		now := r.now()
		run.FinishedAt = &now
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE import_runs
SET status=$2, pages_checked=$3, pages_changed=$4, pages_errored=$5, pages_rendered=$6,
    budget_denials=$7, entities_upserted=$8, events_emitted=$9, llm_calls=$10,
    error_json=$11, finished_at=$12
WHERE id = $1`,
		run.ID, run.Status, run.PagesChecked, run.PagesChanged, run.PagesErrored,
		run.PagesRendered, run.BudgetDenials, run.EntitiesUpserted, run.EventsEmitted,
		run.LLMCalls, nullableBytes(run.ErrorJSON), run.FinishedAt)
	if err != nil {
		return fmt.Errorf("finish import run %s: %w", run.ID, err)
	}
	return nil
}

// RecentImportRuns returns the newest runs for the status API.
func (r *Repository) RecentImportRuns(ctx context.Context, limit int) ([]types.ImportRun, error) {
	var runs []types.ImportRun
	err := r.db.SelectContext(ctx, &runs, `
SELECT id, tenant_slug, status, pages_checked, pages_changed, pages_errored, pages_rendered,
       budget_denials, entities_upserted, events_emitted, llm_calls, error_json,
       started_at, finished_at
FROM import_runs
ORDER BY started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent import runs: %w", err)
	}
	return runs, nil
}

// nullable maps an empty id string to SQL NULL for UUID columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
