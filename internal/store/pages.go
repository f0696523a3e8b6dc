// pages.go — Source-page rows and render counters.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forecourt/oemwatch/internal/types"
)

const pagesToCheckQuery = `
SELECT id, tenant_slug, url, page_type, status, render_required,
       norm_fingerprint, rendered_fingerprint, consecutive_no_change,
       last_checked_at, last_changed_at, last_rendered_at, error_message, created_at
FROM source_pages
WHERE tenant_slug = $1 AND status <> 'removed'
ORDER BY url`

// PagesToCheck returns a tenant's schedulable pages: everything not removed.
// Error and blocked pages stay in rotation; their intervals back off like any
// other unchanged page. The scheduler applies interval policy against now.
func (r *Repository) PagesToCheck(ctx context.Context, tenant string, _ time.Time) ([]types.SourcePage, error) {
	var pages []types.SourcePage
	if err := r.db.SelectContext(ctx, &pages, pagesToCheckQuery, tenant); err != nil {
		return nil, fmt.Errorf("pages to check for %s: %w", tenant, err)
	}
	return pages, nil
}

// UpdatePage applies an atomic partial update: only non-nil fields reach the
// row, so concurrent bookkeeping never clobbers sibling columns.
func (r *Repository) UpdatePage(ctx context.Context, pageID string, upd types.PageUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.NormFingerprint != nil {
		add("norm_fingerprint", *upd.NormFingerprint)
	}
	if upd.RenderedFingerprint != nil {
		add("rendered_fingerprint", *upd.RenderedFingerprint)
	}
	if upd.ConsecutiveNoChange != nil {
		add("consecutive_no_change", *upd.ConsecutiveNoChange)
	}
	if upd.LastCheckedAt != nil {
		add("last_checked_at", *upd.LastCheckedAt)
	}
	if upd.LastChangedAt != nil {
		add("last_changed_at", *upd.LastChangedAt)
	}
	if upd.LastRenderedAt != nil {
		add("last_rendered_at", *upd.LastRenderedAt)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, pageID)
	query := fmt.Sprintf("UPDATE source_pages SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update page %s: %w", pageID, err)
	}
	return nil
}

// UpsertPage registers a page, keyed (tenant, url). An existing row is left
// untouched so seeding never resets crawl state.
func (r *Repository) UpsertPage(ctx context.Context, page types.SourcePage) (bool, error) {
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	if page.Status == "" {
		page.Status = types.PageActive
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = r.now()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO source_pages (id, tenant_slug, url, page_type, status, render_required, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_slug, url) DO NOTHING`,
		page.ID, page.TenantSlug, page.URL, page.PageType, page.Status, page.RenderRequired, page.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert page %s: %w", page.URL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RenderCounts returns the tenant's render usage and the global total for one
// month ("2006-01").
func (r *Repository) RenderCounts(ctx context.Context, tenant, month string) (types.RenderCounts, error) {
	var counts types.RenderCounts
	err := r.db.QueryRowxContext(ctx, `
SELECT COALESCE(SUM(count) FILTER (WHERE tenant_slug = $1), 0) AS tenant,
       COALESCE(SUM(count), 0) AS global
FROM render_counts
WHERE month = $2`, tenant, month).Scan(&counts.Tenant, &counts.Global)
	if err != nil {
		return types.RenderCounts{}, fmt.Errorf("render counts %s/%s: %w", tenant, month, err)
	}
	return counts, nil
}

// IncrementRenderCount bumps the tenant's counter for month; the global total
// is derived, never stored.
func (r *Repository) IncrementRenderCount(ctx context.Context, tenant, month string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO render_counts (month, tenant_slug, count) VALUES ($1, $2, 1)
ON CONFLICT (month, tenant_slug) DO UPDATE SET count = render_counts.count + 1`,
		month, tenant)
	if err != nil {
		return fmt.Errorf("increment render count %s/%s: %w", tenant, month, err)
	}
	return nil
}
