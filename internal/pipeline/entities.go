// entities.go — Entity sync for one crawled page: upserts, change detection,
// version snapshots, event emission, removal detection.
// Ordering is persist-then-dispatch: an event row exists before any
// notification attempt, so a crash mid-dispatch loses a post (retried later),
// never a record. Removal detection runs only on a successful extraction —
// a selector drift must not read as thirteen vehicles leaving the lineup.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/alert"
	"github.com/forecourt/oemwatch/internal/detect"
	"github.com/forecourt/oemwatch/internal/extract"
	"github.com/forecourt/oemwatch/internal/types"
)

// syncEntities reconciles the extraction result against the store.
func (d *Driver) syncEntities(ctx context.Context, tenant types.Tenant, page types.SourcePage, result extract.Result, stats *jobStats, now time.Time) {
	runID := d.runs.runID(tenant.Slug)
	seen := map[types.EntityKind]map[string]bool{
		types.KindProduct: {},
		types.KindOffer:   {},
		types.KindBanner:  {},
	}

	for _, p := range result.Items.Products {
		fields := p.FieldMap()
		p.Fingerprint = extract.FingerprintFields(fields)
		seen[types.KindProduct][p.ExternalKey] = true
		res, err := d.deps.Repo.UpsertProduct(ctx, p)
		if err != nil {
			d.log.Error("upsert product", zap.String("key", p.ExternalKey), zap.Error(err))
			continue
		}
		stats.upserts++
		analysis := d.deps.Detector.Detect(detect.ProductChange{
			TenantSlug: tenant.Slug, PageID: page.ID, EntityID: res.EntityID,
			Prev: res.Prev, New: p,
		})
		d.recordChange(ctx, tenant.Slug, types.KindProduct, res, fields, p.Fingerprint, analysis, runID, stats, now)
	}

	for _, o := range result.Items.Offers {
		fields := o.FieldMap()
		o.Fingerprint = extract.FingerprintFields(fields)
		seen[types.KindOffer][o.ExternalKey] = true
		res, err := d.deps.Repo.UpsertOffer(ctx, o)
		if err != nil {
			d.log.Error("upsert offer", zap.String("key", o.ExternalKey), zap.Error(err))
			continue
		}
		stats.upserts++
		analysis := d.deps.Detector.Detect(detect.OfferChange{
			TenantSlug: tenant.Slug, PageID: page.ID, EntityID: res.EntityID,
			Prev: res.Prev, New: o,
		})
		d.recordChange(ctx, tenant.Slug, types.KindOffer, res, fields, o.Fingerprint, analysis, runID, stats, now)
	}

	for _, b := range result.Items.Banners {
		fields := b.FieldMap()
		b.Fingerprint = extract.FingerprintFields(fields)
		seen[types.KindBanner][b.ExternalKey] = true
		res, err := d.deps.Repo.UpsertBanner(ctx, b)
		if err != nil {
			d.log.Error("upsert banner", zap.String("key", b.ExternalKey), zap.Error(err))
			continue
		}
		stats.upserts++
		analysis := d.deps.Detector.Detect(detect.BannerChange{
			TenantSlug: tenant.Slug, PageID: page.ID, EntityID: res.EntityID,
			Prev: res.Prev, New: b,
		})
		d.recordChange(ctx, tenant.Slug, types.KindBanner, res, fields, b.Fingerprint, analysis, runID, stats, now)
	}

	if result.Stats.Success {
		d.detectRemovals(ctx, tenant, page, seen, runID, stats, now)
	}
}

// recordChange persists the version snapshot and change event for one upsert
// and hands the event to the alert path.
func (d *Driver) recordChange(ctx context.Context, tenant string, kind types.EntityKind, res types.UpsertResult, fields map[string]any, fingerprint string, analysis *types.ChangeAnalysis, runID string, stats *jobStats, now time.Time) {
	if fingerprint != res.PrevFingerprint {
		snapshot, err := json.Marshal(fields)
		if err != nil {
			d.log.Error("marshal snapshot", zap.String("entity", res.EntityID), zap.Error(err))
			return
		}
		version := &types.Version{
			ID:          uuid.NewString(),
			TenantSlug:  tenant,
			EntityKind:  kind,
			EntityID:    res.EntityID,
			ImportRunID: runID,
			Fingerprint: fingerprint,
			Snapshot:    snapshot,
			CreatedAt:   now,
		}
		if analysis != nil {
			version.DiffSummary = analysis.Summary
			version.ChangedFields = analysis.Meaningful
		}
		if err := d.deps.Repo.InsertVersion(ctx, version); err != nil {
			d.log.Error("insert version", zap.String("entity", res.EntityID), zap.Error(err))
		} else if err := d.deps.Repo.SetCurrentVersion(ctx, kind, res.EntityID, version.ID, fingerprint); err != nil {
			d.log.Error("set current version", zap.String("entity", res.EntityID), zap.Error(err))
		}
	}
	if analysis != nil {
		d.emitEvent(ctx, analysis, runID, stats, now)
	}
}

// detectRemovals soft-deletes stored entities the page no longer shows and
// emits their removal events.
func (d *Driver) detectRemovals(ctx context.Context, tenant types.Tenant, page types.SourcePage, seen map[types.EntityKind]map[string]bool, runID string, stats *jobStats, now time.Time) {
	for _, kind := range []types.EntityKind{types.KindProduct, types.KindOffer, types.KindBanner} {
		stored, err := d.deps.Repo.EntitiesOnPage(ctx, page.ID, kind)
		if err != nil {
			d.log.Error("list page entities",
				zap.String("page", page.ID), zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		for key, entityID := range stored {
			if seen[kind][key] {
				continue
			}
			prev, err := d.deps.Repo.EntityFieldMap(ctx, kind, entityID)
			if err != nil {
				d.log.Error("load removed entity", zap.String("entity", entityID), zap.Error(err))
				continue
			}
			if err := d.deps.Repo.MarkEntityRemoved(ctx, kind, entityID, now); err != nil {
				d.log.Error("mark removed", zap.String("entity", entityID), zap.Error(err))
				continue
			}
			analysis := d.deps.Detector.Detect(changeFor(kind, tenant.Slug, page.ID, entityID, prev))
			if analysis != nil {
				d.emitEvent(ctx, analysis, runID, stats, now)
			}
		}
	}
}

// emitEvent routes, persists, and dispatches one analysis.
func (d *Driver) emitEvent(ctx context.Context, analysis *types.ChangeAnalysis, runID string, stats *jobStats, now time.Time) {
	channel := alert.Route(analysis)
	ev := &types.ChangeEvent{
		ID:          uuid.NewString(),
		TenantSlug:  analysis.TenantSlug,
		ImportRunID: runID,
		EntityKind:  analysis.EntityKind,
		EntityID:    analysis.EntityID,
		EntityName:  analysis.EntityName,
		EventType:   analysis.EventType,
		Severity:    analysis.Severity,
		Channel:     channel,
		Summary:     analysis.Summary,
		Diff:        analysis.Diff,
		CreatedAt:   now,
	}
	if err := d.deps.Repo.InsertChangeEvent(ctx, ev); err != nil {
		// Without the row at-least-once delivery has nothing to lean on, so
		// the event is not dispatched either.
		d.log.Error("insert change event", zap.String("entity", ev.EntityID), zap.Error(err))
		return
	}
	stats.events++
	if d.deps.Metrics != nil {
		d.deps.Metrics.ChangeEvents.WithLabelValues(ev.TenantSlug, string(ev.Severity)).Inc()
	}
	d.deps.Alerts.Dispatch(ctx, *ev)
}

// changeFor builds the removal variant for one kind.
func changeFor(kind types.EntityKind, tenant, pageID, entityID string, prev map[string]any) detect.EntityChange {
	switch kind {
	case types.KindOffer:
		return detect.OfferChange{TenantSlug: tenant, PageID: pageID, EntityID: entityID, Prev: prev}
	case types.KindBanner:
		return detect.BannerChange{TenantSlug: tenant, PageID: pageID, EntityID: entityID, Prev: prev}
	default:
		return detect.ProductChange{TenantSlug: tenant, PageID: pageID, EntityID: entityID, Prev: prev}
	}
}
