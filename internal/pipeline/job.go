// job.go — One crawl, end to end: check, maybe render, extract, sync, update.
// The error taxonomy drives the branches: transient fetch failures are
// retried here with backoff, permanent and blocked ones flip the page status
// through the same atomic update everything else uses. Page bookkeeping is
// written exactly once per job, under the page's keyed lock.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/fetch"
	"github.com/forecourt/oemwatch/internal/render"
	"github.com/forecourt/oemwatch/internal/schedule"
	"github.com/forecourt/oemwatch/internal/types"
)

// transientAttempts bounds the in-job retry for transient fetch failures.
const transientAttempts = 3

// process runs one job to completion. Never returns an error: every failure
// mode lands in the page row, the run counters, or both.
func (d *Driver) process(ctx context.Context, job *schedule.Job) {
	tenant, page := job.Tenant, job.Page
	now := d.now()
	var stats jobStats
	defer func() { d.runs.complete(ctx, tenant.Slug, stats) }()

	res, err := d.checkWithRetry(ctx, page.URL, tenant.Headers)
	if err != nil {
		if errors.Is(err, fetch.ErrTransient) || errors.Is(err, context.Canceled) {
			// Exhausted retries: leave the page row alone so the next tick
			// tries again, but the run records the miss.
			stats.errored = true
			stats.errDetail = page.URL + ": " + err.Error()
			d.countCheck(tenant.Slug, "error")
			d.log.Warn("check failed after retries",
				zap.String("tenant", tenant.Slug), zap.String("url", page.URL), zap.Error(err))
			return
		}
		stats.errored = true
		stats.errDetail = page.URL + ": " + err.Error()
		d.countCheck(tenant.Slug, "error")
		d.updatePage(ctx, &page, schedule.CrawlOutcome{
			Err:     err,
			Blocked: errors.Is(err, fetch.ErrBlocked),
		}, now)
		return
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.FetchSeconds.WithLabelValues(tenant.Slug).Observe(res.FetchedIn.Seconds())
	}

	htmlChanged := res.Fingerprint != page.NormFingerprint
	outcome := schedule.CrawlOutcome{
		HTMLChanged:     htmlChanged,
		NormFingerprint: res.Fingerprint,
	}

	domHTML := res.Normalized
	var session types.BrowserSession
	decision := d.scheduler.ShouldRender(tenant, &page, res.Fingerprint, now)
	switch {
	case !decision.ShouldRender:
		d.countDenial(tenant.Slug, denialReason(decision.Reason))
	case !d.spendRenderBudget(ctx, tenant, &stats):
		// Budget denied. A browser-only tenant's cheap HTML is an empty
		// shell, so extraction would read removals into a page that merely
		// was not rendered; bookkeeping still advances.
		if d.renderWanted(tenant, &page) {
			d.countCheck(tenant.Slug, "skipped")
			d.updatePage(ctx, &page, outcome, now)
			return
		}
	default:
		session = d.renderPage(ctx, tenant, page, &outcome, &stats)
	}
	if session != nil {
		defer session.Close(ctx)
		if dom, err := render.DOM(ctx, session); err == nil && dom != "" {
			domHTML = dom
			outcome.RenderedFingerprint = fetch.Fingerprint(dom)
			if outcome.RenderedFingerprint != page.RenderedFingerprint {
				outcome.HTMLChanged = true
			}
		} else if err != nil {
			d.log.Warn("read rendered dom",
				zap.String("tenant", tenant.Slug), zap.String("url", page.URL), zap.Error(err))
		}
		d.maybeCaptureDesign(ctx, tenant, page, session)
	}

	// Unchanged page, no render: nothing new to extract.
	if !outcome.HTMLChanged && session == nil {
		d.countCheck(tenant.Slug, "unchanged")
		d.updatePage(ctx, &page, outcome, now)
		return
	}

	result, err := d.deps.Extractor.Extract(ctx, tenant, page, domHTML)
	if err != nil {
		stats.errored = true
		stats.errDetail = page.URL + ": " + err.Error()
		d.countCheck(tenant.Slug, "error")
		d.log.Error("extraction failed",
			zap.String("tenant", tenant.Slug), zap.String("url", page.URL), zap.Error(err))
		d.updatePage(ctx, &page, outcome, now)
		return
	}
	stats.llmCalls += result.Stats.LLMCalls

	if result.NeedsDiscovery && d.cfg.AutoDiscovery && session != nil {
		if discovered, err := d.deps.Discoverer.Discover(ctx, tenant, page, session); err != nil {
			d.log.Warn("discovery pass failed",
				zap.String("tenant", tenant.Slug), zap.String("url", page.URL), zap.Error(err))
		} else {
			d.deps.Discoverer.SeedCache(discovered)
			// The fresh cache makes the fast path viable right now.
			if result, err = d.deps.Extractor.Extract(ctx, tenant, page, domHTML); err != nil {
				stats.errored = true
				stats.errDetail = page.URL + ": " + err.Error()
				d.countCheck(tenant.Slug, "error")
				d.updatePage(ctx, &page, outcome, now)
				return
			}
			stats.llmCalls += result.Stats.LLMCalls
		}
	}

	if !result.NeedsDiscovery {
		d.syncEntities(ctx, tenant, page, result, &stats, now)
	}

	if outcome.HTMLChanged {
		d.countCheck(tenant.Slug, "changed")
	} else {
		d.countCheck(tenant.Slug, "unchanged")
	}
	d.updatePage(ctx, &page, outcome, now)
	stats.changed = outcome.HTMLChanged
}

// checkWithRetry runs the cheap check, retrying transient failures with a
// doubling delay.
func (d *Driver) checkWithRetry(ctx context.Context, url string, headers map[string]string) (fetch.Result, error) {
	delay := d.retryDelay
	var res fetch.Result
	var err error
	for attempt := 0; attempt < transientAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fetch.Result{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		res, err = d.deps.Checker.Check(ctx, url, headers)
		if err == nil || !errors.Is(err, fetch.ErrTransient) {
			return res, err
		}
	}
	return res, err
}

// spendRenderBudget checks this month's caps. Returns false on denial.
func (d *Driver) spendRenderBudget(ctx context.Context, tenant types.Tenant, stats *jobStats) bool {
	month := d.now().UTC().Format("2006-01")
	counts, err := d.deps.Repo.RenderCounts(ctx, tenant.Slug, month)
	if err != nil {
		// Fail closed: an unreadable counter must not burn budget.
		d.log.Error("read render counts", zap.String("tenant", tenant.Slug), zap.Error(err))
		stats.denials++
		return false
	}
	verdict := d.scheduler.CheckRenderBudget(tenant, counts)
	if !verdict.Allowed {
		stats.denials++
		d.countDenial(tenant.Slug, budgetScope(verdict.Reason)+"_budget")
		d.log.Warn("render denied",
			zap.String("tenant", tenant.Slug), zap.String("reason", verdict.Reason))
		return false
	}
	if verdict.Warning != "" {
		if d.deps.Metrics != nil {
			d.deps.Metrics.BudgetWarnings.WithLabelValues(tenant.Slug, budgetScope(verdict.Warning)).Inc()
		}
		d.log.Warn("render budget watermark crossed",
			zap.String("tenant", tenant.Slug), zap.String("warning", verdict.Warning))
	}
	return true
}

// renderPage opens a session and navigates it. A dead renderer degrades to
// the cheap HTML instead of failing the job.
func (d *Driver) renderPage(ctx context.Context, tenant types.Tenant, page types.SourcePage, outcome *schedule.CrawlOutcome, stats *jobStats) types.BrowserSession {
	session, err := d.deps.Renderer.Open(ctx, tenant.Slug)
	if err != nil {
		d.log.Warn("open browser session",
			zap.String("tenant", tenant.Slug), zap.String("url", page.URL), zap.Error(err))
		return nil
	}
	if err := session.Navigate(ctx, page.URL); err != nil {
		d.log.Warn("navigate", zap.String("url", page.URL), zap.Error(err))
		session.Close(ctx)
		return nil
	}
	if err := session.WaitForLoad(ctx, 0); err != nil {
		d.log.Warn("wait for load", zap.String("url", page.URL), zap.Error(err))
	}
	if err := d.deps.Repo.IncrementRenderCount(ctx, tenant.Slug, d.now().UTC().Format("2006-01")); err != nil {
		d.log.Error("increment render count", zap.String("tenant", tenant.Slug), zap.Error(err))
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.RendersTotal.WithLabelValues(tenant.Slug).Inc()
	}
	outcome.Rendered = true
	stats.rendered = true
	return session
}

// maybeCaptureDesign piggybacks a design capture on a session the crawl
// already paid for.
func (d *Driver) maybeCaptureDesign(ctx context.Context, tenant types.Tenant, page types.SourcePage, session types.BrowserSession) {
	if d.deps.Capturer == nil {
		return
	}
	due, err := d.deps.Capturer.Due(ctx, tenant.Slug, page.PageType)
	if err != nil || !due {
		return
	}
	if _, err := d.deps.Capturer.CapturePage(ctx, tenant, page, session); err != nil {
		d.log.Warn("design capture",
			zap.String("tenant", tenant.Slug), zap.String("url", page.URL), zap.Error(err))
	}
}

// renderWanted mirrors the scheduler's policy flag resolution.
func (d *Driver) renderWanted(tenant types.Tenant, page *types.SourcePage) bool {
	if d.cfg.RenderPolicy == "page" {
		return page.RenderRequired
	}
	return tenant.RequiresBrowser
}

// updatePage applies the post-crawl bookkeeping under the page's keyed lock.
func (d *Driver) updatePage(ctx context.Context, page *types.SourcePage, outcome schedule.CrawlOutcome, now time.Time) {
	d.locks.Lock(page.ID)
	defer d.locks.Unlock(page.ID)
	upd := schedule.PageUpdateFor(page, outcome, now)
	if err := d.deps.Repo.UpdatePage(ctx, page.ID, upd); err != nil {
		d.log.Error("update page", zap.String("url", page.URL), zap.Error(err))
	}
}

func (d *Driver) countCheck(tenant, outcome string) {
	if d.deps.Metrics != nil {
		d.deps.Metrics.ChecksTotal.WithLabelValues(tenant, outcome).Inc()
	}
}

func (d *Driver) countDenial(tenant, reason string) {
	if d.deps.Metrics != nil {
		d.deps.Metrics.RenderDenials.WithLabelValues(tenant, reason).Inc()
	}
}

// denialReason maps the scheduler's prose reason onto the metric label.
func denialReason(reason string) string {
	if strings.Contains(reason, "rate limit") {
		return "rate_limit"
	}
	return "hash_unchanged"
}

// budgetScope extracts tenant|global from a verdict message.
func budgetScope(msg string) string {
	if strings.HasPrefix(msg, "global") {
		return "global"
	}
	return "tenant"
}
