// decision.go — Check and render decisions for one source page.
// The scheduler is a pure policy: it reads a page row and the clock and
// answers shouldCheck / shouldRender with a reason. It never performs I/O and
// never retries; budget counters and dispatch belong to the driver.
package schedule

import (
	"fmt"
	"time"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/types"
)

// Base check intervals in minutes, by page type. Tenant interval overrides
// win over this table.
var baseIntervals = map[types.PageType]int{
	types.PageHomepage:   120,
	types.PageOffers:     240,
	types.PageVehicle:    720,
	types.PageNews:       1440,
	types.PageSitemap:    1440,
	types.PagePriceGuide: 1440,
	types.PageCategory:   720,
	types.PageBuildPrice: 720,
	types.PageOther:      720,
}

// Decision is the scheduler's verdict for one page at one instant.
type Decision struct {
	ShouldCheck  bool
	ShouldRender bool
	Reason       string
	NextCheckAt  time.Time
}

// Scheduler makes check/render decisions under the configured policy.
type Scheduler struct {
	cfg config.ScheduleConfig
}

// New returns a Scheduler with the given policy knobs.
func New(cfg config.ScheduleConfig) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// BaseInterval returns the check interval for a page, tenant overrides
// applied.
func (s *Scheduler) BaseInterval(tenant types.Tenant, pt types.PageType) time.Duration {
	if m, ok := tenant.IntervalOverrides[pt]; ok && m > 0 {
		return time.Duration(m) * time.Minute
	}
	m, ok := baseIntervals[pt]
	if !ok {
		m = baseIntervals[types.PageOther]
	}
	return time.Duration(m) * time.Minute
}

// EffectiveInterval applies backoff to the base interval. A page that has not
// changed for backoffAfterDays' worth of checks earns a longer interval:
// base / multiplier (default multiplier 0.5, so the interval doubles). The
// checks-per-backoff threshold is an integer floor of days*1440/base.
func (s *Scheduler) EffectiveInterval(tenant types.Tenant, page *types.SourcePage) time.Duration {
	base := s.BaseInterval(tenant, page.PageType)
	threshold := s.cfg.BackoffAfterDays * int((24*time.Hour)/base)
	if threshold > 0 && page.ConsecutiveNoChange >= threshold {
		return time.Duration(float64(base) / s.cfg.BackoffMultiplier)
	}
	return base
}

// ShouldCheck decides whether a cheap check is due for the page at now.
func (s *Scheduler) ShouldCheck(tenant types.Tenant, page *types.SourcePage, now time.Time) Decision {
	interval := s.EffectiveInterval(tenant, page)
	if page.LastCheckedAt == nil {
		return Decision{
			ShouldCheck: true,
			Reason:      "never checked",
			NextCheckAt: now.Add(interval),
		}
	}
	elapsed := now.Sub(*page.LastCheckedAt)
	if elapsed < interval {
		return Decision{
			ShouldCheck: false,
			Reason:      fmt.Sprintf("checked %s ago, interval %s", elapsed.Round(time.Second), interval),
			NextCheckAt: page.LastCheckedAt.Add(interval),
		}
	}
	return Decision{
		ShouldCheck: true,
		Reason:      "check interval elapsed",
		NextCheckAt: now.Add(interval),
	}
}

// ShouldRender decides whether a check escalates to a full render. Call only
// after a check fired. newFingerprint is the fresh cheap-check hash.
//
// Order matters: the render rate limit is absolute and applies even to
// tenants whose pages poison cheap checks (bot walls serve rotating
// challenge markup, so their hashes always differ). For those tenants the
// hash comparison is skipped entirely; for everyone else an unchanged hash
// is the cost-control gate.
func (s *Scheduler) ShouldRender(tenant types.Tenant, page *types.SourcePage, newFingerprint string, now time.Time) Decision {
	renderWanted := tenant.RequiresBrowser
	if s.cfg.RenderPolicy == "page" {
		renderWanted = page.RenderRequired
	}

	if page.LastRenderedAt != nil {
		if elapsed := now.Sub(*page.LastRenderedAt); elapsed < s.cfg.MaxRenderInterval() {
			return Decision{
				ShouldRender: false,
				Reason:       "render rate limit",
			}
		}
	}
	if renderWanted {
		return Decision{
			ShouldRender: true,
			Reason:       "tenant requires browser rendering",
		}
	}
	if newFingerprint != "" && newFingerprint == page.NormFingerprint {
		return Decision{
			ShouldRender: false,
			Reason:       "HTML hash unchanged — cost control",
		}
	}
	return Decision{
		ShouldRender: true,
		Reason:       "content fingerprint changed",
	}
}

// CrawlOutcome carries what the driver learned from one crawl, feeding the
// atomic page update.
type CrawlOutcome struct {
	HTMLChanged         bool
	Rendered            bool
	NormFingerprint     string
	RenderedFingerprint string
	Err                 error  // permanent fetch failure, nil otherwise
	Blocked             bool   // 403/429 bot wall
}

// PageUpdateFor builds the atomic partial update applied after a crawl.
// Ownership: this is the only place SourcePage bookkeeping fields are
// written. The counter/last-changed coupling holds by construction:
// a changed page gets counter 0 and LastChangedAt == LastCheckedAt; an
// unchanged one increments the counter and leaves LastChangedAt alone.
func PageUpdateFor(page *types.SourcePage, out CrawlOutcome, now time.Time) types.PageUpdate {
	upd := types.PageUpdate{LastCheckedAt: &now}

	if out.Err != nil {
		st := types.PageError
		if out.Blocked {
			st = types.PageBlocked
		}
		msg := out.Err.Error()
		upd.Status = &st
		upd.ErrorMessage = &msg
		return upd
	}

	active := types.PageActive
	empty := ""
	upd.Status = &active
	upd.ErrorMessage = &empty
	if out.NormFingerprint != "" {
		upd.NormFingerprint = &out.NormFingerprint
	}
	if out.HTMLChanged {
		zero := 0
		upd.ConsecutiveNoChange = &zero
		upd.LastChangedAt = &now
	} else {
		n := page.ConsecutiveNoChange + 1
		upd.ConsecutiveNoChange = &n
	}
	if out.Rendered {
		upd.LastRenderedAt = &now
		if out.RenderedFingerprint != "" {
			upd.RenderedFingerprint = &out.RenderedFingerprint
		}
	}
	return upd
}
