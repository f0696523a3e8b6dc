// decision_test.go — Check/render policy: intervals, backoff, rate limits,
// hash gating, and the post-crawl page update.
package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/types"
)

func testConfig() config.ScheduleConfig {
	return config.ScheduleConfig{
		MaxRenderIntervalMinutes: 120,
		BackoffAfterDays:         7,
		BackoffMultiplier:        0.5,
		TenantMonthlyRenderCap:   1000,
		GlobalMonthlyRenderCap:   10000,
		BudgetWarnRatio:          0.8,
		RenderPolicy:             "tenant",
	}
}

func pageAt(pt types.PageType, lastChecked time.Time, noChange int) *types.SourcePage {
	return &types.SourcePage{
		ID:                  "page-1",
		TenantSlug:          "toyota-au",
		URL:                 "https://toyota.example/offers",
		PageType:            pt,
		Status:              types.PageActive,
		ConsecutiveNoChange: noChange,
		LastCheckedAt:       &lastChecked,
	}
}

func TestShouldCheckNeverChecked(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := &types.SourcePage{PageType: types.PageHomepage}

	d := s.ShouldCheck(types.Tenant{}, page, now)
	if !d.ShouldCheck {
		t.Fatal("never-checked page must be due")
	}
	if want := now.Add(120 * time.Minute); !d.NextCheckAt.Equal(want) {
		t.Errorf("NextCheckAt = %v, want %v", d.NextCheckAt, want)
	}
}

func TestShouldCheckIntervalNotElapsed(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pageAt(types.PageHomepage, now.Add(-60*time.Minute), 0)

	d := s.ShouldCheck(types.Tenant{}, page, now)
	if d.ShouldCheck {
		t.Fatal("check fired 60m into a 120m interval")
	}
	if want := page.LastCheckedAt.Add(120 * time.Minute); !d.NextCheckAt.Equal(want) {
		t.Errorf("NextCheckAt = %v, want %v", d.NextCheckAt, want)
	}
}

func TestShouldCheckIntervalElapsed(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Scenario: homepage checked 180m ago on a 120m interval.
	page := pageAt(types.PageHomepage, now.Add(-180*time.Minute), 0)

	d := s.ShouldCheck(types.Tenant{}, page, now)
	if !d.ShouldCheck {
		t.Fatal("check must fire after the interval elapses")
	}
}

func TestBackoffActivatesAtExactThreshold(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	tenant := types.Tenant{}
	// homepage: base 120m, 12 checks/day, threshold = 7*12 = 84.
	base := 120 * time.Minute

	below := pageAt(types.PageHomepage, time.Time{}, 83)
	if got := s.EffectiveInterval(tenant, below); got != base {
		t.Errorf("below threshold: interval = %v, want %v", got, base)
	}
	at := pageAt(types.PageHomepage, time.Time{}, 84)
	if got := s.EffectiveInterval(tenant, at); got != 2*base {
		t.Errorf("at threshold: interval = %v, want %v (doubled)", got, 2*base)
	}
}

func TestShouldCheckHonesty(t *testing.T) {
	t.Parallel()

	// Invariant: whenever shouldCheck is false, now-lastChecked < interval.
	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, pt := range []types.PageType{
		types.PageHomepage, types.PageOffers, types.PageVehicle, types.PageNews,
		types.PageSitemap, types.PagePriceGuide, types.PageCategory,
		types.PageBuildPrice, types.PageOther,
	} {
		for _, ago := range []time.Duration{0, 30 * time.Minute, 119 * time.Minute, 720 * time.Minute, 2000 * time.Minute} {
			page := pageAt(pt, now.Add(-ago), 0)
			d := s.ShouldCheck(types.Tenant{}, page, now)
			if !d.ShouldCheck && ago >= s.EffectiveInterval(types.Tenant{}, page) {
				t.Errorf("%s: denied check after %v with interval %v", pt, ago, s.EffectiveInterval(types.Tenant{}, page))
			}
		}
	}
}

func TestTenantIntervalOverrideWins(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	tenant := types.Tenant{IntervalOverrides: map[types.PageType]int{types.PageHomepage: 30}}
	if got := s.BaseInterval(tenant, types.PageHomepage); got != 30*time.Minute {
		t.Errorf("BaseInterval = %v, want 30m", got)
	}
}

func TestShouldRenderRateLimitFirst(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rendered := now.Add(-30 * time.Minute)
	page := pageAt(types.PageOffers, now, 0)
	page.LastRenderedAt = &rendered
	page.NormFingerprint = "ha"

	// The rate limit applies even to requires-browser tenants.
	d := s.ShouldRender(types.Tenant{RequiresBrowser: true}, page, "hb", now)
	if d.ShouldRender {
		t.Fatal("render granted inside the rate-limit window")
	}
	if d.Reason != "render rate limit" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestShouldRenderRateLimitBoundary(t *testing.T) {
	t.Parallel()

	// elapsed == interval allows the render.
	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rendered := now.Add(-120 * time.Minute)
	page := pageAt(types.PageOffers, now, 0)
	page.LastRenderedAt = &rendered
	page.NormFingerprint = "ha"

	d := s.ShouldRender(types.Tenant{}, page, "hb", now)
	if !d.ShouldRender {
		t.Fatalf("render denied at exact boundary: %s", d.Reason)
	}
}

func TestShouldRenderHashUnchanged(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pageAt(types.PageHomepage, now, 0)
	page.NormFingerprint = "h1"

	d := s.ShouldRender(types.Tenant{}, page, "h1", now)
	if d.ShouldRender {
		t.Fatal("render granted for unchanged hash")
	}
	if d.Reason != "HTML hash unchanged — cost control" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestShouldRenderBrowserTenantIgnoresHash(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pageAt(types.PageHomepage, now, 0)
	page.NormFingerprint = "h1"

	d := s.ShouldRender(types.Tenant{RequiresBrowser: true}, page, "h1", now)
	if !d.ShouldRender {
		t.Fatalf("browser tenant denied render on unchanged hash: %s", d.Reason)
	}
}

func TestShouldRenderPagePolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RenderPolicy = "page"
	s := New(cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pageAt(types.PageHomepage, now, 0)
	page.NormFingerprint = "h1"
	page.RenderRequired = true

	// Under page policy the page flag wins over the tenant flag.
	d := s.ShouldRender(types.Tenant{RequiresBrowser: false}, page, "h1", now)
	if !d.ShouldRender {
		t.Fatalf("page-required render denied: %s", d.Reason)
	}
}

func TestShouldRenderChangedHash(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rendered := now.Add(-300 * time.Minute)
	page := pageAt(types.PageOffers, now, 0)
	page.LastRenderedAt = &rendered
	page.NormFingerprint = "ha"

	d := s.ShouldRender(types.Tenant{}, page, "hb", now)
	if !d.ShouldRender {
		t.Fatalf("render denied for changed offers page: %s", d.Reason)
	}
}

// ============================================
// Budget
// ============================================

func TestBudgetExhaustedTenant(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	v := s.CheckRenderBudget(types.Tenant{}, types.RenderCounts{Tenant: 1000, Global: 4000})
	if v.Allowed {
		t.Fatal("render allowed at tenant cap")
	}
}

func TestBudgetExhaustedGlobal(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	v := s.CheckRenderBudget(types.Tenant{}, types.RenderCounts{Tenant: 10, Global: 10000})
	if v.Allowed {
		t.Fatal("render allowed at global cap")
	}
}

func TestBudgetWarnsAtEightyPercent(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	v := s.CheckRenderBudget(types.Tenant{}, types.RenderCounts{Tenant: 800, Global: 900})
	if !v.Allowed {
		t.Fatalf("render denied at 80%%: %s", v.Reason)
	}
	if v.Warning == "" {
		t.Error("expected a budget warning at the watermark")
	}
}

func TestBudgetTenantOverride(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	tenant := types.Tenant{MonthlyRenderBudget: 50}
	v := s.CheckRenderBudget(tenant, types.RenderCounts{Tenant: 50, Global: 100})
	if v.Allowed {
		t.Fatal("render allowed past the tenant's own budget")
	}
}

// ============================================
// Post-crawl update
// ============================================

func TestPageUpdateForChanged(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pageAt(types.PageOffers, now.Add(-time.Hour), 5)
	upd := PageUpdateFor(page, CrawlOutcome{HTMLChanged: true, Rendered: true, NormFingerprint: "hb", RenderedFingerprint: "rb"}, now)

	if upd.ConsecutiveNoChange == nil || *upd.ConsecutiveNoChange != 0 {
		t.Error("changed crawl must reset consecutive_no_change")
	}
	if upd.LastChangedAt == nil || !upd.LastChangedAt.Equal(now) {
		t.Error("changed crawl must stamp last_changed_at = now")
	}
	if upd.LastCheckedAt == nil || !upd.LastCheckedAt.Equal(now) {
		t.Error("every crawl stamps last_checked_at")
	}
	if upd.LastRenderedAt == nil || !upd.LastRenderedAt.Equal(now) {
		t.Error("rendered crawl must stamp last_rendered_at")
	}
	// Invariant 1: counter zero iff last_changed == last_checked.
	if !upd.LastChangedAt.Equal(*upd.LastCheckedAt) {
		t.Error("counter reset without last_changed == last_checked")
	}
}

func TestPageUpdateForUnchanged(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pageAt(types.PageHomepage, now.Add(-3*time.Hour), 5)
	upd := PageUpdateFor(page, CrawlOutcome{NormFingerprint: "h1"}, now)

	if upd.ConsecutiveNoChange == nil || *upd.ConsecutiveNoChange != 6 {
		t.Errorf("consecutive_no_change = %v, want 6", upd.ConsecutiveNoChange)
	}
	if upd.LastChangedAt != nil {
		t.Error("unchanged crawl must not touch last_changed_at")
	}
	if upd.LastRenderedAt != nil {
		t.Error("unrendered crawl must not touch last_rendered_at")
	}
}

func TestPageUpdateForError(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pageAt(types.PageVehicle, now.Add(-24*time.Hour), 0)
	upd := PageUpdateFor(page, CrawlOutcome{Err: errors.New("dial tcp: NXDOMAIN")}, now)

	if upd.Status == nil || *upd.Status != types.PageError {
		t.Error("permanent failure must set status=error")
	}
	if upd.ErrorMessage == nil || *upd.ErrorMessage == "" {
		t.Error("error message must be recorded")
	}
	if upd.LastCheckedAt == nil || !upd.LastCheckedAt.Equal(now) {
		t.Error("failed crawl still stamps last_checked_at so backoff applies")
	}
}

func TestPageUpdateForBlocked(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	page := pageAt(types.PageVehicle, now.Add(-24*time.Hour), 0)
	upd := PageUpdateFor(page, CrawlOutcome{Err: errors.New("403 Forbidden"), Blocked: true}, now)

	if upd.Status == nil || *upd.Status != types.PageBlocked {
		t.Error("bot wall must set status=blocked")
	}
}
