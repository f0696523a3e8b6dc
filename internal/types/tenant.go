// tenant.go — Tenant roster and source-page records.
// Tenants are a fixed set of OEM vendor sites configured at startup; source
// pages are the per-tenant URL inventory the scheduler walks.
package types

import "time"

// ============================================
// Tenant
// ============================================

// Tenant is one monitored OEM site. The roster is loaded from the registry
// file and is stable for the life of the process unless hot-reloaded.
type Tenant struct {
	Slug                string            `json:"slug" yaml:"slug"`                                       // stable identifier, e.g. "toyota-au"
	Name                string            `json:"name" yaml:"name"`                                       // display name
	BaseURL             string            `json:"base_url" yaml:"base_url"`                               // scheme+host, no trailing slash
	SitemapURL          string            `json:"sitemap_url,omitempty" yaml:"sitemap_url,omitempty"`     // seed source, defaults to BaseURL+"/sitemap.xml"
	Active              bool              `json:"active" yaml:"active"`
	RequiresBrowser     bool              `json:"requires_browser" yaml:"requires_browser"`               // JS-only site: cheap fetch sees an empty shell
	MonthlyRenderBudget int               `json:"monthly_render_budget" yaml:"monthly_render_budget"`     // 0 means the default cap
	MaxConcurrentLLM    int               `json:"max_concurrent_llm" yaml:"max_concurrent_llm"`           // 0 means the default of 2
	IntervalOverrides   map[PageType]int  `json:"interval_overrides,omitempty" yaml:"interval_overrides"` // minutes, keyed by page type
	Headers             map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`             // extra request headers (consent cookies etc.)
}

// ============================================
// Source pages
// ============================================

// PageType classifies a source page and selects its base check interval.
type PageType string

const (
	PageHomepage   PageType = "homepage"
	PageOffers     PageType = "offers"
	PageVehicle    PageType = "vehicle"
	PageNews       PageType = "news"
	PageSitemap    PageType = "sitemap"
	PagePriceGuide PageType = "price_guide"
	PageCategory   PageType = "category"
	PageBuildPrice PageType = "build_price"
	PageOther      PageType = "other"
)

// PageStatus is the lifecycle state of a source page.
type PageStatus string

const (
	PageActive  PageStatus = "active"
	PageRemoved PageStatus = "removed" // dropped from the tenant's sitemap
	PageError   PageStatus = "error"   // last fetch failed permanently
	PageBlocked PageStatus = "blocked" // bot protection (403/429) on last fetch
)

// SourcePage is one monitored URL. Unique per (tenant, url).
//
// Ownership: only the scheduler/driver mutates these fields, always through
// Repository.UpdatePage under the page's keyed lock. A fingerprint change
// resets ConsecutiveNoChange to zero and stamps LastChangedAt; an unchanged
// check increments the counter; a render stamps LastRenderedAt.
// Invariant: ConsecutiveNoChange == 0 iff LastChangedAt equals LastCheckedAt.
type SourcePage struct {
	ID                  string     `json:"id" db:"id"`
	TenantSlug          string     `json:"tenant_slug" db:"tenant_slug"`
	URL                 string     `json:"url" db:"url"`
	PageType            PageType   `json:"page_type" db:"page_type"`
	Status              PageStatus `json:"status" db:"status"`
	RenderRequired      bool       `json:"render_required" db:"render_required"` // page-level hint; precedence vs the tenant flag is configurable
	NormFingerprint     string     `json:"norm_fingerprint,omitempty" db:"norm_fingerprint"`     // SHA-256 of last normalized HTML
	RenderedFingerprint string     `json:"rendered_fingerprint,omitempty" db:"rendered_fingerprint"` // SHA-256 of last rendered DOM
	ConsecutiveNoChange int        `json:"consecutive_no_change" db:"consecutive_no_change"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty" db:"last_checked_at"`
	LastChangedAt       *time.Time `json:"last_changed_at,omitempty" db:"last_changed_at"`
	LastRenderedAt      *time.Time `json:"last_rendered_at,omitempty" db:"last_rendered_at"`
	ErrorMessage        string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// PageUpdate is the atomic partial update applied after a crawl. Nil fields
// are left untouched so bookkeeping never clobbers sibling columns.
type PageUpdate struct {
	Status              *PageStatus
	NormFingerprint     *string
	RenderedFingerprint *string
	ConsecutiveNoChange *int
	LastCheckedAt       *time.Time
	LastChangedAt       *time.Time
	LastRenderedAt      *time.Time
	ErrorMessage        *string
}

// RenderCounts is one tenant's monthly render usage next to the global
// total, as returned by the repository for budget decisions.
type RenderCounts struct {
	Tenant int `json:"tenant"`
	Global int `json:"global"`
}
