// design.go — Design-capture contracts: brand tokens and page layout.
// Write-only prompt contracts: the vision model's replies are validated for
// shape, persisted alongside the screenshot, and never interpreted further.
package types

import "time"

// BrandTokens is the strict JSON shape requested from the vision model for a
// design capture. Persisted verbatim.
type BrandTokens struct {
	Palette      []string `json:"palette"`      // hex colors, dominant first
	FontFamilies []string `json:"fontFamilies"` // declared or inferred families
	LogoURL      string   `json:"logoUrl,omitempty"`
	CornerRadius string   `json:"cornerRadius,omitempty"` // "sharp", "rounded", "pill"
	Spacing      string   `json:"spacing,omitempty"`      // "dense", "regular", "airy"
}

// LayoutSection is one visual band of a page in reading order.
type LayoutSection struct {
	Kind    string `json:"kind"` // "hero", "nav", "grid", "carousel", "footer", ...
	Heading string `json:"heading,omitempty"`
	Columns int    `json:"columns,omitempty"`
}

// PageLayout is the vision model's structural read of a screenshot.
type PageLayout struct {
	Sections []LayoutSection `json:"sections"`
}

// DesignCapture indexes one stored screenshot and its perceptual hash.
// ObjectKey follows oem/{tenant}/design_captures/{page_type}/{iso}/screenshot_desktop.png.
type DesignCapture struct {
	TenantSlug     string    `json:"tenant_slug"`
	PageType       PageType  `json:"page_type"`
	ObjectKey      string    `json:"object_key"`
	PerceptualHash string    `json:"perceptual_hash"` // hex bit string from the average-hash
	TokensKey      string    `json:"tokens_key,omitempty"`
	LayoutKey      string    `json:"layout_key,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}
