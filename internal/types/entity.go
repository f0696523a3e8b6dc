// entity.go — Extracted entities: products, offers, banners.
// Each entity carries typed columns for storage plus a Metadata bag for
// site-specific fields; FieldMap flattens both into the canonical map the
// change detector diffs and the Version snapshot serializes.
package types

import "time"

// EntityKind discriminates the three extracted entity families.
type EntityKind string

const (
	KindProduct EntityKind = "product"
	KindOffer   EntityKind = "offer"
	KindBanner  EntityKind = "banner"
)

// Price is a money value as published by the vendor. Amount is the numeric
// part; vendors publish drive-away and RRP figures interchangeably, so the
// amount is compared, never arithmetic on it.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// CTA is one call-to-action link.
type CTA struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Variant is one configurable trim row under a product.
type Variant struct {
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Drivetrain string  `json:"drivetrain,omitempty"`
	Engine     string  `json:"engine,omitempty"`
}

// ============================================
// Product
// ============================================

// Product is a vehicle model row extracted from a vendor page.
// Unique per (tenant, external_key).
type Product struct {
	ID               string         `json:"id" db:"id"`
	TenantSlug       string         `json:"tenant_slug" db:"tenant_slug"`
	PageID           string         `json:"page_id" db:"page_id"`
	SourceURL        string         `json:"source_url" db:"source_url"`
	ExternalKey      string         `json:"external_key" db:"external_key"` // vendor-stable key, usually slugified title
	Title            string         `json:"title" db:"title"`
	Subtitle         string         `json:"subtitle,omitempty" db:"subtitle"`
	BodyType         string         `json:"body_type,omitempty" db:"body_type"`
	FuelType         string         `json:"fuel_type,omitempty" db:"fuel_type"`
	Availability     string         `json:"availability,omitempty" db:"availability"` // "in_stock", "coming_soon", "sold_out", free text tolerated
	Price            Price          `json:"price" db:"-"`
	Disclaimer       string         `json:"disclaimer,omitempty" db:"disclaimer"`
	ImageURL         string         `json:"image_url,omitempty" db:"image_url"` // primary image reference
	ImageFingerprint string         `json:"image_fingerprint,omitempty" db:"image_fingerprint"`
	GalleryCount     int            `json:"gallery_count,omitempty" db:"gallery_count"`
	KeyFeatures      []string       `json:"key_features,omitempty" db:"-"`
	CTAs             []CTA          `json:"ctas,omitempty" db:"-"`
	Variants         []Variant      `json:"variants,omitempty" db:"-"`
	Metadata         map[string]any `json:"metadata,omitempty" db:"-"` // site-specific extras, diffed like first-class fields
	Fingerprint      string         `json:"fingerprint,omitempty" db:"fingerprint"` // SHA-256 of the canonical field map
	CurrentVersionID string         `json:"current_version_id,omitempty" db:"current_version_id"`
	FirstSeenAt      time.Time      `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt       time.Time      `json:"last_seen_at" db:"last_seen_at"`
}

// FieldMap flattens the product into the canonical field map used for
// diffing and version snapshots. Metadata keys are included as-is and lose
// to typed columns on collision. Bookkeeping columns (fingerprint, version
// reference, seen timestamps) stay out: they would self-diff.
func (p *Product) FieldMap() map[string]any {
	m := make(map[string]any, len(p.Metadata)+14)
	for k, v := range p.Metadata {
		m[k] = v
	}
	m["title"] = p.Title
	m["subtitle"] = p.Subtitle
	m["body_type"] = p.BodyType
	m["fuel_type"] = p.FuelType
	m["availability"] = p.Availability
	m["price_amount"] = p.Price.Amount
	m["price_currency"] = p.Price.Currency
	m["disclaimer"] = p.Disclaimer
	m["image_url"] = p.ImageURL
	m["image_fingerprint"] = p.ImageFingerprint
	m["gallery_count"] = p.GalleryCount
	m["key_features"] = strsToAny(p.KeyFeatures)
	m["ctas"] = ctasToAny(p.CTAs)
	m["variants"] = variantsToAny(p.Variants)
	return m
}

// ============================================
// Offer
// ============================================

// Offer is a finance or retail promotion row. Unique per (tenant, external_key).
type Offer struct {
	ID               string         `json:"id" db:"id"`
	TenantSlug       string         `json:"tenant_slug" db:"tenant_slug"`
	PageID           string         `json:"page_id" db:"page_id"`
	SourceURL        string         `json:"source_url" db:"source_url"`
	ExternalKey      string         `json:"external_key" db:"external_key"`
	Title            string         `json:"title" db:"title"`
	Description      string         `json:"description,omitempty" db:"description"`
	OfferType        string         `json:"offer_type,omitempty" db:"offer_type"` // "finance", "cashback", "drive_away", ...
	ApplicableModels []string       `json:"applicable_models,omitempty" db:"-"`
	Price            Price          `json:"price" db:"-"`
	SavingAmount     float64        `json:"saving_amount,omitempty" db:"saving_amount"`
	StartDate        string         `json:"start_date,omitempty" db:"start_date"` // validity window as published, not parsed
	EndDate          string         `json:"end_date,omitempty" db:"end_date"`
	Disclaimer       string         `json:"disclaimer,omitempty" db:"disclaimer"`
	Eligibility      string         `json:"eligibility,omitempty" db:"eligibility"`
	ImageURL         string         `json:"image_url,omitempty" db:"image_url"`
	ImageFingerprint string         `json:"image_fingerprint,omitempty" db:"image_fingerprint"`
	Metadata         map[string]any `json:"metadata,omitempty" db:"-"`
	Fingerprint      string         `json:"fingerprint,omitempty" db:"fingerprint"`
	CurrentVersionID string         `json:"current_version_id,omitempty" db:"current_version_id"`
	FirstSeenAt      time.Time      `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt       time.Time      `json:"last_seen_at" db:"last_seen_at"`
}

func (o *Offer) FieldMap() map[string]any {
	m := make(map[string]any, len(o.Metadata)+13)
	for k, v := range o.Metadata {
		m[k] = v
	}
	m["title"] = o.Title
	m["description"] = o.Description
	m["offer_type"] = o.OfferType
	m["applicable_models"] = strsToAny(o.ApplicableModels)
	m["price_amount"] = o.Price.Amount
	m["price_currency"] = o.Price.Currency
	m["saving_amount"] = o.SavingAmount
	m["start_date"] = o.StartDate
	m["end_date"] = o.EndDate
	m["disclaimer"] = o.Disclaimer
	m["eligibility"] = o.Eligibility
	m["image_url"] = o.ImageURL
	m["image_fingerprint"] = o.ImageFingerprint
	return m
}

// ============================================
// Banner
// ============================================

// Banner is a hero/campaign placement on one page. Keyed by page and
// position; the external key is derived from both.
type Banner struct {
	ID               string         `json:"id" db:"id"`
	TenantSlug       string         `json:"tenant_slug" db:"tenant_slug"`
	PageID           string         `json:"page_id" db:"page_id"`
	PageURL          string         `json:"page_url" db:"page_url"`
	ExternalKey      string         `json:"external_key" db:"external_key"`
	Position         int            `json:"position" db:"position"` // order on the page, 0-based
	Headline         string         `json:"headline,omitempty" db:"headline"`
	Subheadline      string         `json:"subheadline,omitempty" db:"subheadline"`
	CTAText          string         `json:"cta_text,omitempty" db:"cta_text"`
	CTAURL           string         `json:"cta_url,omitempty" db:"cta_url"`
	DesktopImageURL  string         `json:"desktop_image_url,omitempty" db:"desktop_image_url"`
	MobileImageURL   string         `json:"mobile_image_url,omitempty" db:"mobile_image_url"`
	ImageFingerprint string         `json:"image_fingerprint,omitempty" db:"image_fingerprint"`
	Disclaimer       string         `json:"disclaimer,omitempty" db:"disclaimer"`
	Metadata         map[string]any `json:"metadata,omitempty" db:"-"`
	Fingerprint      string         `json:"fingerprint,omitempty" db:"fingerprint"`
	CurrentVersionID string         `json:"current_version_id,omitempty" db:"current_version_id"`
	FirstSeenAt      time.Time      `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt       time.Time      `json:"last_seen_at" db:"last_seen_at"`
}

func (b *Banner) FieldMap() map[string]any {
	m := make(map[string]any, len(b.Metadata)+9)
	for k, v := range b.Metadata {
		m[k] = v
	}
	m["headline"] = b.Headline
	m["subheadline"] = b.Subheadline
	m["cta_text"] = b.CTAText
	m["cta_url"] = b.CTAURL
	m["desktop_image_url"] = b.DesktopImageURL
	m["mobile_image_url"] = b.MobileImageURL
	m["image_fingerprint"] = b.ImageFingerprint
	m["disclaimer"] = b.Disclaimer
	m["position"] = b.Position
	return m
}

// DisplayName returns the human label used in event summaries.
func (p *Product) DisplayName() string { return p.Title }
func (o *Offer) DisplayName() string   { return o.Title }
func (b *Banner) DisplayName() string {
	if b.Headline != "" {
		return b.Headline
	}
	return b.PageURL
}

func strsToAny(ss []string) []any {
	if ss == nil {
		return nil
	}
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func ctasToAny(cs []CTA) []any {
	if cs == nil {
		return nil
	}
	out := make([]any, len(cs))
	for i, c := range cs {
		out[i] = map[string]any{"text": c.Text, "url": c.URL}
	}
	return out
}

func variantsToAny(vs []Variant) []any {
	if vs == nil {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = map[string]any{
			"name":       v.Name,
			"price":      v.Price,
			"drivetrain": v.Drivetrain,
			"engine":     v.Engine,
		}
	}
	return out
}
