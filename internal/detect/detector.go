// detector.go — Change classification: diff two entity states, decide what is
// meaningful, derive event type, severity, and a human summary.
// Detection is deterministic: identical inputs produce identical analyses,
// and a mutation that touches only noise fields produces nil.
package detect

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/forecourt/oemwatch/internal/types"
)

// ============================================
// Tagged variants
// ============================================

// EntityChange is the sum over the three entity families. Prev is the stored
// field map before this crawl's write (nil on create); New is the freshly
// extracted entity (nil on remove). The detector dispatches on the variant.
type EntityChange interface {
	kind() types.EntityKind
}

// ProductChange is one product's before/after pair.
type ProductChange struct {
	TenantSlug string
	PageID     string
	EntityID   string
	Prev       map[string]any
	New        *types.Product
}

// OfferChange is one offer's before/after pair.
type OfferChange struct {
	TenantSlug string
	PageID     string
	EntityID   string
	Prev       map[string]any
	New        *types.Offer
}

// BannerChange is one banner's before/after pair.
type BannerChange struct {
	TenantSlug string
	PageID     string
	EntityID   string
	Prev       map[string]any
	New        *types.Banner
}

func (ProductChange) kind() types.EntityKind { return types.KindProduct }
func (OfferChange) kind() types.EntityKind   { return types.KindOffer }
func (BannerChange) kind() types.EntityKind  { return types.KindBanner }

// ============================================
// Detector
// ============================================

// Severity field tables. Created/removed severity is per entity kind:
// critical for products, high for offers and banners.
var (
	criticalFields = map[string]bool{"title": true, "price_amount": true, "availability": true}
	highFields     = map[string]bool{"variants": true, "offer_type": true, "saving_amount": true, "end_date": true}
)

// Detector classifies entity changes. Stateless; safe for concurrent use.
type Detector struct{}

// New returns a Detector.
func New() *Detector { return &Detector{} }

// Detect compares the variant's before/after states. Returns nil when the
// states are equal or differ only in noise fields.
func (d *Detector) Detect(ch EntityChange) *types.ChangeAnalysis {
	var (
		tenant, pageID, entityID, name string
		prev, next                     map[string]any
	)
	switch c := ch.(type) {
	case ProductChange:
		tenant, pageID, entityID, prev = c.TenantSlug, c.PageID, c.EntityID, c.Prev
		if c.New != nil {
			next, name = c.New.FieldMap(), c.New.DisplayName()
		}
	case OfferChange:
		tenant, pageID, entityID, prev = c.TenantSlug, c.PageID, c.EntityID, c.Prev
		if c.New != nil {
			next, name = c.New.FieldMap(), c.New.DisplayName()
		}
	case BannerChange:
		tenant, pageID, entityID, prev = c.TenantSlug, c.PageID, c.EntityID, c.Prev
		if c.New != nil {
			next, name = c.New.FieldMap(), c.New.DisplayName()
		}
	default:
		return nil
	}
	if name == "" {
		name = displayNameFrom(prev, ch.kind())
	}

	analysis := &types.ChangeAnalysis{
		TenantSlug: tenant,
		PageID:     pageID,
		EntityKind: ch.kind(),
		EntityID:   entityID,
		EntityName: name,
	}

	switch {
	case prev == nil && next == nil:
		return nil
	case prev == nil:
		return d.presence(analysis, types.EventCreated, nil, next)
	case next == nil:
		return d.presence(analysis, types.EventRemoved, prev, nil)
	}

	diff, meaningful := d.diff(prev, next)
	if len(diff) == 0 {
		return nil // states equal
	}
	allNoise := true
	for _, fc := range diff {
		if _, noisy := NoiseMatch(fc.Field); !noisy {
			allNoise = false
			break
		}
	}
	if allNoise {
		return nil
	}

	analysis.Diff = diff
	analysis.Meaningful = meaningful
	analysis.EventType = deriveEventType(meaningful)
	analysis.Severity = deriveSeverity(meaningful)
	analysis.Summary = summarize(analysis.EntityKind, name, diff, meaningful)
	return analysis
}

// presence handles created and removed rows. The diff carries every non-noise
// populated field so the notifier can show what appeared or vanished.
func (d *Detector) presence(a *types.ChangeAnalysis, et types.EventType, prev, next map[string]any) *types.ChangeAnalysis {
	src, oldSide := next, false
	if et == types.EventRemoved {
		src, oldSide = prev, true
	}
	fields := sortedKeys(src)
	var diff []types.FieldChange
	var meaningful []string
	for _, f := range fields {
		v := src[f]
		if isNullish(v) {
			continue
		}
		fc := types.FieldChange{Field: f}
		if oldSide {
			fc.OldValue = v
		} else {
			fc.NewValue = v
		}
		fc.IsMeaningful = !IsNoiseField(f)
		if fc.IsMeaningful {
			meaningful = append(meaningful, f)
		}
		diff = append(diff, fc)
	}

	a.EventType = et
	a.Diff = diff
	a.Meaningful = meaningful
	if a.EntityKind == types.KindProduct {
		a.Severity = types.SeverityCritical
	} else {
		a.Severity = types.SeverityHigh
	}
	a.Summary = fmt.Sprintf("%s %s: %s", a.EntityKind, a.EntityName, et)
	return a
}

// diff walks the union of keys in sorted order and records every inequality.
func (d *Detector) diff(prev, next map[string]any) (diff []types.FieldChange, meaningful []string) {
	imageChanged := !valuesEqual(prev["image_fingerprint"], next["image_fingerprint"])

	union := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		union[k] = struct{}{}
	}
	for k := range next {
		union[k] = struct{}{}
	}
	keys := make([]string, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, f := range keys {
		oldV, newV := prev[f], next[f]
		if valuesEqual(oldV, newV) {
			continue
		}
		fc := types.FieldChange{
			Field:        f,
			OldValue:     oldV,
			NewValue:     newV,
			IsMeaningful: fieldMeaningful(f, oldV, newV, imageChanged),
		}
		if fc.IsMeaningful {
			meaningful = append(meaningful, f)
		}
		diff = append(diff, fc)
	}
	return diff, meaningful
}

// fieldMeaningful applies the meaningful-change predicate to one field.
func fieldMeaningful(field string, oldV, newV any, imageChanged bool) bool {
	if IsNoiseField(field) {
		return false
	}
	lower := strings.ToLower(field)
	if strings.Contains(lower, "price") {
		return true
	}
	if lower == "availability" {
		return true
	}
	if isImageField(lower) {
		return imageChanged
	}
	// Appearance, disappearance, and ordinary rewrites all count.
	return true
}

// isImageField matches image references: the fingerprint itself plus any
// image URL column.
func isImageField(field string) bool {
	return field == "image_fingerprint" || strings.Contains(field, "image")
}

// deriveEventType picks the first matching label for the meaningful set.
func deriveEventType(meaningful []string) types.EventType {
	var hasDisclaimer, hasAvailability, hasImage bool
	for _, f := range meaningful {
		lower := strings.ToLower(f)
		switch {
		case strings.Contains(lower, "price"):
			return types.EventPriceChanged
		case strings.Contains(lower, "disclaimer"):
			hasDisclaimer = true
		case lower == "availability":
			hasAvailability = true
		case isImageField(lower):
			hasImage = true
		}
	}
	switch {
	case hasDisclaimer:
		return types.EventDisclaimerChanged
	case hasAvailability:
		return types.EventAvailabilityChanged
	case hasImage:
		return types.EventImageChanged
	default:
		return types.EventUpdated
	}
}

// deriveSeverity applies the field→severity table to the meaningful set.
func deriveSeverity(meaningful []string) types.Severity {
	if len(meaningful) == 0 {
		return types.SeverityLow
	}
	sev := types.SeverityMedium
	for _, f := range meaningful {
		if criticalFields[f] {
			return types.SeverityCritical
		}
		if highFields[f] {
			sev = types.SeverityHigh
		}
	}
	return sev
}

// summarize renders the human-readable one-liner with the entity prefix.
func summarize(kind types.EntityKind, name string, diff []types.FieldChange, meaningful []string) string {
	prefix := fmt.Sprintf("%s %s: ", kind, name)

	// Prefer the first meaningful field; fall back to the first change so
	// low-severity analyses still read sensibly.
	field := ""
	var oldV, newV any
	if len(meaningful) > 0 {
		field = meaningful[0]
		for _, fc := range diff {
			if fc.Field == field {
				oldV, newV = fc.OldValue, fc.NewValue
				break
			}
		}
	} else if len(diff) > 0 {
		field, oldV, newV = diff[0].Field, diff[0].OldValue, diff[0].NewValue
	}

	lower := strings.ToLower(field)
	switch {
	case strings.Contains(lower, "price"):
		return prefix + fmt.Sprintf("price changed from %s to %s", money(oldV), money(newV))
	case lower == "availability":
		return prefix + fmt.Sprintf("availability changed from %s to %s", valueString(oldV), valueString(newV))
	default:
		return prefix + field + " changed"
	}
}

func money(v any) string {
	if f, ok := toFloat(v); ok {
		return "$" + strconv.FormatFloat(f, 'f', -1, 64)
	}
	return valueString(v)
}

func valueString(v any) string {
	if isNullish(v) {
		return "none"
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func displayNameFrom(m map[string]any, kind types.EntityKind) string {
	if m == nil {
		return ""
	}
	keys := []string{"title", "headline"}
	if kind == types.KindBanner {
		keys = []string{"headline", "title"}
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return string(kind)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
