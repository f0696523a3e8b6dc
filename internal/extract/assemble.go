// assemble.go — Slot values → typed entities.
// Slot values arrive as container-aligned parallel arrays; entity i takes
// value i of every slot. The title (headline for banners) is the anchor:
// its count decides how many entities exist, and its slug becomes the
// vendor-stable external key.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/forecourt/oemwatch/internal/types"
)

// Items is one page's extracted entities.
type Items struct {
	Products []*types.Product
	Offers   []*types.Offer
	Banners  []*types.Banner
}

// Count returns the total entity count.
func (it Items) Count() int {
	return len(it.Products) + len(it.Offers) + len(it.Banners)
}

// merge folds other into it, skipping entities whose external key is
// already present. Used by hybrid mode, where API results land first and
// win.
func (it *Items) merge(other Items) {
	seenP := keySet(len(it.Products), func(i int) string { return it.Products[i].ExternalKey })
	for _, p := range other.Products {
		if !seenP[p.ExternalKey] {
			it.Products = append(it.Products, p)
		}
	}
	seenO := keySet(len(it.Offers), func(i int) string { return it.Offers[i].ExternalKey })
	for _, o := range other.Offers {
		if !seenO[o.ExternalKey] {
			it.Offers = append(it.Offers, o)
		}
	}
	seenB := keySet(len(it.Banners), func(i int) string { return it.Banners[i].ExternalKey })
	for _, b := range other.Banners {
		if !seenB[b.ExternalKey] {
			it.Banners = append(it.Banners, b)
		}
	}
}

func keySet(n int, key func(int) string) map[string]bool {
	m := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		m[key(i)] = true
	}
	return m
}

var priceRe = regexp.MustCompile(`[\d][\d,.]*`)

// parsePrice pulls a numeric amount out of vendor price text like
// "$32,990 drive away" or "From $45,000". Zero when no digits appear.
func parsePrice(text string) types.Price {
	m := priceRe.FindString(text)
	if m == "" {
		return types.Price{}
	}
	m = strings.ReplaceAll(m, ",", "")
	amount, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return types.Price{}
	}
	p := types.Price{Amount: amount}
	switch {
	case strings.ContainsRune(text, '$'):
		p.Currency = "AUD"
	case strings.ContainsRune(text, '€'):
		p.Currency = "EUR"
	case strings.ContainsRune(text, '£'):
		p.Currency = "GBP"
	}
	return p
}

// slotValue returns slot value i, empty when the slot or index is absent.
func slotValue(bySlot map[string]slotOutcome, slot string, i int) string {
	out, ok := bySlot[slot]
	if !ok || i >= len(out.values) {
		return ""
	}
	return out.values[i]
}

// assemble builds entities of one kind from a batch's slot values.
func assemble(kind types.EntityKind, tenant string, page types.SourcePage, bySlot map[string]slotOutcome) Items {
	var items Items
	switch kind {
	case types.KindProduct:
		titles := bySlot["title"].values
		for i, title := range titles {
			if title == "" {
				continue
			}
			p := &types.Product{
				TenantSlug:   tenant,
				PageID:       page.ID,
				SourceURL:    page.URL,
				ExternalKey:  slugify(title),
				Title:        title,
				Subtitle:     slotValue(bySlot, "subtitle", i),
				BodyType:     slotValue(bySlot, "body_type", i),
				FuelType:     slotValue(bySlot, "fuel_type", i),
				Availability: slotValue(bySlot, "availability", i),
				Price:        parsePrice(slotValue(bySlot, "price", i)),
				Disclaimer:   slotValue(bySlot, "disclaimer", i),
				ImageURL:     slotValue(bySlot, "image", i),
			}
			if cta := slotValue(bySlot, "cta", i); cta != "" {
				p.CTAs = []types.CTA{{Text: "View", URL: cta}}
			}
			p.Fingerprint = FingerprintFields(p.FieldMap())
			items.Products = append(items.Products, p)
		}
	case types.KindOffer:
		titles := bySlot["title"].values
		for i, title := range titles {
			if title == "" {
				continue
			}
			o := &types.Offer{
				TenantSlug:  tenant,
				PageID:      page.ID,
				SourceURL:   page.URL,
				ExternalKey: slugify(title),
				Title:       title,
				Description: slotValue(bySlot, "subtitle", i),
				OfferType:   slotValue(bySlot, "offer_type", i),
				Price:       parsePrice(slotValue(bySlot, "price", i)),
				EndDate:     slotValue(bySlot, "end_date", i),
				Disclaimer:  slotValue(bySlot, "disclaimer", i),
				ImageURL:    slotValue(bySlot, "image", i),
			}
			if saving := parsePrice(slotValue(bySlot, "saving", i)); saving.Amount > 0 {
				o.SavingAmount = saving.Amount
			}
			o.Fingerprint = FingerprintFields(o.FieldMap())
			items.Offers = append(items.Offers, o)
		}
	case types.KindBanner:
		headlines := bySlot["headline"].values
		for i, headline := range headlines {
			b := &types.Banner{
				TenantSlug:      tenant,
				PageID:          page.ID,
				PageURL:         page.URL,
				Position:        i,
				ExternalKey:     bannerKey(page.URL, i),
				Headline:        headline,
				Subheadline:     slotValue(bySlot, "subheadline", i),
				CTAURL:          slotValue(bySlot, "cta", i),
				DesktopImageURL: slotValue(bySlot, "image", i),
				Disclaimer:      slotValue(bySlot, "disclaimer", i),
			}
			b.Fingerprint = FingerprintFields(b.FieldMap())
			items.Banners = append(items.Banners, b)
		}
	}
	return items
}

// bannerKey keys a banner by page and position; banners have no vendor key
// of their own.
func bannerKey(pageURL string, position int) string {
	sum := sha256.Sum256([]byte(pageURL))
	return fmt.Sprintf("%s-pos%d", hex.EncodeToString(sum[:6]), position)
}

// FingerprintFields hashes a canonical rendering of a field map. Keys are
// sorted so the fingerprint is stable across map iteration order.
func FingerprintFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		raw, _ := json.Marshal(fields[k])
		fmt.Fprintf(h, "%s=%s;", k, raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
