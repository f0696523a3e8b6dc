// discovery.go — L4: explore a rendered page and seed a fresh cache.
// Discovery runs against a live browser session the driver already paid
// for: it reads the rendered DOM, walks a table of candidate selectors per
// slot, and inspects the network-intercepted JSON responses for usable
// entity endpoints. The result seeds the tenant's discovery cache so the
// next crawl takes the fast path.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/cache"
	"github.com/forecourt/oemwatch/internal/types"
)

// seedSuccessRate is the trust a freshly discovered selector starts with:
// above the healthy line, below a proven one.
const seedSuccessRate = 0.6

// candidateSelectors per slot, most specific first. Data-testid hooks beat
// semantic classes beat bare tags.
var candidateSelectors = map[string][]string{
	SlotProductItem: {
		"[data-testid*=model-card]", "[data-testid*=vehicle-card]",
		".model-card", ".vehicle-card", ".product-card",
		"[class*=model-grid] article", "[class*=vehicle-list] li", "[class*=models] [class*=card]",
	},
	SlotOfferItem: {
		"[data-testid*=offer-card]", ".offer-card", ".offer-tile", ".special-offer",
		"[class*=offers] [class*=card]", "[class*=offer-list] article",
	},
	SlotBannerItem: {
		"[data-testid*=hero]", ".hero-banner", ".hero", "[class*=carousel] [class*=slide]",
		"[class*=banner]",
	},
	"title":        {"[data-testid*=title]", "h3", "h2", "[class*=title]", "[class*=name]"},
	"subtitle":     {"[class*=subtitle]", "[class*=tagline]", "h4", "p"},
	"price":        {"[data-testid*=price]", "[class*=price]", ".price"},
	"availability": {"[class*=availability]", "[class*=stock]", "[class*=badge]"},
	"offer_type":   {"[class*=offer-type]", "[class*=badge]", "[class*=tag]"},
	"saving":       {"[class*=saving]", "[class*=discount]"},
	"end_date":     {"[class*=end-date]", "[class*=valid]", "[class*=expiry]", "time"},
	"disclaimer":   {"[class*=disclaimer]", "[class*=terms]", "[class*=fine-print]", "small"},
	"image":        {"img[src]", "picture img", "[class*=image] img"},
	"cta":          {"a[class*=cta]", "a[class*=button]", "a[href]"},
	"headline":     {"[class*=headline]", "h1", "h2", "[class*=title]"},
	"subheadline":  {"[class*=subheadline]", "[class*=subtitle]", "p"},
	"body_type":    {"[class*=body-type]", "[class*=category]"},
	"fuel_type":    {"[class*=fuel]", "[class*=powertrain]", "[class*=engine-type]"},
}

// DiscoveryResult is what one discovery pass found.
type DiscoveryResult struct {
	Tenant    string
	PageType  types.PageType
	Selectors map[string]string // slot -> selector
	APIs      []types.CachedAPI
}

// Discoverer runs L4 passes.
type Discoverer struct {
	log   *zap.Logger
	cache *cache.Registry
	now   func() time.Time
}

// NewDiscoverer wires a Discoverer.
func NewDiscoverer(log *zap.Logger, reg *cache.Registry) *Discoverer {
	return &Discoverer{log: log.Named("discovery"), cache: reg, now: time.Now}
}

// Discover inspects an already-navigated session and returns what it found.
func (d *Discoverer) Discover(ctx context.Context, tenant types.Tenant, page types.SourcePage, session types.BrowserSession) (DiscoveryResult, error) {
	raw, err := session.Evaluate(ctx, "document.documentElement.outerHTML")
	if err != nil {
		return DiscoveryResult{}, fmt.Errorf("read rendered dom: %w", err)
	}
	var domHTML string
	if err := json.Unmarshal(raw, &domHTML); err != nil {
		// Some renderers hand back the string unquoted.
		domHTML = string(raw)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(domHTML))
	if err != nil {
		return DiscoveryResult{}, fmt.Errorf("parse rendered dom: %w", err)
	}

	res := DiscoveryResult{
		Tenant:    tenant.Slug,
		PageType:  page.PageType,
		Selectors: make(map[string]string),
	}

	for _, kind := range kindsForPage(page.PageType) {
		containerSlot, valueSlots := slotsForKind(kind)
		containerSel := firstMatching(doc.Selection, candidateSelectors[containerSlot])
		if containerSel == "" {
			continue
		}
		res.Selectors[containerSlot] = containerSel
		containers := doc.Find(containerSel)
		for _, slot := range valueSlots {
			if _, claimed := res.Selectors[slot]; claimed {
				continue
			}
			if sel := firstMatchingWithin(containers, candidateSelectors[slot]); sel != "" {
				res.Selectors[slot] = sel
			}
		}
	}

	res.APIs = discoverAPIs(session.InterceptedJSON(), d.log, tenant.Slug)

	d.log.Info("discovery pass complete",
		zap.String("tenant", tenant.Slug),
		zap.String("url", page.URL),
		zap.Int("selectors", len(res.Selectors)),
		zap.Int("apis", len(res.APIs)))
	return res, nil
}

// SeedCache installs a discovery result into the tenant cache. Selectors
// start with seed trust; endpoints start healthy.
func (d *Discoverer) SeedCache(res DiscoveryResult) {
	now := d.now()
	for slot, sel := range res.Selectors {
		d.cache.SetSelector(res.Tenant, res.PageType, slot, types.SelectorConfig{
			Selector:     sel,
			Semantic:     Semantic(slot),
			SuccessRate:  seedSuccessRate,
			LastVerified: now,
		})
	}
	for _, api := range res.APIs {
		api.IsHealthy = true
		d.cache.SetAPI(res.Tenant, api)
	}
}

// firstMatching returns the first candidate that matches at least one node.
func firstMatching(root *goquery.Selection, candidates []string) string {
	for _, sel := range candidates {
		if root.Find(sel).Length() > 0 {
			return sel
		}
	}
	return ""
}

// firstMatchingWithin wants candidates that resolve inside at least half
// the containers, so a selector that hits only a stray footer node does not
// win.
func firstMatchingWithin(containers *goquery.Selection, candidates []string) string {
	n := containers.Length()
	if n == 0 {
		return ""
	}
	for _, sel := range candidates {
		hits := 0
		containers.Each(func(_ int, c *goquery.Selection) {
			if c.Find(sel).Length() > 0 {
				hits++
			}
		})
		if hits*2 >= n {
			return sel
		}
	}
	return ""
}

// ============================================
// API endpoint discovery
// ============================================

// Item keys that suggest an entity payload.
var (
	titleKeys = []string{"title", "name", "model", "modelName", "headline"}
	priceKeys = []string{"price", "driveAwayPrice", "drive_away_price", "rrp", "msrp", "priceFrom", "amount"}
)

// discoverAPIs inspects intercepted JSON responses for arrays of
// entity-shaped objects and derives gojq paths for them.
func discoverAPIs(responses []types.InterceptedResponse, log *zap.Logger, tenant string) []types.CachedAPI {
	var apis []types.CachedAPI
	for _, resp := range responses {
		if resp.Status != 200 || !strings.Contains(resp.ContentType, "json") {
			continue
		}
		var body any
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			continue
		}
		itemsPath, items := findEntityArray(body)
		if itemsPath == "" || len(items) == 0 {
			continue
		}
		sample, ok := items[0].(map[string]any)
		if !ok {
			continue
		}
		fieldPaths := mapFieldPaths(sample)
		if fieldPaths["title"] == "" {
			continue
		}
		apis = append(apis, types.CachedAPI{
			URL:        resp.URL,
			EntityKind: types.KindProduct,
			ItemsPath:  itemsPath,
			FieldPaths: fieldPaths,
		})
		log.Debug("discovered entity endpoint",
			zap.String("tenant", tenant),
			zap.String("endpoint", resp.URL),
			zap.String("items_path", itemsPath))
	}
	return apis
}

// findEntityArray locates the first array of objects at the root or one or
// two keys deep, returning its gojq path.
func findEntityArray(body any) (string, []any) {
	if arr, ok := body.([]any); ok && objectArray(arr) {
		return ".", arr
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return "", nil
	}
	for k, v := range obj {
		if arr, isArr := v.([]any); isArr && objectArray(arr) {
			return "." + quoteKey(k), arr
		}
		if nested, isObj := v.(map[string]any); isObj {
			for k2, v2 := range nested {
				if arr, isArr := v2.([]any); isArr && objectArray(arr) {
					return "." + quoteKey(k) + "." + quoteKey(k2), arr
				}
			}
		}
	}
	return "", nil
}

func objectArray(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	_, ok := arr[0].(map[string]any)
	return ok
}

// quoteKey wraps keys that are not bare gojq identifiers.
func quoteKey(k string) string {
	for _, r := range k {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Sprintf("[%q]", k)
		}
	}
	return k
}

// mapFieldPaths guesses slot → gojq path from one sample item.
func mapFieldPaths(sample map[string]any) map[string]string {
	paths := make(map[string]string)
	pick := func(slot string, keys []string) {
		for _, k := range keys {
			if _, ok := sample[k]; ok {
				paths[slot] = "." + quoteKey(k)
				return
			}
		}
	}
	pick("title", titleKeys)
	pick("price", priceKeys)
	pick("subtitle", []string{"subtitle", "tagline", "description"})
	pick("availability", []string{"availability", "status", "stockStatus"})
	pick("image", []string{"image", "imageUrl", "image_url", "heroImage"})
	pick("body_type", []string{"bodyType", "body_type", "category"})
	pick("fuel_type", []string{"fuelType", "fuel_type", "powertrain"})
	return paths
}
