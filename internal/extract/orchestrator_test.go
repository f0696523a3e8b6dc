// orchestrator_test.go — Layer routing, hybrid merge, idempotence, and the
// needs-discovery signal.
package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/cache"
	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/types"
)

func newOrchestrator(reg *cache.Registry, rep *fakeRepairer, cfg config.ExtractConfig) *Orchestrator {
	log := zap.NewNop()
	eng := NewEngine(log, reg, rep, cfg)
	prober := NewProber(log, reg, time.Second)
	return NewOrchestrator(log, eng, prober, reg, cfg, nil)
}

func TestExtractNoCacheRoutesToDiscovery(t *testing.T) {
	t.Parallel()

	reg := cache.NewRegistry()
	o := newOrchestrator(reg, &fakeRepairer{}, extractCfg())
	tenant := types.Tenant{Slug: "fresh-oem"}
	page := types.SourcePage{URL: "u", PageType: types.PageVehicle}

	res, err := o.Extract(context.Background(), tenant, page, vehicleDOM)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsDiscovery {
		t.Error("fresh tenant must need discovery")
	}
	if res.Stats.Layer != types.LayerDiscovery {
		t.Errorf("Layer = %s, want %s", res.Stats.Layer, types.LayerDiscovery)
	}
	if res.Items.Count() != 0 {
		t.Error("no extraction should run without a cache")
	}
}

func TestExtractSickCacheRoutesToDiscovery(t *testing.T) {
	t.Parallel()

	reg := cache.NewRegistry()
	// Four selectors, all below the healthy line: ratio 0 < 0.3.
	for _, slot := range []string{SlotProductItem, "title", "price", "image"} {
		reg.SetSelector("t", types.PageVehicle, slot, types.SelectorConfig{Selector: ".x", SuccessRate: 0.1})
	}
	o := newOrchestrator(reg, &fakeRepairer{}, extractCfg())

	res, err := o.Extract(context.Background(), types.Tenant{Slug: "t"}, types.SourcePage{URL: "u", PageType: types.PageVehicle}, vehicleDOM)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsDiscovery {
		t.Error("unhealthy cache must route to discovery")
	}
}

func TestExtractFastPathProducesEntitiesAndStats(t *testing.T) {
	t.Parallel()

	reg := cache.NewRegistry()
	seedVehicleSelectors(reg)
	o := newOrchestrator(reg, &fakeRepairer{}, extractCfg())
	tenant := types.Tenant{Slug: "toyota-au"}
	page := types.SourcePage{ID: "p1", URL: "https://t.example/models", PageType: types.PageVehicle}

	res, err := o.Extract(context.Background(), tenant, page, vehicleDOM)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items.Products) != 2 {
		t.Fatalf("products = %d, want 2", len(res.Items.Products))
	}
	if res.Stats.Layer != types.LayerFastPath {
		t.Errorf("Layer = %s, want fast path", res.Stats.Layer)
	}
	if !res.Stats.Success {
		t.Errorf("Stats = %+v, want success", res.Stats)
	}
	if res.NeedsDiscovery {
		t.Error("healthy fast path must not request discovery")
	}
	// Stats land in the cache ring.
	doc, _ := reg.Snapshot("toyota-au")
	if len(doc.Recent) != 1 {
		t.Errorf("stats not appended to cache: %d", len(doc.Recent))
	}
}

func TestExtractIdempotentModuloTimings(t *testing.T) {
	t.Parallel()

	reg := cache.NewRegistry()
	seedVehicleSelectors(reg)
	o := newOrchestrator(reg, &fakeRepairer{}, extractCfg())
	tenant := types.Tenant{Slug: "toyota-au"}
	page := types.SourcePage{ID: "p1", URL: "u", PageType: types.PageVehicle}

	a, err := o.Extract(context.Background(), tenant, page, vehicleDOM)
	if err != nil {
		t.Fatal(err)
	}
	b, err := o.Extract(context.Background(), tenant, page, vehicleDOM)
	if err != nil {
		t.Fatal(err)
	}
	a.Stats.DurationMs, b.Stats.DurationMs = 0, 0
	a.Stats.At, b.Stats.At = time.Time{}, time.Time{}
	if a.Stats != b.Stats {
		t.Errorf("stats differ across identical DOMs:\n%+v\n%+v", a.Stats, b.Stats)
	}
}

func TestExtractDurationComesFromInjectedClock(t *testing.T) {
	t.Parallel()

	reg := cache.NewRegistry()
	seedVehicleSelectors(reg)
	o := newOrchestrator(reg, &fakeRepairer{}, extractCfg())

	// Each clock read advances 250ms; the fast path reads it at start and
	// once more for the stats stamp.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	o.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 250 * time.Millisecond)
	}

	res, err := o.Extract(context.Background(), types.Tenant{Slug: "toyota-au"},
		types.SourcePage{ID: "p1", URL: "u", PageType: types.PageVehicle}, vehicleDOM)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.DurationMs != 250 {
		t.Errorf("DurationMs = %d, want 250 from the injected clock", res.Stats.DurationMs)
	}
}

func TestExtractRepairUpgradesToAdaptive(t *testing.T) {
	t.Parallel()

	reg := cache.NewRegistry()
	seedVehicleSelectors(reg)
	reg.SetSelector("toyota-au", types.PageVehicle, "price", types.SelectorConfig{
		Selector: ".price-value", SuccessRate: 0.8, FailureCount: 1, // one failure away from repair
	})
	rep := &fakeRepairer{selector: "[data-testid=variant-price]"}
	o := newOrchestrator(reg, rep, extractCfg())

	res, err := o.Extract(context.Background(), types.Tenant{Slug: "toyota-au"},
		types.SourcePage{ID: "p1", URL: "u", PageType: types.PageVehicle}, vehicleDOM)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Layer != types.LayerAdaptive {
		t.Errorf("Layer = %s, want adaptive after a repair", res.Stats.Layer)
	}
	if res.Stats.SelectorsRepaired != 1 || res.Stats.LLMCalls != 1 {
		t.Errorf("Stats = %+v", res.Stats)
	}
	// The repaired price flows into the assembled product.
	if len(res.Items.Products) == 0 || res.Items.Products[0].Price.Amount != 32990 {
		t.Errorf("products = %+v", res.Items.Products)
	}
}

func TestHybridModeAPIWinsOnMerge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"models": []map[string]any{
					{"name": "Corolla", "driveAwayPrice": 31990},
					{"name": "Camry", "driveAwayPrice": 39990},
				},
			},
		})
	}))
	defer srv.Close()

	reg := cache.NewRegistry()
	seedVehicleSelectors(reg)
	reg.SetAPI("toyota-au", types.CachedAPI{
		URL:        srv.URL,
		EntityKind: types.KindProduct,
		ItemsPath:  ".data.models",
		FieldPaths: map[string]string{"title": ".name", "price": ".driveAwayPrice"},
		IsHealthy:  true,
	})
	o := newOrchestrator(reg, &fakeRepairer{}, extractCfg())

	res, err := o.Extract(context.Background(), types.Tenant{Slug: "toyota-au"},
		types.SourcePage{ID: "p1", URL: "u", PageType: types.PageVehicle}, vehicleDOM)
	if err != nil {
		t.Fatal(err)
	}

	// API gave Corolla+Camry; DOM gave Corolla+RAV4. Merge keeps the API
	// Corolla and adds the DOM-only RAV4.
	byKey := make(map[string]*types.Product)
	for _, p := range res.Items.Products {
		byKey[p.ExternalKey] = p
	}
	if len(byKey) != 3 {
		t.Fatalf("merged products = %d, want 3 (corolla, camry, rav4)", len(byKey))
	}
	if byKey["corolla"].Price.Amount != 31990 {
		t.Errorf("corolla price = %v, API result must win", byKey["corolla"].Price.Amount)
	}
	if byKey["rav4"] == nil {
		t.Error("DOM-only rav4 must fill the gap")
	}
}
