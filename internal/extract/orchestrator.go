// orchestrator.go — Layer routing for one extraction request.
// L2 (fast path) applies cached selectors and APIs; it upgrades itself to L3
// transparently when a selector needs repair. L4 (discovery) is signalled,
// never run here: the driver decides whether to dispatch it, because
// discovery costs a render and the budget is the driver's to spend.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/cache"
	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/types"
)

// Result is one extraction request's outcome.
type Result struct {
	Items          Items
	Stats          types.ExtractionStats
	NeedsDiscovery bool
}

// Orchestrator routes extraction requests through the layer model.
type Orchestrator struct {
	log      *zap.Logger
	engine   *Engine
	prober   *Prober
	cache    *cache.Registry
	cfg      config.ExtractConfig
	onMutate func() // cache-dirty hook, wired to the persister's debounce
	now      func() time.Time
}

// NewOrchestrator wires the orchestrator. onMutate may be nil.
func NewOrchestrator(log *zap.Logger, engine *Engine, prober *Prober, reg *cache.Registry, cfg config.ExtractConfig, onMutate func()) *Orchestrator {
	if onMutate == nil {
		onMutate = func() {}
	}
	return &Orchestrator{
		log:      log.Named("orchestrate"),
		engine:   engine,
		prober:   prober,
		cache:    reg,
		cfg:      cfg,
		onMutate: onMutate,
		now:      time.Now,
	}
}

// Extract runs the layer decision and, on the fast path, the extraction
// itself over the rendered DOM.
func (o *Orchestrator) Extract(ctx context.Context, tenant types.Tenant, page types.SourcePage, domHTML string) (Result, error) {
	health := o.cache.Health(tenant.Slug)

	// Layer decision: no cache, or a cache too sick to trust, means
	// discovery.
	if !health.HasCache || health.Ratio() < o.cfg.MinCacheHealthForFastPath {
		reason := "no cache"
		if health.HasCache {
			reason = fmt.Sprintf("cache health %.2f below %.2f", health.Ratio(), o.cfg.MinCacheHealthForFastPath)
		}
		o.log.Info("extraction needs discovery",
			zap.String("tenant", tenant.Slug),
			zap.String("url", page.URL),
			zap.String("reason", reason))
		return Result{
			Stats: types.ExtractionStats{
				URL: page.URL, PageType: page.PageType,
				Layer: types.LayerDiscovery, At: o.now(),
			},
			NeedsDiscovery: true,
		}, nil
	}

	start := o.now()

	// Hybrid mode: healthy direct APIs first, DOM fills the gaps, API wins
	// on merge.
	var items Items
	if health.HealthyAPIs > 0 {
		items = o.prober.ProbeHealthy(ctx, tenant.Slug, page)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(domHTML))
	if err != nil {
		return Result{}, fmt.Errorf("parse rendered dom: %w", err)
	}

	var used, failed, repaired, llmCalls int
	for _, kind := range kindsForPage(page.PageType) {
		batch := o.engine.extractSlots(ctx, tenant.Slug, page.URL, page.PageType, doc, kind)
		used += batch.used
		failed += batch.failed
		repaired += batch.repaired
		llmCalls += batch.llmCalls
		items.merge(assemble(kind, tenant.Slug, page, batch.bySlot))
	}

	layer := types.LayerFastPath
	if repaired > 0 {
		layer = types.LayerAdaptive
	}
	stats := types.ExtractionStats{
		URL:               page.URL,
		PageType:          page.PageType,
		SelectorsUsed:     used,
		SelectorsFailed:   failed,
		SelectorsRepaired: repaired,
		LLMCalls:          llmCalls,
		DurationMs:        o.now().Sub(start).Milliseconds(),
		Layer:             layer,
		Success:           failed*2 < used || used == 0,
		At:                o.now(),
	}
	o.cache.AppendStats(tenant.Slug, stats)
	o.onMutate()

	res := Result{Items: items, Stats: stats}
	// A batch where most selectors failed and repairs kept churning means
	// the page has drifted past what repair can follow.
	if used > 0 && float64(failed)/float64(used) > 0.5 && repaired >= o.cfg.MaxFailuresBeforeDiscovery {
		res.NeedsDiscovery = true
	}
	return res, nil
}
