// seeder.go — Sitemap seeding: register a tenant's URL inventory.
// A colly collector walks the tenant's sitemap (index and url sets) and, when
// no sitemap exists, crawls same-domain links from the base URL to a bounded
// depth. Every discovered URL is classified by path heuristics and registered
// idempotently; existing rows keep their crawl state.
package seed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/telemetry"
	"github.com/forecourt/oemwatch/internal/types"
)

// Seeder registers source pages from tenant sitemaps.
type Seeder struct {
	log     *zap.Logger
	repo    types.PageStore
	cfg     config.SeedConfig
	metrics *telemetry.Metrics
}

// NewSeeder wires a Seeder. metrics may be nil in tests.
func NewSeeder(log *zap.Logger, repo types.PageStore, cfg config.SeedConfig, metrics *telemetry.Metrics) *Seeder {
	return &Seeder{log: log.Named("seed"), repo: repo, cfg: cfg, metrics: metrics}
}

// SeedTenant walks one tenant's sitemap and registers what it finds. Returns
// the number of newly created pages.
func (s *Seeder) SeedTenant(ctx context.Context, tenant types.Tenant) (int, error) {
	base, err := url.Parse(tenant.BaseURL)
	if err != nil {
		return 0, fmt.Errorf("parse base url for %s: %w", tenant.Slug, err)
	}
	sitemap := tenant.SitemapURL
	if sitemap == "" {
		sitemap = strings.TrimRight(tenant.BaseURL, "/") + "/sitemap.xml"
	}

	var created, seen atomic.Int64
	register := func(raw string) {
		if seen.Load() >= int64(s.cfg.MaxPagesPerTenant) {
			return
		}
		page, ok := s.classify(tenant, base, raw)
		if !ok {
			return
		}
		seen.Add(1)
		isNew, err := s.repo.UpsertPage(ctx, page)
		if err != nil {
			s.log.Warn("register page", zap.String("tenant", tenant.Slug), zap.String("url", page.URL), zap.Error(err))
			return
		}
		if isNew {
			created.Add(1)
			if s.metrics != nil {
				s.metrics.PagesSeeded.WithLabelValues(tenant.Slug).Inc()
			}
		}
	}

	c := colly.NewCollector(
		colly.AllowedDomains(base.Hostname()),
		colly.MaxDepth(s.cfg.MaxDepth),
		colly.UserAgent("oemwatch-seeder/1.0"),
	)
	c.Context = ctx
	for k, v := range tenant.Headers {
		c.OnRequest(func(r *colly.Request) { r.Headers.Set(k, v) })
	}

	// Sitemap index entries fan out to child sitemaps.
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		if err := e.Request.Visit(strings.TrimSpace(e.Text)); err != nil {
			s.log.Debug("visit child sitemap", zap.String("tenant", tenant.Slug), zap.Error(err))
		}
	})
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		register(strings.TrimSpace(e.Text))
	})
	// HTML fallback for tenants without a sitemap: the base page's own links.
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		register(link)
		if seen.Load() < int64(s.cfg.MaxPagesPerTenant) {
			e.Request.Visit(link)
		}
	})

	if err := c.Visit(sitemap); err != nil {
		// No sitemap: fall back to crawling the base URL.
		s.log.Info("sitemap unavailable, crawling base url",
			zap.String("tenant", tenant.Slug), zap.String("sitemap", sitemap), zap.Error(err))
		if err := c.Visit(tenant.BaseURL); err != nil {
			return int(created.Load()), fmt.Errorf("seed %s: %w", tenant.Slug, err)
		}
	}
	c.Wait()

	s.log.Info("tenant seeded",
		zap.String("tenant", tenant.Slug),
		zap.Int64("urls", seen.Load()),
		zap.Int64("created", created.Load()))
	return int(created.Load()), nil
}

// classify validates and types one discovered URL.
func (s *Seeder) classify(tenant types.Tenant, base *url.URL, raw string) (types.SourcePage, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return types.SourcePage{}, false
	}
	if !strings.EqualFold(u.Hostname(), base.Hostname()) {
		return types.SourcePage{}, false
	}
	u.Fragment = ""
	pt := ClassifyURL(u)
	return types.SourcePage{
		TenantSlug:     tenant.Slug,
		URL:            u.String(),
		PageType:       pt,
		Status:         types.PageActive,
		RenderRequired: pt == types.PageBuildPrice, // configurators are JS-only everywhere
	}, true
}

// pathHints maps URL path fragments to page types, most specific first.
var pathHints = []struct {
	hint string
	pt   types.PageType
}{
	{"special-offers", types.PageOffers},
	{"offers", types.PageOffers},
	{"deals", types.PageOffers},
	{"promotions", types.PageOffers},
	{"build-and-price", types.PageBuildPrice},
	{"build-price", types.PageBuildPrice},
	{"configurator", types.PageBuildPrice},
	{"price-guide", types.PagePriceGuide},
	{"pricing", types.PagePriceGuide},
	{"price-list", types.PagePriceGuide},
	{"news", types.PageNews},
	{"blog", types.PageNews},
	{"media", types.PageNews},
	{"sitemap", types.PageSitemap},
	{"range", types.PageCategory},
	{"models", types.PageCategory},
	{"vehicles", types.PageCategory},
	{"suv", types.PageCategory},
	{"showroom", types.PageCategory},
}

// ClassifyURL types a URL by its path. The homepage is the bare root; a
// category path with a further segment is a vehicle detail page.
func ClassifyURL(u *url.URL) types.PageType {
	path := strings.Trim(strings.ToLower(u.Path), "/")
	if path == "" {
		return types.PageHomepage
	}
	segments := strings.Split(path, "/")
	for _, h := range pathHints {
		for i, seg := range segments {
			if seg != h.hint && !strings.HasPrefix(seg, h.hint+"-") {
				continue
			}
			// "/models/corolla" is the vehicle page, "/models" the category.
			if h.pt == types.PageCategory && i < len(segments)-1 {
				return types.PageVehicle
			}
			return h.pt
		}
	}
	return types.PageOther
}
